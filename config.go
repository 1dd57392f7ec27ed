package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	inble "github.com/robertof/insuflo-client/ble"
	"github.com/robertof/insuflo-client/collector"
	"github.com/robertof/insuflo-client/device"
	"github.com/robertof/insuflo-client/insuflo"
	"github.com/robertof/insuflo-client/scan"
	"github.com/robertof/insuflo-client/session"
)

type config struct {
	Debug, Trace bool
	BindAddress string
	EnableMetamonitoring bool
	DiscoverDevices bool
	BluetoothDeviceId int
	BluetoothConnParams inble.ConnParams
	ScanMode inble.ScanMode
	ReportDelay time.Duration
	ConfigFile string
	Otp string
	OtpRetries int
	Backoff time.Duration
	IdleTimeout time.Duration
	PairingSettleDelay time.Duration
	Session session.Config
	Device *device.Peripheral
}

// fileConfig is the optional YAML configuration. Flags given on the command line take
// precedence over session settings read from the file.
type fileConfig struct {
	Protocol struct {
		OtpService string `yaml:"otp_service"`
		OtpCharacteristic string `yaml:"otp_characteristic"`
		NotifyService string `yaml:"notify_service"`
		NotifyCharacteristic string `yaml:"notify_characteristic"`
	} `yaml:"protocol"`

	Characteristics []struct {
		UUID string `yaml:"uuid"`
		Service string `yaml:"service"`
		Fields []string `yaml:"fields"`
	} `yaml:"characteristics"`

	Session struct {
		MaxAttempts int `yaml:"max_attempts"`
		OperationTimeout time.Duration `yaml:"operation_timeout"`
		ContinuousPolling *bool `yaml:"continuous_polling"`
	} `yaml:"session"`
}

type deviceFlag struct {
	dst **device.Peripheral
}

func (d *deviceFlag) String() string {
	if d.dst == nil || *d.dst == nil {
		return ""
	}

	return (*d.dst).String()
}

func (d *deviceFlag) Set(v string) error {
	p, err := device.FromDeviceSpec(device.NewDeviceSpec(v))
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	*d.dst = &p

	return nil
}

func parseUUID(field, s string, def ble.UUID) (ble.UUID, error) {
	if s == "" {
		return def, nil
	}

	u, err := ble.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %v", field)
	}

	return u, nil
}

// registry builds the characteristic registry described by the file, falling back to the
// built-in table for anything left out.
func (fc *fileConfig) registry() (*insuflo.Registry, error) {
	var (
		protocol = insuflo.DefaultProtocol
		err error
	)

	if protocol.OtpService, err = parseUUID("otp_service", fc.Protocol.OtpService, protocol.OtpService); err != nil {
		return nil, err
	}

	if protocol.OtpCharacteristic, err = parseUUID("otp_characteristic", fc.Protocol.OtpCharacteristic, protocol.OtpCharacteristic); err != nil {
		return nil, err
	}

	if protocol.NotifyService, err = parseUUID("notify_service", fc.Protocol.NotifyService, protocol.NotifyService); err != nil {
		return nil, err
	}

	if protocol.NotifyCharacteristic, err = parseUUID("notify_characteristic", fc.Protocol.NotifyCharacteristic, protocol.NotifyCharacteristic); err != nil {
		return nil, err
	}

	descriptors := insuflo.DefaultDescriptors

	if len(fc.Characteristics) > 0 {
		descriptors = make([]insuflo.Descriptor, 0, len(fc.Characteristics))

		for i, c := range fc.Characteristics {
			field := fmt.Sprintf("characteristics[%d]", i)

			uuid, err := parseUUID(field + ".uuid", c.UUID, nil)
			if err != nil {
				return nil, err
			}

			service, err := parseUUID(field + ".service", c.Service, nil)
			if err != nil {
				return nil, err
			}

			descriptors = append(descriptors, insuflo.Descriptor{
				UUID: uuid,
				Service: service,
				Fields: c.Fields,
			})
		}
	}

	return insuflo.NewRegistry(descriptors, protocol)
}

func loadFileConfig(path string) (*fileConfig, error) {
	var fc fileConfig

	if path == "" {
		return &fc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %v", path)
	}

	return &fc, nil
}

// apply merges the file into cfg. set holds the names of the flags given on the command line.
func (fc *fileConfig) apply(cfg *config, set map[string]bool) error {
	registry, err := fc.registry()
	if err != nil {
		return err
	}

	cfg.Session.Registry = registry

	if fc.Session.MaxAttempts > 0 && !set["max-attempts"] {
		cfg.Session.MaxAttempts = fc.Session.MaxAttempts
	}

	if fc.Session.OperationTimeout > 0 && !set["operation-timeout"] {
		cfg.Session.OperationTimeout = fc.Session.OperationTimeout
	}

	if fc.Session.ContinuousPolling != nil && !set["continuous-polling"] {
		cfg.Session.ContinuousPolling = *fc.Session.ContinuousPolling
	}

	return nil
}

func newFlagSet(cfg *config) *flag.FlagSet {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	cfg.BluetoothConnParams = inble.ConnParamsDefault
	cfg.ScanMode = inble.ScanModeBalanced

	fs.StringVar(&cfg.BindAddress, "bind", "localhost:9103", "Where the metrics server will bind to")
	fs.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
	fs.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params", "Bluetooth connection parameters (one of 'default' or 'power-saving')")
	fs.Var(&cfg.ScanMode, "scan-mode", "Scan duty cycle (one of 'low-power', 'balanced' or 'low-latency')")
	fs.DurationVar(&cfg.ReportDelay, "report-delay", scan.DefaultReportDelay, "How long advertisements are collected per scan batch")
	fs.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover available Insuflo devices and quit")
	fs.BoolVar(&cfg.EnableMetamonitoring, "metamonitoring", true, "Enable metamonitoring metrics")
	fs.StringVar(&cfg.ConfigFile, "config", "", "Optional YAML file with protocol identifiers and session settings")
	fs.StringVar(&cfg.Otp, "otp", "", "One-time password shown by the pump")
	fs.IntVar(&cfg.OtpRetries, "otp-retries", collector.DefaultMaxRetries, "Max number of retries while waiting for the link to accept the OTP")
	fs.DurationVar(&cfg.Backoff, "backoff", collector.DefaultBackoffFactor, "Exponential backoff factor for OTP retries")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "Pause polling if metrics are not scraped for this long (0 disables)")
	fs.DurationVar(&cfg.PairingSettleDelay, "pairing-settle-delay", time.Second, "Delay between bonding and connecting")
	fs.IntVar(&cfg.Session.MaxAttempts, "max-attempts", session.DefaultMaxAttempts, "Connection attempts retried before giving up")
	fs.DurationVar(&cfg.Session.OperationTimeout, "operation-timeout", session.DefaultOperationTimeout, "Timeout for a single GATT operation")
	fs.BoolVar(&cfg.Session.ContinuousPolling, "continuous-polling", false, "Keep polling characteristics once notifications are enabled")
	fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
	fs.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

	fs.Var(&deviceFlag{dst: &cfg.Device}, "device",
		"Device spec in the form of `addr=AA:BB:CC:DD:EE:FF,name=pump`. The name is optional.")

	return fs
}

func parseArgs(args []string) (config, error) {
	var cfg config

	fs := newFlagSet(&cfg)

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fc, err := loadFileConfig(cfg.ConfigFile)
	if err != nil {
		return cfg, err
	}

	if err := fc.apply(&cfg, set); err != nil {
		return cfg, err
	}

	if !cfg.DiscoverDevices && cfg.Device == nil {
		return cfg, errors.New("a device is required unless running with -discover")
	}

	return cfg, nil
}

func ParseArgs() config {
	cfg, err := parseArgs(os.Args[1:])

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	return cfg
}
