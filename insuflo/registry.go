// Package insuflo describes the GATT profile of Insuflo peripherals: which characteristics
// carry samples, which service owns them and how their payloads are encoded.
package insuflo

import (
	"fmt"
	"sort"

	"github.com/go-ble/ble"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"
)

// Service UUIDs.
var (
	ServicePumpStatus = ble.MustParse("f95c5fe8-d479-11ee-a506-0242ac120002")
	ServiceBolusSettings = ble.MustParse("5a627760-d546-11ee-a506-0242ac120002")
	ServiceEvents = ble.MustParse("46f996e4-d560-11ee-a506-0242ac120002")
	ServiceBolusHistory = ble.MustParse("52bed3be-d56e-11ee-a506-0242ac120002")
	ServiceOtp = ble.MustParse("08233dea-d560-11ee-a506-0242ac120002")
)

// Characteristic UUIDs.
var (
	CharPumpStatus = ble.MustParse("f95c620e-d479-11ee-a506-0242ac120002")
	CharBasalSettings = ble.MustParse("f95c6326-d479-11ee-a506-0242ac120002")
	CharBolusCalculator = ble.MustParse("5a627ad0-d546-11ee-a506-0242ac120002")
	CharBolusProgress = ble.MustParse("5a627c1a-d546-11ee-a506-0242ac120002")
	CharBGCarb = ble.MustParse("46f99c20-d560-11ee-a506-0242ac120002")
	CharAlarm = ble.MustParse("46f99d56-d560-11ee-a506-0242ac120002")
	CharBolusRecord = ble.MustParse("52bed620-d56e-11ee-a506-0242ac120002")
	CharOtp = ble.MustParse("08234060-d560-11ee-a506-0242ac120002")
	// Push channel used once every readable characteristic has been read once. Placeholder value
	// not confirmed on real pumps; set protocol.notify_characteristic in the config file to
	// override it.
	CharNotify = ble.MustParse("46f99e78-d560-11ee-a506-0242ac120002")
)

// Descriptor is the static description of a sample-carrying characteristic.
type Descriptor struct {
	UUID ble.UUID
	Service ble.UUID
	// Field names in wire order.
	Fields []string
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%v[%d fields]", d.UUID, len(d.Fields))
}

// Protocol groups the fixed identifiers used outside of the sample table.
type Protocol struct {
	OtpService ble.UUID
	OtpCharacteristic ble.UUID
	NotifyService ble.UUID
	NotifyCharacteristic ble.UUID
}

var DefaultProtocol = Protocol{
	OtpService: ServiceOtp,
	OtpCharacteristic: CharOtp,
	NotifyService: ServiceEvents,
	NotifyCharacteristic: CharNotify,
}

var DefaultDescriptors = []Descriptor{
	{
		UUID: CharPumpStatus,
		Service: ServicePumpStatus,
		Fields: []string{
			"Battery", "Reservoir", "QuickBolusSet", "QuickBolusIncrement",
			"InfusionSetChange", "temperature", "AlarmAudVib",
		},
	},
	{
		UUID: CharBasalSettings,
		Service: ServicePumpStatus,
		Fields: []string{
			"BasalPattern", "BasalRate", "BGTargetNum", "BGTargetUL", "BGTargetLL",
			"CarbRatioNum", "CarbRatioVal", "ISFNum", "ISFVal",
		},
	},
	{
		UUID: CharBolusCalculator,
		Service: ServiceBolusSettings,
		Fields: []string{
			"BolusCalcStatus", "BGFeature", "MaxBasal", "MaxBolus",
			"ExtendedBolus", "CombBolus", "InsDel", "IOBVal",
		},
	},
	{
		UUID: CharBolusProgress,
		Service: ServiceBolusSettings,
		Fields: []string{"BolusType", "StartTime", "BolusDelivered", "TotalBolus"},
	},
	{
		UUID: CharBGCarb,
		Service: ServiceEvents,
		Fields: []string{
			"UniqueBGCarbTime", "UniqueBGCarbDate", "BGVal", "CarbVal",
			"InitialCalcData", "FinalCalcData",
		},
	},
	{
		UUID: CharAlarm,
		Service: ServiceEvents,
		Fields: []string{"AlarmUniqueTime", "AlarmUniqueDate", "AlarmCode"},
	},
	{
		UUID: CharBolusRecord,
		Service: ServiceBolusHistory,
		Fields: []string{"BolusUniqueTime", "BolusUniqueDate", "BolusType", "BolusVal", "BolusTime"},
	},
}

// Registry maps characteristic UUIDs to their descriptors. It is immutable after creation and
// safe for concurrent use.
type Registry struct {
	Protocol

	descriptors map[string]Descriptor
}

func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultDescriptors, DefaultProtocol)

	if err != nil {
		panic("invalid default characteristic registry: " + err.Error())
	}

	return r
}

func NewRegistry(descriptors []Descriptor, protocol Protocol) (*Registry, error) {
	r := &Registry{
		Protocol: protocol,
		descriptors: make(map[string]Descriptor, len(descriptors)),
	}

	for _, d := range descriptors {
		if len(d.UUID) == 0 || len(d.Service) == 0 {
			return nil, fmt.Errorf("characteristic descriptor %v has no UUID or service", d)
		}

		key := d.UUID.String()

		if _, ok := r.descriptors[key]; ok {
			return nil, fmt.Errorf("characteristic %v is declared twice", d.UUID)
		}

		r.descriptors[key] = d
	}

	log.Trace().
		Strs("Characteristics", r.UUIDs()).
		Msg("insuflo: characteristic registry initialized")

	return r, nil
}

func (r *Registry) Lookup(uuid ble.UUID) (Descriptor, bool) {
	d, ok := r.descriptors[uuid.String()]
	return d, ok
}

func (r *Registry) Contains(uuid ble.UUID) bool {
	_, ok := r.descriptors[uuid.String()]
	return ok
}

// ServiceOf returns the service a characteristic is expected to be discovered under.
func (r *Registry) ServiceOf(uuid ble.UUID) (ble.UUID, bool) {
	d, ok := r.descriptors[uuid.String()]
	return d.Service, ok
}

// UUIDs returns the sorted characteristic UUIDs known to the registry.
func (r *Registry) UUIDs() []string {
	keys := maps.Keys(r.descriptors)
	sort.Strings(keys)

	return keys
}

func (r *Registry) Len() int {
	return len(r.descriptors)
}
