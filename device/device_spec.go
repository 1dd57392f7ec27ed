package device

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// DeviceSpec holds the `key=value,key=value` pairs passed to `-device`.
type DeviceSpec map[string]string

const (
	DeviceSpecFieldName    = "name"
	DeviceSpecFieldAddress = "addr"
)

var knownSpecFields = []string{DeviceSpecFieldName, DeviceSpecFieldAddress}

func NewDeviceSpec(s string) DeviceSpec {
	spec := DeviceSpec{}

	for _, entry := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(entry, "=")

		if !ok {
			log.Warn().Str("Entry", entry).Msg("Skipping invalid device spec entry")
			continue
		}

		spec[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	return spec
}

// Validate checks that the spec carries an address and no unknown keys.
func (ds DeviceSpec) Validate() error {
	if ds.Addr() == "" {
		return fmt.Errorf("device spec is missing the %q field", DeviceSpecFieldAddress)
	}

	for key := range ds {
		known := false

		for _, field := range knownSpecFields {
			if key == field {
				known = true
				break
			}
		}

		if !known {
			return fmt.Errorf("unknown device spec field %q (must be one of %v)", key, knownSpecFields)
		}
	}

	return nil
}

func (ds DeviceSpec) Name() string {
	return ds[DeviceSpecFieldName]
}

func (ds DeviceSpec) Addr() string {
	return ds[DeviceSpecFieldAddress]
}
