package device

import (
	"fmt"
	"time"

	"github.com/go-ble/ble"
)

type SampleSource uint8

const (
	SampleSourceRead SampleSource = iota
	SampleSourceNotification
)

func (s SampleSource) String() string {
	if s == SampleSourceNotification {
		return "notification"
	}

	return "read"
}

// SampleBatch holds the values decoded from a single characteristic payload, in wire order.
type SampleBatch struct {
	Characteristic ble.UUID
	Values []float32
	Source SampleSource
	Time time.Time
}

func (b SampleBatch) String() string {
	return fmt.Sprintf("SampleBatch[Characteristic=%v,Source=%v,Values=%v]",
		b.Characteristic, b.Source, b.Values)
}
