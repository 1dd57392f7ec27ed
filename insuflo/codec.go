package insuflo

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	sampleWidth = 4
	fieldWidth = 2
	// Diagnostic fields are transmitted in tenths.
	fieldScale = 10
)

var (
	ErrInvalidOtp = errors.New("invalid OTP")
	ErrInsufficientData = errors.New("insufficient data")
)

// DecodeSamples interprets a payload as consecutive little-endian IEEE-754 float32 values.
// Trailing bytes that do not form a whole value are ignored.
func DecodeSamples(data []byte) []float32 {
	out := make([]float32, 0, len(data) / sampleWidth)

	for i := 0; i + sampleWidth <= len(data); i += sampleWidth {
		out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(data[i:])))
	}

	return out
}

// EncodeSamples is the inverse of DecodeSamples.
func EncodeSamples(values []float32) []byte {
	out := make([]byte, len(values) * sampleWidth)

	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i * sampleWidth:], math.Float32bits(v))
	}

	return out
}

type FieldValue struct {
	Name string
	Value float32
}

type FieldValues []FieldValue

func (fv FieldValues) MarshalZerologObject(e *zerolog.Event) {
	for _, f := range fv {
		e.Float32(f.Name, f.Value)
	}
}

// DescribeFields decodes a payload as little-endian int16 values scaled down by 10, one per
// named field. When the payload is too short for every field, the fields decoded so far are
// returned along with ErrInsufficientData.
func DescribeFields(fields []string, data []byte) (FieldValues, error) {
	out := make(FieldValues, 0, len(fields))

	for i, name := range fields {
		offset := i * fieldWidth

		if offset + fieldWidth > len(data) {
			return out, errors.Wrapf(ErrInsufficientData,
				"no value for %q, %d bytes remaining", name, len(data) - offset)
		}

		raw := int16(binary.LittleEndian.Uint16(data[offset:])) // signed, 2's complement
		out = append(out, FieldValue{
			Name: name,
			Value: float32(raw) / fieldScale,
		})
	}

	return out, nil
}

// EncodeOtp encodes a one-time password as a little-endian int16. Values that do not fit in
// 16 bits are truncated.
func EncodeOtp(value int) []byte {
	out := make([]byte, fieldWidth)
	binary.LittleEndian.PutUint16(out, uint16(int16(value)))

	return out
}

// ParseOtp converts a string of decimal digits into an OTP value.
func ParseOtp(code string) (int, error) {
	if code == "" {
		return 0, errors.Wrap(ErrInvalidOtp, "empty code")
	}

	for _, c := range code {
		if c < '0' || c > '9' {
			return 0, errors.Wrapf(ErrInvalidOtp, "unexpected character %q", c)
		}
	}

	v, err := strconv.Atoi(code)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidOtp, "cannot parse %q: %v", code, err)
	}

	return v, nil
}

// LogPayload emits the named diagnostic values of a payload at debug level.
func (r *Registry) LogPayload(uuid ble.UUID, data []byte) {
	if len(data) == 0 {
		log.Warn().Stringer("Characteristic", uuid).Msg("insuflo: received empty payload")
		return
	}

	d, ok := r.Lookup(uuid)
	if !ok || len(d.Fields) == 0 {
		log.Warn().Stringer("Characteristic", uuid).Msg("insuflo: no field mapping for characteristic")
		return
	}

	values, err := DescribeFields(d.Fields, data)

	log.Debug().
		Stringer("Characteristic", uuid).
		Hex("Payload", data).
		Object("Fields", values).
		AnErr("DecodeError", err).
		Msg("insuflo: decoded characteristic payload")
}
