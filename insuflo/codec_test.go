package insuflo_test

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/robertof/insuflo-client/insuflo"
)

func TestDecodeSamples_RoundTrip(t *testing.T) {
	values := []float32{0, 1.5, -273.15, 42, math.MaxFloat32, math.SmallestNonzeroFloat32}

	got := insuflo.DecodeSamples(insuflo.EncodeSamples(values))

	if !reflect.DeepEqual(got, values) {
		t.Fatalf("DecodeSamples(EncodeSamples(%v)): got %v", values, got)
	}
}

func TestDecodeSamples_LittleEndian(t *testing.T) {
	// 1.0 and 25.5 as little-endian IEEE-754.
	data := []byte{
		0x00, 0x00, 0x80, 0x3f,
		0x00, 0x00, 0xcc, 0x41,
	}

	got := insuflo.DecodeSamples(data)
	want := []float32{1.0, 25.5}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DecodeSamples(%x): got %v, wanted %v", data, got, want)
	}
}

func TestDecodeSamples_IgnoresTrailingBytes(t *testing.T) {
	data := []byte{0x00, 0x00, 0x80, 0x3f, 0x01, 0x02}

	got := insuflo.DecodeSamples(data)

	if len(got) != 1 || got[0] != 1.0 {
		t.Fatalf("DecodeSamples(%x): got %v, wanted [1]", data, got)
	}

	if got := insuflo.DecodeSamples(nil); len(got) != 0 {
		t.Fatalf("DecodeSamples(nil): got %v, wanted empty", got)
	}
}

func TestDescribeFields_ScalesShorts(t *testing.T) {
	fields := []string{"Battery", "Reservoir", "temperature"}
	data := []byte{
		0xc8, 0x00, // 200 -> 20.0
		0xe8, 0x03, // 1000 -> 100.0
		0x9c, 0xff, // -100 -> -10.0
	}

	got, err := insuflo.DescribeFields(fields, data)

	if err != nil {
		t.Fatalf("DescribeFields(%x) got error: %v", data, err)
	}

	want := insuflo.FieldValues{
		{Name: "Battery", Value: 20},
		{Name: "Reservoir", Value: 100},
		{Name: "temperature", Value: -10},
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DescribeFields(%x): got %+v, wanted %+v", data, got, want)
	}
}

func TestDescribeFields_ShortPayload(t *testing.T) {
	fields := []string{"AlarmUniqueTime", "AlarmUniqueDate", "AlarmCode"}
	data := []byte{0x0a, 0x00, 0x14}

	got, err := insuflo.DescribeFields(fields, data)

	if !errors.Is(err, insuflo.ErrInsufficientData) {
		t.Fatalf("DescribeFields(%x): got error %v, wanted ErrInsufficientData", data, err)
	}

	want := insuflo.FieldValues{{Name: "AlarmUniqueTime", Value: 1}}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DescribeFields(%x): got %+v, wanted %+v", data, got, want)
	}
}

func TestEncodeOtp(t *testing.T) {
	got := insuflo.EncodeOtp(1234)
	want := []byte{0xd2, 0x04}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("EncodeOtp(1234): got %x, wanted %x", got, want)
	}

	// only the low 16 bits survive.
	if got := insuflo.EncodeOtp(0x12345); !reflect.DeepEqual(got, []byte{0x45, 0x23}) {
		t.Fatalf("EncodeOtp(0x12345): got %x, wanted 4523", got)
	}

	if got := insuflo.EncodeOtp(-1); !reflect.DeepEqual(got, []byte{0xff, 0xff}) {
		t.Fatalf("EncodeOtp(-1): got %x, wanted ffff", got)
	}
}

func TestEncodeOtp_Injective(t *testing.T) {
	seen := make(map[[2]byte]int, math.MaxUint16 + 1)

	for v := math.MinInt16; v <= math.MaxInt16; v++ {
		b := insuflo.EncodeOtp(v)

		if len(b) != 2 {
			t.Fatalf("EncodeOtp(%d): got %d bytes, wanted 2", v, len(b))
		}

		key := [2]byte{b[0], b[1]}

		if prev, ok := seen[key]; ok {
			t.Fatalf("EncodeOtp(%d) and EncodeOtp(%d) both encode to %x", prev, v, b)
		}

		seen[key] = v
	}
}

func TestParseOtp(t *testing.T) {
	got, err := insuflo.ParseOtp("0042")

	if err != nil || got != 42 {
		t.Fatalf("ParseOtp(\"0042\"): got (%d, %v), wanted (42, nil)", got, err)
	}

	for _, code := range []string{"", "12a4", "-12", " 123"} {
		if _, err := insuflo.ParseOtp(code); !errors.Is(err, insuflo.ErrInvalidOtp) {
			t.Fatalf("ParseOtp(%q): got error %v, wanted ErrInvalidOtp", code, err)
		}
	}
}
