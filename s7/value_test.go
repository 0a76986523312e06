package s7

import (
	"math"
	"testing"
)

func TestDecode(t *testing.T) {
	cases := []struct {
		name string
		addr string
		buf  []byte
		want interface{}
	}{
		{"bool set", "DB1.DBX0.5", []byte{0b00100000}, true},
		{"bool clear", "DB1.DBX0.5", []byte{0b11011111}, false},
		{"byte", "DB1.DBB0", []byte{0xAB}, byte(0xAB)},
		{"int16 positive", "DB1.DBW0", []byte{0x01, 0x02}, int16(258)},
		{"int16 negative", "DB1.DBW0", []byte{0xFF, 0xFE}, int16(-2)},
		{"real", "DB1.DBD0", []byte{0x42, 0x28, 0x00, 0x00}, float32(42.0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := Parse(tc.addr)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(a, tc.buf)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("Decode = %v (%T), want %v (%T)", got, got, tc.want, tc.want)
			}
		})
	}
}

func TestDecodeShortRead(t *testing.T) {
	a, _ := Parse("DB1.DBD0")
	if _, err := Decode(a, []byte{0x00, 0x01}); err == nil {
		t.Error("short buffer decoded without error")
	}
}

func TestEncode(t *testing.T) {
	cases := []struct {
		name  string
		addr  string
		value interface{}
		want  []byte
	}{
		{"byte", "MB0", 200, []byte{200}},
		{"int16", "MW0", -2, []byte{0xFF, 0xFE}},
		{"int16 from float", "MW0", float64(300), []byte{0x01, 0x2C}},
		{"real", "MD0", 42.0, []byte{0x42, 0x28, 0x00, 0x00}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := Parse(tc.addr)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Encode(a, tc.value)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("Encode = % X, want % X", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("Encode = % X, want % X", got, tc.want)
				}
			}
		})
	}
}

func TestEncodeRange(t *testing.T) {
	byteAddr, _ := Parse("MB0")
	wordAddr, _ := Parse("MW0")
	if _, err := Encode(byteAddr, 256); err == nil {
		t.Error("byte overflow accepted")
	}
	if _, err := Encode(byteAddr, -1); err == nil {
		t.Error("negative byte accepted")
	}
	if _, err := Encode(wordAddr, math.MaxInt16+1); err == nil {
		t.Error("int16 overflow accepted")
	}
}

// Setting a bit that is already set, or clearing one that is already
// clear, must leave the byte untouched so neighbour bits survive a
// read-modify-write cycle.
func TestSetBitPreservesNeighbours(t *testing.T) {
	const b = byte(0b10100000)

	if got := SetBit(b, 5, true); got != b {
		t.Errorf("set of set bit changed byte: %08b", got)
	}
	if got := SetBit(b, 3, false); got != b {
		t.Errorf("clear of clear bit changed byte: %08b", got)
	}
	if got := SetBit(b, 0, true); got != 0b10100001 {
		t.Errorf("set bit 0 = %08b, want 10100001", got)
	}
	if got := SetBit(b, 7, false); got != 0b00100000 {
		t.Errorf("clear bit 7 = %08b, want 00100000", got)
	}
}

func TestToBool(t *testing.T) {
	cases := []struct {
		in   interface{}
		want bool
	}{
		{true, true},
		{false, false},
		{"true", true},
		{"0", false},
		{1, true},
		{0.0, false},
		{float64(2.5), true},
	}
	for _, tc := range cases {
		got, err := ToBool(tc.in)
		if err != nil {
			t.Errorf("ToBool(%v): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ToBool(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ToBool("maybe"); err == nil {
		t.Error(`ToBool("maybe") succeeded`)
	}
}
