package s7

import "testing"

func TestParseValid(t *testing.T) {
	cases := []struct {
		in   string
		want Address
	}{
		{"DB1.DBX0.5", Address{Area: AreaDB, DB: 1, Offset: 0, Bit: 5, Kind: KindBool}},
		{"DB20.DBW4", Address{Area: AreaDB, DB: 20, Offset: 4, Kind: KindInt16}},
		{"DB20.DBD8", Address{Area: AreaDB, DB: 20, Offset: 8, Kind: KindReal}},
		{"DB3.DBB12", Address{Area: AreaDB, DB: 3, Offset: 12, Kind: KindByte}},
		{"MX2.0", Address{Area: AreaM, Offset: 2, Bit: 0, Kind: KindBool}},
		{"MW10", Address{Area: AreaM, Offset: 10, Kind: KindInt16}},
		{"MD16", Address{Area: AreaM, Offset: 16, Kind: KindReal}},
		{"IX0.7", Address{Area: AreaI, Offset: 0, Bit: 7, Kind: KindBool}},
		{"IB1", Address{Area: AreaI, Offset: 1, Kind: KindByte}},
		{"QX4.3", Address{Area: AreaQ, Offset: 4, Bit: 3, Kind: KindBool}},
		{"QW6", Address{Area: AreaQ, Offset: 6, Kind: KindInt16}},
		// lowercase accepted
		{"db1.dbx0.5", Address{Area: AreaDB, DB: 1, Offset: 0, Bit: 5, Kind: KindBool}},
		{"mw10", Address{Area: AreaM, Offset: 10, Kind: KindInt16}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"",
		"DB1",
		"DB1.DBX0",    // bool needs a bit
		"DB1.DBW0.3",  // bit on a word
		"DB1.DBX0.8",  // bit out of range
		"MX2",         // bool needs a bit
		"MB4.1",       // bit on a byte
		"XB0",         // unknown area
		"DB-1.DBW0",   // negative block
		"DB1.DBQ0",    // unknown width letter
		"DB1DBW0",     // missing separator
		"hello world", // junk
	}
	for _, in := range cases {
		t.Run(in, func(t *testing.T) {
			if _, err := Parse(in); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", in)
			}
		})
	}
}

// Formatting a parsed address must reproduce the canonical spelling,
// and parsing that spelling must round-trip.
func TestFormatRoundTrip(t *testing.T) {
	cases := []struct {
		in    string
		canon string
	}{
		{"db1.dbx0.5", "DB1.DBX0.5"},
		{"DB20.DBW4", "DB20.DBW4"},
		{"DB20.DBD8", "DB20.DBD8"},
		{"mx2.0", "MX2.0"},
		{"mw10", "MW10"},
		{"ib1", "IB1"},
		{"qd12", "QD12"},
	}
	for _, tc := range cases {
		a, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got := a.Format(); got != tc.canon {
			t.Errorf("Format(%q) = %q, want %q", tc.in, got, tc.canon)
		}
		b, err := Parse(a.Format())
		if err != nil {
			t.Fatalf("re-Parse(%q): %v", a.Format(), err)
		}
		if b != a {
			t.Errorf("round trip %q: %+v != %+v", tc.in, b, a)
		}
	}
}

func TestByteKey(t *testing.T) {
	a, _ := Parse("DB1.DBX4.2")
	b, _ := Parse("DB1.DBX4.6")
	c, _ := Parse("DB1.DBX5.2")
	d, _ := Parse("MX4.2")
	if a.ByteKey() != b.ByteKey() {
		t.Errorf("same byte, different keys: %q vs %q", a.ByteKey(), b.ByteKey())
	}
	if a.ByteKey() == c.ByteKey() {
		t.Errorf("different offsets share key %q", a.ByteKey())
	}
	if a.ByteKey() == d.ByteKey() {
		t.Errorf("different areas share key %q", a.ByteKey())
	}
}
