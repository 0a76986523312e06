package sparkplug

import (
	"testing"
	"time"
)

func TestParseTopic(t *testing.T) {
	cases := []struct {
		in   string
		want Topic
	}{
		{"spBv1.0/plant1/NBIRTH/edge01", Topic{GroupID: "plant1", Kind: NBirth, NodeID: "edge01"}},
		{"spBv1.0/plant1/DDATA/edge01/dev7", Topic{GroupID: "plant1", Kind: DData, NodeID: "edge01", DeviceID: "dev7"}},
		{"spBv1.0/g/NDEATH/n", Topic{GroupID: "g", Kind: NDeath, NodeID: "n"}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseTopic(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("ParseTopic = %+v, want %+v", got, tc.want)
			}
			if got.String() != tc.in {
				t.Errorf("round trip = %q", got.String())
			}
		})
	}
}

func TestParseTopicRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"spBv1.0/g/NDATA",           // missing node
		"spBv1.0/g/NDATA/n/d/extra", // too deep
		"factory/g/NDATA/n",         // wrong namespace
		"spBv1.0//NDATA/n",          // empty group
	} {
		if _, err := ParseTopic(in); err == nil {
			t.Errorf("ParseTopic(%q) succeeded", in)
		}
	}
}

func TestTopicHandled(t *testing.T) {
	data, _ := ParseTopic("spBv1.0/g/NDATA/n")
	if !data.Handled() {
		t.Error("NDATA should be handled")
	}
	cmd, _ := ParseTopic("spBv1.0/g/NCMD/n")
	if cmd.Handled() {
		t.Error("NCMD should be ignored by ingress")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1700000000123).UTC()
	in := &Payload{
		Timestamp: ts,
		Seq:       42,
		HasSeq:    true,
		Metrics: []Metric{
			{Name: "temp", DataType: DataTypeDouble, Timestamp: ts, Value: 21.5},
			{Name: "run", DataType: DataTypeBoolean, Value: true},
			{Name: "count", DataType: DataTypeInt32, Value: int32(-7)},
			{Name: "label", DataType: DataTypeString, Value: "line A"},
			{Name: "gone", DataType: DataTypeDouble, IsNull: true},
		},
	}
	raw, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}

	if !out.HasSeq || out.Seq != 42 {
		t.Errorf("seq = %d (has=%v)", out.Seq, out.HasSeq)
	}
	if !out.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v", out.Timestamp)
	}
	if len(out.Metrics) != 5 {
		t.Fatalf("metric count = %d", len(out.Metrics))
	}
	if v := out.Metrics[0].Value; v != 21.5 {
		t.Errorf("double = %v (%T)", v, v)
	}
	if v := out.Metrics[1].Value; v != true {
		t.Errorf("bool = %v", v)
	}
	if v := out.Metrics[2].Value; v != int32(-7) {
		t.Errorf("int32 = %v (%T)", v, v)
	}
	if v := out.Metrics[3].Value; v != "line A" {
		t.Errorf("string = %v", v)
	}
	if !out.Metrics[4].IsNull || out.Metrics[4].Value != nil {
		t.Errorf("null metric = %+v", out.Metrics[4])
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	raw, err := Encode(&Payload{Seq: 1, HasSeq: true, UUID: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if out.UUID != "abc" {
		t.Errorf("uuid = %q", out.UUID)
	}
}

// A fresh endpoint births at seq 0; data continues the sequence, so
// the fifth message overall carries seq 4 and the sixth seq 5.
func TestSequenceBirthThenData(t *testing.T) {
	s := NewState()

	if _, err := s.NextData("g", "n", ""); err != ErrNoBirth {
		t.Fatalf("data before birth: err = %v", err)
	}

	if seq := s.NextBirth("g", "n", ""); seq != 0 {
		t.Fatalf("birth seq = %d, want 0", seq)
	}
	for want := uint64(1); want <= 5; want++ {
		seq, err := s.NextData("g", "n", "")
		if err != nil {
			t.Fatal(err)
		}
		if seq != want {
			t.Fatalf("data seq = %d, want %d", seq, want)
		}
	}
}

func TestSequenceWrapsAt256(t *testing.T) {
	s := NewState()
	s.NextBirth("g", "n", "")
	var last uint64
	for i := 0; i < 255; i++ {
		last, _ = s.NextData("g", "n", "")
	}
	if last != 255 {
		t.Fatalf("seq before wrap = %d", last)
	}
	seq, _ := s.NextData("g", "n", "")
	if seq != 0 {
		t.Errorf("seq after wrap = %d, want 0", seq)
	}
}

func TestDeathResets(t *testing.T) {
	s := NewState()
	s.NextBirth("g", "n", "dev")
	if _, err := s.NextData("g", "n", "dev"); err != nil {
		t.Fatal(err)
	}

	s.Death("g", "n", "dev")
	if _, err := s.NextData("g", "n", "dev"); err != ErrNoBirth {
		t.Errorf("data after death: err = %v", err)
	}
	if seq := s.NextBirth("g", "n", "dev"); seq != 0 {
		t.Errorf("re-birth seq = %d, want 0", seq)
	}
}

func TestEndpointsIndependent(t *testing.T) {
	s := NewState()
	s.NextBirth("g", "n", "")
	s.NextData("g", "n", "")

	if s.Born("g", "n", "dev") {
		t.Error("device endpoint born by node birth")
	}
	if seq := s.NextBirth("g", "n", "dev"); seq != 0 {
		t.Errorf("device birth seq = %d", seq)
	}
}
