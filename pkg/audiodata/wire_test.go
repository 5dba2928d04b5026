package audiodata

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func floatPtr(value float64) *float64 {
	return &value
}

// TestMarshalWire_PositionQuantization verifies the millimeter quantization
// of position components: scaled by 1000 and rounded to the nearest integer,
// so 1.2345 m goes on the wire as 1235.
func TestMarshalWire_PositionQuantization(t *testing.T) {
	changes := &AudioAPIDataChanges{X: floatPtr(1.2345)}

	got := string(changes.MarshalWire())
	if got != `{"x":1235}` {
		t.Fatalf("encoded %q, want %q", got, `{"x":1235}`)
	}
}

// TestMarshalWire_OrientationScaling pins the known wire asymmetry: position
// components quantize to integer millimeters, but orientation components
// are scaled by 1000 and kept fractional. The mixing service has always
// decoded quaternions that way, so the encoder must not unify the two.
func TestMarshalWire_OrientationScaling(t *testing.T) {
	// 0.0625 is exact in binary, so the scaled values are exact too.
	changes := &AudioAPIDataChanges{
		X:  floatPtr(0.0625),
		QX: floatPtr(0.0625),
	}

	got := string(changes.MarshalWire())
	if got != `{"x":63,"X":62.5}` {
		t.Fatalf("encoded %q, want %q", got, `{"x":63,"X":62.5}`)
	}
}

// TestMarshalWire_UnsetScalarsEncodeNull verifies that NaN optional scalars
// travel as JSON null, the service's cue to apply its own default.
func TestMarshalWire_UnsetScalarsEncodeNull(t *testing.T) {
	changes := &AudioAPIDataChanges{
		VolumeThreshold: floatPtr(math.NaN()),
		Attenuation:     floatPtr(0.5),
		Rolloff:         floatPtr(math.NaN()),
	}

	got := string(changes.MarshalWire())
	if got != `{"T":null,"a":0.5,"r":null}` {
		t.Fatalf("encoded %q, want %q", got, `{"T":null,"a":0.5,"r":null}`)
	}
}

// TestMarshalWire_DeterministicOutput checks the full fixed field order and
// the sorted per-peer gain object, so identical change-sets always produce
// byte-identical payloads.
func TestMarshalWire_DeterministicOutput(t *testing.T) {
	changes := &AudioAPIDataChanges{
		X:    floatPtr(1),
		Y:    floatPtr(-2),
		Z:    floatPtr(0.25),
		QW:   floatPtr(1),
		Gain: floatPtr(0.5),
		OtherUserGains: map[string]float64{
			"hashB": 2,
			"hashA": 0.5,
		},
	}

	want := `{"x":1000,"y":-2000,"z":250,"W":1000,"g":0.5,"V":{"hashA":0.5,"hashB":2}}`
	for attempt := 0; attempt < 8; attempt++ {
		got := string(changes.MarshalWire())
		if got != want {
			t.Fatalf("attempt %d encoded %q, want %q", attempt, got, want)
		}
	}
}

// TestMarshalWire_EmptyChanges verifies the degenerate encoding. Callers
// check IsEmpty before transmitting, but the encoder should still behave.
func TestMarshalWire_EmptyChanges(t *testing.T) {
	changes := &AudioAPIDataChanges{}
	if got := string(changes.MarshalWire()); got != "{}" {
		t.Fatalf("encoded %q, want {}", got)
	}
}

// TestWireRoundTrip_MillimeterTolerance encodes a position through the
// outgoing quantization and back through the incoming descaling, checking
// the round trip stays within half a millimeter per axis.
func TestWireRoundTrip_MillimeterTolerance(t *testing.T) {
	original := Vector3{X: 1.2342, Y: -0.5, Z: 2.0}
	changes := &AudioAPIDataChanges{
		X: floatPtr(original.X),
		Y: floatPtr(original.Y),
		Z: floatPtr(original.Z),
	}

	var delta PeerDelta
	if err := json.Unmarshal(changes.MarshalWire(), &delta); err != nil {
		t.Fatalf("decoding encoded payload: %v", err)
	}

	decoded := NewIncomingAudioAPIData()
	if !delta.Apply(decoded) {
		t.Fatal("applying a position delta reported no change")
	}

	for axis, pair := range map[string][2]float64{
		"x": {original.X, decoded.Position.X},
		"y": {original.Y, decoded.Position.Y},
		"z": {original.Z, decoded.Position.Z},
	} {
		if diff := math.Abs(pair[0] - pair[1]); diff > 0.0005 {
			t.Errorf("axis %s: %v decoded as %v, off by %v", axis, pair[0], pair[1], diff)
		}
	}
}

// TestPeerDelta_ApplyPartialMerge verifies that a delta only touches the
// fields present in the payload and that applying the same delta twice
// reports no change the second time.
func TestPeerDelta_ApplyPartialMerge(t *testing.T) {
	data := NewIncomingAudioAPIData()
	data.ProvidedUserID = "alice"
	data.VisitIDHash = "hashA"

	payload := []byte(`{"x":500,"v":-12.5,"s":true}`)
	var delta PeerDelta
	if err := json.Unmarshal(payload, &delta); err != nil {
		t.Fatalf("decoding delta: %v", err)
	}

	if !delta.Apply(data) {
		t.Fatal("first apply reported no change")
	}
	if data.Position.X != 0.5 {
		t.Errorf("position.X = %v, want 0.5", data.Position.X)
	}
	if data.VolumeDecibels != -12.5 || !data.IsStereo {
		t.Errorf("volume/stereo not applied: %+v", data)
	}
	if data.ProvidedUserID != "alice" || data.VisitIDHash != "hashA" {
		t.Errorf("fields absent from the payload were touched: %+v", data)
	}
	if data.Orientation != IdentityQuaternion() {
		t.Errorf("orientation touched by a positional delta: %+v", data.Orientation)
	}

	if delta.Apply(data) {
		t.Error("second apply of an identical delta reported a change")
	}
}

// TestPeerDelta_ApplyDescalesOrientation verifies the divide-by-1000
// descaling of incoming orientation components.
func TestPeerDelta_ApplyDescalesOrientation(t *testing.T) {
	payload := []byte(`{"W":62.5,"Z":-1000}`)
	var delta PeerDelta
	if err := json.Unmarshal(payload, &delta); err != nil {
		t.Fatalf("decoding delta: %v", err)
	}

	data := NewIncomingAudioAPIData()
	if !delta.Apply(data) {
		t.Fatal("orientation delta reported no change")
	}
	if data.Orientation.W != 0.0625 || data.Orientation.Z != -1 {
		t.Errorf("orientation = %+v, want W=0.0625 Z=-1", data.Orientation)
	}
}

// TestDecodePeerFrame_RawJSON decodes an uncompressed frame carrying peer
// deltas, departures, and instructions together.
func TestDecodePeerFrame_RawJSON(t *testing.T) {
	payload := []byte(`{
		"peers": {"2": {"e": "hashA", "J": "alice", "x": 500}},
		"deleted_visit_ids": ["hashB"],
		"instructions": [["mute", true], ["terminate", {"code": 4}]]
	}`)

	frame, err := DecodePeerFrame(payload)
	if err != nil {
		t.Fatalf("decoding raw frame: %v", err)
	}

	delta, present := frame.Peers["2"]
	if !present || delta.VisitIDHash == nil || *delta.VisitIDHash != "hashA" {
		t.Fatalf("peer delta missing or wrong: %+v", frame.Peers)
	}
	if len(frame.DeletedVisitIDs) != 1 || frame.DeletedVisitIDs[0] != "hashB" {
		t.Errorf("deleted visit ids = %v, want [hashB]", frame.DeletedVisitIDs)
	}

	if len(frame.Instructions) != 2 {
		t.Fatalf("instructions = %+v, want two", frame.Instructions)
	}
	if frame.Instructions[0].Name != InstructionMute {
		t.Errorf("first instruction = %q, want mute", frame.Instructions[0].Name)
	}
	if muted, ok := frame.Instructions[0].BoolArg(0); !ok || !muted {
		t.Errorf("mute argument = %v/%v, want true/true", muted, ok)
	}
	if frame.Instructions[1].Name != InstructionTerminate {
		t.Errorf("second instruction = %q, want terminate", frame.Instructions[1].Name)
	}
	if reason, ok := frame.Instructions[1].StringArg(0); !ok || reason != `{"code": 4}` {
		t.Errorf("terminate reason = %q/%v", reason, ok)
	}
}

// TestDecodePeerFrame_GzipPayload compresses a frame and checks the decoder
// inflates it transparently.
func TestDecodePeerFrame_GzipPayload(t *testing.T) {
	raw := []byte(`{"peers":{"7":{"e":"hashC","y":-250}}}`)

	var compressed bytes.Buffer
	writer := gzip.NewWriter(&compressed)
	if _, err := writer.Write(raw); err != nil {
		t.Fatalf("compressing frame: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("closing gzip writer: %v", err)
	}

	frame, err := DecodePeerFrame(compressed.Bytes())
	if err != nil {
		t.Fatalf("decoding gzip frame: %v", err)
	}
	delta, present := frame.Peers["7"]
	if !present || delta.Y == nil || *delta.Y != -250 {
		t.Fatalf("peer delta missing after decompression: %+v", frame.Peers)
	}
}

// TestDecodePeerFrame_InvalidPayload verifies that a payload that is neither
// gzip nor JSON surfaces an error rather than an empty frame.
func TestDecodePeerFrame_InvalidPayload(t *testing.T) {
	if _, err := DecodePeerFrame([]byte("not a frame")); err == nil {
		t.Fatal("expected an error for a non-JSON payload")
	}
	// Gzip magic bytes followed by garbage: decompression fails, the raw
	// fallback is not JSON either.
	if _, err := DecodePeerFrame([]byte("\x1f\x8bgarbage")); err == nil {
		t.Fatal("expected an error for a corrupt gzip payload")
	}
}

// TestInstruction_UnmarshalRejectsMalformed covers instructions that are not
// arrays or are empty.
func TestInstruction_UnmarshalRejectsMalformed(t *testing.T) {
	var instruction Instruction
	if err := json.Unmarshal([]byte(`"mute"`), &instruction); err == nil {
		t.Error("expected an error for a non-array instruction")
	}
	if err := json.Unmarshal([]byte(`[]`), &instruction); err == nil {
		t.Error("expected an error for an empty instruction")
	}
	if err := json.Unmarshal([]byte(`[42]`), &instruction); err == nil {
		t.Error("expected an error for a non-string instruction name")
	}
}

// TestInstruction_ArgumentAccess covers missing and mistyped arguments.
func TestInstruction_ArgumentAccess(t *testing.T) {
	var instruction Instruction
	if err := json.Unmarshal([]byte(`["mute"]`), &instruction); err != nil {
		t.Fatalf("decoding instruction: %v", err)
	}
	if _, ok := instruction.BoolArg(0); ok {
		t.Error("BoolArg reported ok for a missing argument")
	}
	if _, ok := instruction.StringArg(0); ok {
		t.Error("StringArg reported ok for a missing argument")
	}

	if err := json.Unmarshal([]byte(`["mute", "yes"]`), &instruction); err != nil {
		t.Fatalf("decoding instruction: %v", err)
	}
	if _, ok := instruction.BoolArg(0); ok {
		t.Error("BoolArg reported ok for a string argument")
	}
	if reason, ok := instruction.StringArg(0); !ok || reason != "yes" {
		t.Errorf("StringArg = %q/%v, want yes/true", reason, ok)
	}
}
