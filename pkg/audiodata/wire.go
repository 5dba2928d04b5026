package audiodata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/klauspost/compress/gzip"
)

// Instruction names the mixing service may push inside a peer frame.
const (
	InstructionMute      = "mute"
	InstructionTerminate = "terminate"
)

// --------------------------------------------------------------------------------
// Outgoing: change-set -> compact JSON
// --------------------------------------------------------------------------------

// MarshalWire encodes the change-set into the compact single-letter JSON the
// mixing service consumes on the input channel.
//
// Position components travel as integer millimeters (scaled by 1000 and
// rounded). Orientation components are also scaled by 1000 but stay
// fractional; the service has always read them that way, so the asymmetry is
// kept for wire compatibility. Optional scalars set to NaN encode as JSON
// null, telling the service to fall back to its own default.
//
// Keys are emitted in a fixed order and map keys are sorted, so the same
// change-set always produces the same bytes.
func (changes *AudioAPIDataChanges) MarshalWire() []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeMillimeterField(&buf, "x", changes.X)
	writeMillimeterField(&buf, "y", changes.Y)
	writeMillimeterField(&buf, "z", changes.Z)

	writeScaledField(&buf, "W", changes.QW)
	writeScaledField(&buf, "X", changes.QX)
	writeScaledField(&buf, "Y", changes.QY)
	writeScaledField(&buf, "Z", changes.QZ)

	writeNullableField(&buf, "T", changes.VolumeThreshold)
	writeNullableField(&buf, "g", changes.Gain)
	writeNullableField(&buf, "a", changes.Attenuation)
	writeNullableField(&buf, "r", changes.Rolloff)

	if len(changes.OtherUserGains) > 0 {
		writeFieldPrefix(&buf, "V")
		buf.WriteByte('{')

		hashes := make([]string, 0, len(changes.OtherUserGains))
		for hash := range changes.OtherUserGains {
			hashes = append(hashes, hash)
		}
		sort.Strings(hashes)

		for index, hash := range hashes {
			if index > 0 {
				buf.WriteByte(',')
			}
			key, _ := json.Marshal(hash)
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(jsonNumber(changes.OtherUserGains[hash]))
		}
		buf.WriteByte('}')
	}

	buf.WriteByte('}')
	return buf.Bytes()
}

// writeFieldPrefix writes `,"key":` (the comma only after the first field).
func writeFieldPrefix(buf *bytes.Buffer, key string) {
	if buf.Len() > 1 {
		buf.WriteByte(',')
	}
	buf.WriteByte('"')
	buf.WriteString(key)
	buf.WriteString(`":`)
}

// writeMillimeterField emits a position component as round(value*1000).
func writeMillimeterField(buf *bytes.Buffer, key string, value *float64) {
	if value == nil {
		return
	}
	writeFieldPrefix(buf, key)
	buf.WriteString(strconv.FormatInt(int64(math.Round(*value*1000)), 10))
}

// writeScaledField emits an orientation component as value*1000, unrounded.
func writeScaledField(buf *bytes.Buffer, key string, value *float64) {
	if value == nil {
		return
	}
	writeFieldPrefix(buf, key)
	buf.Write(jsonNumber(*value * 1000))
}

// writeNullableField emits an optional scalar, with NaN becoming null.
func writeNullableField(buf *bytes.Buffer, key string, value *float64) {
	if value == nil {
		return
	}
	writeFieldPrefix(buf, key)
	if math.IsNaN(*value) {
		buf.WriteString("null")
		return
	}
	buf.Write(jsonNumber(*value))
}

// jsonNumber formats a finite float the way encoding/json would.
func jsonNumber(value float64) []byte {
	encoded, _ := json.Marshal(value)
	return encoded
}

// --------------------------------------------------------------------------------
// Incoming: peer frames and per-peer deltas
// --------------------------------------------------------------------------------

// PeerFrame is one decoded server-to-client blob from the input channel.
// Every field is optional; a frame may carry any mix of peer deltas,
// departures, and service instructions.
type PeerFrame struct {
	Peers           map[string]*PeerDelta `json:"peers"`
	DeletedVisitIDs []string              `json:"deleted_visit_ids"`
	Instructions    []Instruction         `json:"instructions"`
}

// PeerDelta is a partial update for one peer slot. Pointer fields distinguish
// "absent from the payload" from a zero value, so a delta only ever touches
// the fields it names.
type PeerDelta struct {
	ProvidedUserID *string  `json:"J"`
	VisitIDHash    *string  `json:"e"`
	IsStereo       *bool    `json:"s"`
	VolumeDecibels *float64 `json:"v"`
	X              *float64 `json:"x"`
	Y              *float64 `json:"y"`
	Z              *float64 `json:"z"`
	QW             *float64 `json:"W"`
	QX             *float64 `json:"X"`
	QY             *float64 `json:"Y"`
	QZ             *float64 `json:"Z"`
}

// Apply merges the delta into data and reports whether any field actually
// took a new value. Position and orientation components arrive scaled by
// 1000 and are descaled here; a field that decodes to its current value does
// not count as a change.
func (delta *PeerDelta) Apply(data *IncomingAudioAPIData) bool {
	changed := false

	if delta.ProvidedUserID != nil && data.ProvidedUserID != *delta.ProvidedUserID {
		data.ProvidedUserID = *delta.ProvidedUserID
		changed = true
	}
	if delta.VisitIDHash != nil && data.VisitIDHash != *delta.VisitIDHash {
		data.VisitIDHash = *delta.VisitIDHash
		changed = true
	}
	if delta.IsStereo != nil && data.IsStereo != *delta.IsStereo {
		data.IsStereo = *delta.IsStereo
		changed = true
	}
	if delta.VolumeDecibels != nil && !sameScalar(data.VolumeDecibels, *delta.VolumeDecibels) {
		data.VolumeDecibels = *delta.VolumeDecibels
		changed = true
	}

	if applyDescaled(&data.Position.X, delta.X) {
		changed = true
	}
	if applyDescaled(&data.Position.Y, delta.Y) {
		changed = true
	}
	if applyDescaled(&data.Position.Z, delta.Z) {
		changed = true
	}

	if applyDescaled(&data.Orientation.W, delta.QW) {
		changed = true
	}
	if applyDescaled(&data.Orientation.X, delta.QX) {
		changed = true
	}
	if applyDescaled(&data.Orientation.Y, delta.QY) {
		changed = true
	}
	if applyDescaled(&data.Orientation.Z, delta.QZ) {
		changed = true
	}

	return changed
}

// applyDescaled writes wire/1000 into field, reporting whether it changed.
func applyDescaled(field *float64, wire *float64) bool {
	if wire == nil {
		return false
	}
	value := *wire / 1000
	if *field == value {
		return false
	}
	*field = value
	return true
}

// Instruction is one server-initiated action, received on the wire as a JSON
// array whose first element is the instruction name and whose remaining
// elements are arguments.
type Instruction struct {
	Name string
	Args []json.RawMessage
}

func (instruction *Instruction) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("instruction is not an array: %w", err)
	}
	if len(parts) == 0 {
		return errors.New("instruction array is empty")
	}
	if err := json.Unmarshal(parts[0], &instruction.Name); err != nil {
		return fmt.Errorf("instruction name is not a string: %w", err)
	}
	instruction.Args = parts[1:]
	return nil
}

// BoolArg decodes argument index as a bool. The second return is false when
// the argument is missing or not a boolean.
func (instruction Instruction) BoolArg(index int) (bool, bool) {
	if index >= len(instruction.Args) {
		return false, false
	}
	var value bool
	if err := json.Unmarshal(instruction.Args[index], &value); err != nil {
		return false, false
	}
	return value, true
}

// StringArg returns argument index as text: decoded when it is a JSON
// string, the raw JSON otherwise. Termination reasons arrive as arbitrary
// JSON values and this keeps them loggable either way.
func (instruction Instruction) StringArg(index int) (string, bool) {
	if index >= len(instruction.Args) {
		return "", false
	}
	var value string
	if err := json.Unmarshal(instruction.Args[index], &value); err == nil {
		return value, true
	}
	return string(instruction.Args[index]), true
}

// --------------------------------------------------------------------------------
// Frame decoding
// --------------------------------------------------------------------------------

// DecodePeerFrame parses one binary payload from the input channel. The
// service gzips larger frames but sends small ones raw, and nothing in the
// frame itself says which, so decompression is attempted first and the raw
// bytes are used when it fails.
func DecodePeerFrame(payload []byte) (*PeerFrame, error) {
	text := payload
	if reader, err := gzip.NewReader(bytes.NewReader(payload)); err == nil {
		if inflated, err := io.ReadAll(reader); err == nil {
			text = inflated
		}
	}

	frame := &PeerFrame{}
	if err := json.Unmarshal(text, frame); err != nil {
		return nil, fmt.Errorf("decoding peer frame: %w", err)
	}
	return frame, nil
}
