// Package audiodata defines the per-user state exchanged with the spatial
// audio mixing service: the local user's transmittable state, the state
// received for each remote peer, and the change-set/wire encoding used to
// stream only modified fields on every update.
package audiodata

import "math"

const (
	// DefaultGain is the neutral gain multiplier for the local user's input.
	DefaultGain = 1.0

	// DefaultOtherUserGain is the neutral per-peer gain override. Overrides
	// that return to this value are pruned from tracking, so the map only
	// ever holds peers the user has actually adjusted.
	DefaultOtherUserGain = 1.0
)

// OutgoingAudioAPIData is the local user's transmittable state.
//
// Position and Orientation are always present, starting at the origin and
// the identity rotation. The remaining scalar fields use NaN as an "unset"
// sentinel: an unset field is never transmitted, and the mixing service
// applies its own default for it. Gain is the exception: it defaults to 1
// rather than unset, since a connection always has a well-defined input gain.
type OutgoingAudioAPIData struct {
	// Position of the user in the virtual space, in meters.
	Position Vector3

	// Orientation of the user in the virtual space.
	Orientation Quaternion

	// VolumeThreshold is the noise gate threshold in decibels, valid range
	// -96..0. NaN selects the server-side default threshold.
	VolumeThreshold float64

	// Gain is the multiplier on the user's input audio, nominally 0..1.
	Gain float64

	// Attenuation controls how quickly this user's audio drops off with
	// distance. Positive values in 0..1 are logarithmic attenuation
	// coefficients, negative values select linear-distance mode, and NaN
	// (or zero) selects the server-side default.
	Attenuation float64

	// Rolloff is the frequency rolloff distance in meters. NaN (or zero)
	// selects the server-side default.
	Rolloff float64

	// OtherUserGains maps a remote peer's visit id hash to a gain override
	// in 0..10 applied to that peer's audio for this connection only.
	OtherUserGains map[string]float64
}

// NewOutgoingAudioAPIData returns an OutgoingAudioAPIData with every field
// at its neutral default: origin position, identity orientation, gain 1,
// and all other scalars unset.
func NewOutgoingAudioAPIData() *OutgoingAudioAPIData {
	return &OutgoingAudioAPIData{
		Orientation:     IdentityQuaternion(),
		VolumeThreshold: math.NaN(),
		Gain:            DefaultGain,
		Attenuation:     math.NaN(),
		Rolloff:         math.NaN(),
		OtherUserGains:  make(map[string]float64),
	}
}

// Copy returns a deep copy, including the per-peer gain override map.
func (data *OutgoingAudioAPIData) Copy() *OutgoingAudioAPIData {
	duplicate := *data
	duplicate.OtherUserGains = make(map[string]float64, len(data.OtherUserGains))
	for hash, gain := range data.OtherUserGains {
		duplicate.OtherUserGains[hash] = gain
	}
	return &duplicate
}

// IncomingAudioAPIData is the state received for one remote peer.
//
// An instance is created when a peer first appears in an inbound frame and
// then mutated in place by subsequent partial updates. The mixing service
// only sends fields that changed, so every field here must retain its last
// known value between frames.
type IncomingAudioAPIData struct {
	// ProvidedUserID is the display identifier the remote user supplied at
	// connection time. It is not guaranteed unique.
	ProvidedUserID string

	// VisitIDHash uniquely identifies the remote user's connection for the
	// lifetime of that connection. Deletion notices reference this hash.
	VisitIDHash string

	// Position of the peer in the virtual space, in meters.
	Position Vector3

	// Orientation of the peer in the virtual space.
	Orientation Quaternion

	// IsStereo reports whether the peer is sending a stereo input stream.
	IsStereo bool

	// VolumeDecibels is the peer's most recently reported input volume.
	// NaN until the first report arrives.
	VolumeDecibels float64
}

// NewIncomingAudioAPIData returns an IncomingAudioAPIData with neutral
// defaults, ready to receive its first partial update.
func NewIncomingAudioAPIData() *IncomingAudioAPIData {
	return &IncomingAudioAPIData{
		Orientation:    IdentityQuaternion(),
		VolumeDecibels: math.NaN(),
	}
}

// Copy returns a copy of the peer state. IncomingAudioAPIData holds no
// reference types, so a value copy is a deep copy.
func (data *IncomingAudioAPIData) Copy() IncomingAudioAPIData {
	return *data
}

// sameScalar reports whether two optional scalars hold the same value,
// treating NaN ("unset") as equal to itself. A change from unset to unset
// is not a change; unset to a number, or between two different numbers, is.
func sameScalar(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b
}
