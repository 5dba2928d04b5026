package audiodata

// AudioAPIDataChanges is a sparse change-set produced by diffing two
// OutgoingAudioAPIData snapshots. A nil pointer means "unchanged, do not
// transmit". Position and orientation are tracked per component, so moving
// along one axis transmits a single value rather than the whole vector.
type AudioAPIDataChanges struct {
	// Position components, meters.
	X *float64
	Y *float64
	Z *float64

	// Orientation components.
	QW *float64
	QX *float64
	QY *float64
	QZ *float64

	// Optional scalars. A pointer to NaN is a real change: it tells the
	// mixing service to return to its own default for that field.
	VolumeThreshold *float64
	Attenuation     *float64
	Rolloff         *float64
	Gain            *float64

	// OtherUserGains holds only the per-peer overrides that changed in
	// this diff, not the full override map. Nil when none changed.
	OtherUserGains map[string]float64
}

// IsEmpty reports whether the change-set carries nothing at all. Empty
// change-sets are never transmitted.
func (changes *AudioAPIDataChanges) IsEmpty() bool {
	return changes.X == nil && changes.Y == nil && changes.Z == nil &&
		changes.QW == nil && changes.QX == nil && changes.QY == nil && changes.QZ == nil &&
		changes.VolumeThreshold == nil && changes.Attenuation == nil &&
		changes.Rolloff == nil && changes.Gain == nil &&
		len(changes.OtherUserGains) == 0
}

// ApplyAndGetChanges diffs incoming against current and returns the minimal
// change-set, overwriting current in place with every value it emits. After
// the call, current matches incoming in every transmittable respect, and
// the returned change-set contains exactly the fields that differed.
//
// The comparison treats an unset scalar (NaN) as its own distinct value:
// unset against unset emits nothing, while a transition between unset and
// any number, in either direction, emits the incoming value.
//
// Per-peer gain overrides are diffed key by key over incoming's map. An
// override that returns to the default of 1 is emitted one final time (the
// service must hear about the reset) and then dropped from both snapshots,
// keeping the maps limited to peers with an active adjustment.
func ApplyAndGetChanges(current, incoming *OutgoingAudioAPIData) *AudioAPIDataChanges {
	changes := &AudioAPIDataChanges{}

	diffComponent(&current.Position.X, incoming.Position.X, &changes.X)
	diffComponent(&current.Position.Y, incoming.Position.Y, &changes.Y)
	diffComponent(&current.Position.Z, incoming.Position.Z, &changes.Z)

	diffComponent(&current.Orientation.W, incoming.Orientation.W, &changes.QW)
	diffComponent(&current.Orientation.X, incoming.Orientation.X, &changes.QX)
	diffComponent(&current.Orientation.Y, incoming.Orientation.Y, &changes.QY)
	diffComponent(&current.Orientation.Z, incoming.Orientation.Z, &changes.QZ)

	diffScalar(&current.VolumeThreshold, incoming.VolumeThreshold, &changes.VolumeThreshold)
	diffScalar(&current.Gain, incoming.Gain, &changes.Gain)
	diffScalar(&current.Attenuation, incoming.Attenuation, &changes.Attenuation)
	diffScalar(&current.Rolloff, incoming.Rolloff, &changes.Rolloff)

	for hash, gain := range incoming.OtherUserGains {
		previous, tracked := current.OtherUserGains[hash]
		if tracked && previous == gain {
			continue
		}
		if !tracked && gain == DefaultOtherUserGain {
			// Never-adjusted peer set to the default: nothing to say.
			delete(incoming.OtherUserGains, hash)
			continue
		}

		if changes.OtherUserGains == nil {
			changes.OtherUserGains = make(map[string]float64)
		}
		changes.OtherUserGains[hash] = gain

		if gain == DefaultOtherUserGain {
			delete(current.OtherUserGains, hash)
			delete(incoming.OtherUserGains, hash)
		} else {
			if current.OtherUserGains == nil {
				current.OtherUserGains = make(map[string]float64)
			}
			current.OtherUserGains[hash] = gain
		}
	}

	return changes
}

// diffComponent compares one always-present component (position or
// orientation axis) and records the incoming value on change.
func diffComponent(current *float64, incoming float64, changed **float64) {
	if *current == incoming {
		return
	}
	value := incoming
	*changed = &value
	*current = incoming
}

// diffScalar compares one optional scalar with NaN-aware equality and
// records the incoming value on change.
func diffScalar(current *float64, incoming float64, changed **float64) {
	if sameScalar(*current, incoming) {
		return
	}
	value := incoming
	*changed = &value
	*current = incoming
}
