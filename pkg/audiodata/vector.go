package audiodata

// Vector3 is a position in the virtual audio space, in meters.
// The mixing service is axis-convention agnostic: it only cares that all
// clients in one space agree on which way is up.
type Vector3 struct {
	X float64
	Y float64
	Z float64
}

// Quaternion is an orientation in the virtual audio space.
//
// Note that the zero value of this struct is *not* the identity rotation
// (that would be W=1). Use IdentityQuaternion when a neutral orientation
// is needed.
type Quaternion struct {
	W float64
	X float64
	Y float64
	Z float64
}

// IdentityQuaternion returns the neutral "no rotation" orientation.
func IdentityQuaternion() Quaternion {
	return Quaternion{W: 1}
}
