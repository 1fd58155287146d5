package usagesync

// VersionVector maps a device id to a monotonically increasing per-device
// write counter. Counters never decrease for a given device.
type VersionVector map[string]uint64

// VectorOrdering is the causal relationship between two version vectors.
type VectorOrdering int

const (
	// VectorEqual means all device counters match.
	VectorEqual VectorOrdering = iota
	// VectorNewer means the first vector dominates the second.
	VectorNewer
	// VectorOlder means the second vector dominates the first.
	VectorOlder
	// VectorConcurrent means each vector leads on at least one device.
	VectorConcurrent
)

func (o VectorOrdering) String() string {
	switch o {
	case VectorEqual:
		return "equal"
	case VectorNewer:
		return "v1_newer"
	case VectorOlder:
		return "v2_newer"
	case VectorConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// CompareVersionVectors classifies the causal relationship between v1 and v2.
// Missing device keys count as zero. The result is symmetric: swapping the
// arguments swaps VectorNewer and VectorOlder and preserves VectorEqual and
// VectorConcurrent.
func CompareVersionVectors(v1, v2 VersionVector) VectorOrdering {
	less, greater := false, false

	for device := range unionDevices(v1, v2) {
		c1, c2 := v1[device], v2[device]
		switch {
		case c1 > c2:
			greater = true
		case c1 < c2:
			less = true
		}
	}

	switch {
	case greater && less:
		return VectorConcurrent
	case greater:
		return VectorNewer
	case less:
		return VectorOlder
	default:
		return VectorEqual
	}
}

// MergeVersionVectors returns the per-device maximum over the union of both
// key sets. The merged vector dominates both inputs, so a conflict resolved
// with the merged vector is not re-detected on the next cycle.
func MergeVersionVectors(v1, v2 VersionVector) VersionVector {
	merged := make(VersionVector, len(v1)+len(v2))
	for device, c := range v1 {
		merged[device] = c
	}
	for device, c := range v2 {
		if c > merged[device] {
			merged[device] = c
		}
	}
	return merged
}

// Increment returns a copy of the vector with the device counter advanced by
// one. The receiver is not mutated; stored vectors are treated as immutable
// document fields.
func (v VersionVector) Increment(deviceID string) VersionVector {
	next := v.Clone()
	next[deviceID]++
	return next
}

// Clone returns a deep copy of the vector.
func (v VersionVector) Clone() VersionVector {
	c := make(VersionVector, len(v)+1)
	for device, counter := range v {
		c[device] = counter
	}
	return c
}

// DivergentDevices returns the devices whose counters differ between the two
// vectors, sorted deterministically by the caller if needed.
func DivergentDevices(v1, v2 VersionVector) []string {
	var devices []string
	for device := range unionDevices(v1, v2) {
		if v1[device] != v2[device] {
			devices = append(devices, device)
		}
	}
	return devices
}

func unionDevices(v1, v2 VersionVector) map[string]struct{} {
	all := make(map[string]struct{}, len(v1)+len(v2))
	for device := range v1 {
		all[device] = struct{}{}
	}
	for device := range v2 {
		all[device] = struct{}{}
	}
	return all
}
