package usagesync

import (
	"testing"
)

func TestCompareVersionVectors(t *testing.T) {
	tests := []struct {
		name string
		v1   VersionVector
		v2   VersionVector
		want VectorOrdering
	}{
		{"both empty", VersionVector{}, VersionVector{}, VectorEqual},
		{"identical", VersionVector{"a": 2, "b": 1}, VersionVector{"a": 2, "b": 1}, VectorEqual},
		{"v1 dominates", VersionVector{"a": 3, "b": 1}, VersionVector{"a": 2, "b": 1}, VectorNewer},
		{"v2 dominates", VersionVector{"a": 1}, VersionVector{"a": 1, "b": 1}, VectorOlder},
		{"concurrent", VersionVector{"a": 2, "b": 1}, VersionVector{"a": 1, "b": 2}, VectorConcurrent},
		{"disjoint devices", VersionVector{"a": 1}, VersionVector{"b": 1}, VectorConcurrent},
		{"missing key counts as zero", VersionVector{"a": 1, "b": 1}, VersionVector{"a": 1}, VectorNewer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareVersionVectors(tt.v1, tt.v2); got != tt.want {
				t.Errorf("CompareVersionVectors() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompareVersionVectorsSymmetry(t *testing.T) {
	inverse := map[VectorOrdering]VectorOrdering{
		VectorEqual:      VectorEqual,
		VectorNewer:      VectorOlder,
		VectorOlder:      VectorNewer,
		VectorConcurrent: VectorConcurrent,
	}

	vectors := []VersionVector{
		{},
		{"a": 1},
		{"a": 2, "b": 1},
		{"a": 1, "b": 2},
		{"a": 2, "b": 2},
		{"c": 5},
	}

	for i, v1 := range vectors {
		for j, v2 := range vectors {
			fwd := CompareVersionVectors(v1, v2)
			rev := CompareVersionVectors(v2, v1)
			if rev != inverse[fwd] {
				t.Errorf("vectors %d,%d: forward %v, reverse %v", i, j, fwd, rev)
			}
		}
	}
}

func TestMergeVersionVectorsDominates(t *testing.T) {
	v1 := VersionVector{"a": 3, "b": 1}
	v2 := VersionVector{"b": 4, "c": 2}

	merged := MergeVersionVectors(v1, v2)

	if merged["a"] != 3 || merged["b"] != 4 || merged["c"] != 2 {
		t.Fatalf("unexpected merge: %v", merged)
	}
	if ord := CompareVersionVectors(merged, v1); ord != VectorNewer {
		t.Errorf("merged vs v1 = %v, want newer", ord)
	}
	if ord := CompareVersionVectors(merged, v2); ord != VectorNewer {
		t.Errorf("merged vs v2 = %v, want newer", ord)
	}
}

func TestIncrementReturnsCopy(t *testing.T) {
	orig := VersionVector{"a": 1}
	inc := orig.Increment("a")

	if orig["a"] != 1 {
		t.Errorf("original mutated: %v", orig)
	}
	if inc["a"] != 2 {
		t.Errorf("expected a=2, got %v", inc)
	}

	fresh := VersionVector{}.Increment("b")
	if fresh["b"] != 1 {
		t.Errorf("expected b=1 on fresh vector, got %v", fresh)
	}
}

func TestDivergentDevices(t *testing.T) {
	v1 := VersionVector{"a": 2, "b": 1, "c": 3}
	v2 := VersionVector{"a": 1, "b": 1, "d": 1}

	devices := DivergentDevices(v1, v2)
	want := map[string]bool{"a": true, "c": true, "d": true}
	if len(devices) != len(want) {
		t.Fatalf("expected %d divergent devices, got %v", len(want), devices)
	}
	for _, d := range devices {
		if !want[d] {
			t.Errorf("unexpected divergent device %q", d)
		}
	}
}
