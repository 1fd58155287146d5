package usagesync

import (
	"testing"
	"time"
)

func usageDoc(cost float64, tokens int64) *UsageDocument {
	return &UsageDocument{
		DeviceID:    "dev-a",
		Date:        "2026-03-01",
		TotalTokens: tokens,
		TotalCost:   cost,
		Models: map[string]ModelUsage{
			"model-x": {InputTokens: tokens / 2, OutputTokens: tokens / 2, CostUSD: cost},
		},
	}
}

func versioned(cost float64, tokens int64, vector VersionVector, revision int64, modified time.Time, by string) *VersionedDocument {
	return &VersionedDocument{
		Data:           NewUsageData(usageDoc(cost, tokens)),
		VersionVector:  vector,
		LastModified:   modified,
		LastModifiedBy: by,
		Revision:       revision,
	}
}

func TestDetectConflictEqual(t *testing.T) {
	now := time.Now()
	local := versioned(10, 100, VersionVector{"a": 1}, 1, now, "a")
	remote := versioned(10, 100, VersionVector{"a": 1}, 1, now, "a")

	info := DetectConflict(local, remote)
	if info.HasConflict {
		t.Fatalf("equal vectors must never conflict: %+v", info)
	}
}

func TestDetectConflictOrdered(t *testing.T) {
	now := time.Now()
	local := versioned(10, 100, VersionVector{"a": 2}, 2, now, "a")
	remote := versioned(5, 50, VersionVector{"a": 1}, 1, now, "a")

	info := DetectConflict(local, remote)
	if info.HasConflict {
		t.Fatalf("ordered vectors with revision gap 1 must not conflict: %+v", info)
	}
	if info.Ordering != VectorNewer {
		t.Errorf("expected local newer, got %v", info.Ordering)
	}
}

func TestDetectConflictConcurrent(t *testing.T) {
	now := time.Now()
	local := versioned(10, 100, VersionVector{"a": 1}, 1, now, "a")
	remote := versioned(15, 150, VersionVector{"b": 1}, 1, now, "b")

	info := DetectConflict(local, remote)
	if !info.HasConflict || info.Type != ConflictTypeConcurrentUpdate {
		t.Fatalf("expected concurrent_update, got %+v", info)
	}
	if len(info.ConflictingDevices) != 2 {
		t.Errorf("expected devices a and b, got %v", info.ConflictingDevices)
	}
}

func TestDetectConflictVersionDivergence(t *testing.T) {
	now := time.Now()
	// Vectors ordered, but the revision jumped by 3: intermediate updates were
	// missed somewhere.
	local := versioned(10, 100, VersionVector{"a": 5}, 7, now, "a")
	remote := versioned(5, 50, VersionVector{"a": 2}, 4, now, "a")

	info := DetectConflict(local, remote)
	if !info.HasConflict || info.Type != ConflictTypeVersionDivergence {
		t.Fatalf("expected version_divergence, got %+v", info)
	}
}

func TestResolveConflictCleanMerge(t *testing.T) {
	now := time.Now()
	local := versioned(10, 100, VersionVector{"A": 1}, 1, now.Add(-time.Minute), "A")
	remote := versioned(15, 150, VersionVector{"B": 1}, 1, now, "B")

	res, err := ResolveConflict(local, remote, ResolveMerge, now)
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if res.RequiresManualResolution {
		t.Fatal("merge must not escalate")
	}

	doc := res.Resolved
	if doc.Data.Usage.TotalCost != 15 {
		t.Errorf("expected max cost 15, got %f", doc.Data.Usage.TotalCost)
	}
	if doc.VersionVector["A"] != 1 || doc.VersionVector["B"] != 1 {
		t.Errorf("expected merged vector {A:1,B:1}, got %v", doc.VersionVector)
	}
	if doc.Revision != 2 {
		t.Errorf("expected revision max(1,1)+1=2, got %d", doc.Revision)
	}

	// Once applied, the same pair must not re-conflict.
	if info := DetectConflict(doc, remote); info.HasConflict {
		t.Errorf("resolved document re-conflicts with remote: %+v", info)
	}
}

func TestResolveConflictMergeMonotonicity(t *testing.T) {
	now := time.Now()
	local := versioned(10, 300, VersionVector{"a": 2}, 2, now, "a")
	local.Data.Usage.Models["model-y"] = ModelUsage{InputTokens: 40, CostUSD: 0.4}
	remote := versioned(8, 500, VersionVector{"b": 3}, 2, now, "b")

	res, err := ResolveConflict(local, remote, ResolveMerge, now)
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}

	merged := res.Resolved.Data.Usage
	for _, in := range []*UsageDocument{local.Data.Usage, remote.Data.Usage} {
		if merged.TotalTokens < in.TotalTokens {
			t.Errorf("merged tokens %d below input %d", merged.TotalTokens, in.TotalTokens)
		}
		if merged.TotalCost < in.TotalCost {
			t.Errorf("merged cost %f below input %f", merged.TotalCost, in.TotalCost)
		}
		for name, mu := range in.Models {
			got := merged.Models[name]
			if got.InputTokens < mu.InputTokens || got.OutputTokens < mu.OutputTokens || got.CostUSD < mu.CostUSD {
				t.Errorf("model %s lost usage: got %+v, input %+v", name, got, mu)
			}
		}
	}
}

func TestResolveConflictLastWriteWins(t *testing.T) {
	early := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	local := versioned(10, 100, VersionVector{"a": 1}, 1, early, "a")
	remote := versioned(99, 999, VersionVector{"b": 1}, 3, late, "b")

	res, err := ResolveConflict(local, remote, ResolveLastWriteWins, late)
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if res.Resolved.Data.Usage.TotalCost != 99 {
		t.Errorf("later write must win, got cost %f", res.Resolved.Data.Usage.TotalCost)
	}
	if res.Resolved.Revision != 4 {
		t.Errorf("expected revision max(1,3)+1=4, got %d", res.Resolved.Revision)
	}
	if res.Resolved.LastModifiedBy != "b" {
		t.Errorf("expected winner attribution b, got %s", res.Resolved.LastModifiedBy)
	}
}

func TestResolveConflictHigherValue(t *testing.T) {
	now := time.Now()
	local := versioned(20, 100, VersionVector{"a": 1}, 1, now, "a")
	remote := versioned(5, 500, VersionVector{"b": 1}, 1, now, "b")

	res, err := ResolveConflict(local, remote, ResolveHigherValue, now)
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if res.Resolved.Data.Usage.TotalCost != 20 {
		t.Errorf("higher designated total must win, got %f", res.Resolved.Data.Usage.TotalCost)
	}
}

func TestResolveConflictManualEscalation(t *testing.T) {
	now := time.Now()
	local := versioned(10, 100, VersionVector{"a": 1}, 1, now, "a")
	remote := versioned(15, 150, VersionVector{"b": 1}, 2, now, "b")

	res, err := ResolveConflict(local, remote, ResolveManual, now)
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if !res.RequiresManualResolution {
		t.Fatal("manual strategy must escalate")
	}
	if res.Resolved != nil {
		t.Error("manual strategy must not produce a resolved document")
	}
	if len(res.Diffs) == 0 {
		t.Fatal("expected field diffs on escalation")
	}

	fields := make(map[string]bool)
	for _, d := range res.Diffs {
		fields[d.Field] = true
	}
	for _, want := range []string{"revision", "total_tokens", "total_cost"} {
		if !fields[want] {
			t.Errorf("missing diff for %s; got %v", want, fields)
		}
	}
}

func TestResolveConflictKindMismatchFallsBackToManual(t *testing.T) {
	now := time.Now()
	local := versioned(10, 100, VersionVector{"a": 1}, 1, now, "a")
	remote := &VersionedDocument{
		Data:           NewAggregateData(&AggregateDocument{Date: "2026-03-01", TotalCost: 15}),
		VersionVector:  VersionVector{"b": 1},
		LastModified:   now,
		LastModifiedBy: "b",
		Revision:       1,
	}

	res, err := ResolveConflict(local, remote, ResolveMerge, now)
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if !res.RequiresManualResolution {
		t.Fatal("unmergeable payloads must escalate instead of failing")
	}
}

func TestResolveConflictAggregateMerge(t *testing.T) {
	now := time.Now()
	local := &VersionedDocument{
		Data: NewAggregateData(&AggregateDocument{
			Date: "2026-03-01", TotalTokens: 100, TotalCost: 10,
			ByDevice: map[string]float64{"a": 10},
		}),
		VersionVector: VersionVector{"a": 1}, LastModified: now, LastModifiedBy: "a", Revision: 1,
	}
	remote := &VersionedDocument{
		Data: NewAggregateData(&AggregateDocument{
			Date: "2026-03-01", TotalTokens: 80, TotalCost: 12,
			ByDevice: map[string]float64{"b": 12},
		}),
		VersionVector: VersionVector{"b": 1}, LastModified: now, LastModifiedBy: "b", Revision: 1,
	}

	res, err := ResolveConflict(local, remote, ResolveMerge, now)
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	agg := res.Resolved.Data.Aggregate
	if agg.TotalTokens != 100 || agg.TotalCost != 12 {
		t.Errorf("unexpected aggregate merge: %+v", agg)
	}
	if agg.ByDevice["a"] != 10 || agg.ByDevice["b"] != 12 {
		t.Errorf("per-device costs lost: %v", agg.ByDevice)
	}
}
