package usagesync

import (
	"fmt"
	"sort"
	"time"
)

// VersionedDocument is one stored copy of a logical document together with
// its causal metadata. Revision is an integer tiebreaker alongside the
// vector; it increments by one on every accepted write, including resolved
// merges.
type VersionedDocument struct {
	Data           DocumentData  `json:"data"`
	VersionVector  VersionVector `json:"version_vector"`
	LastModified   time.Time     `json:"last_modified"`
	LastModifiedBy string        `json:"last_modified_by"`
	Revision       int64         `json:"revision"`
}

// NewVersionedDocument wraps fresh data in a first-revision document
// attributed to the given device.
func NewVersionedDocument(data DocumentData, deviceID string, now time.Time) *VersionedDocument {
	return &VersionedDocument{
		Data:           data,
		VersionVector:  VersionVector{}.Increment(deviceID),
		LastModified:   now,
		LastModifiedBy: deviceID,
		Revision:       1,
	}
}

// ConflictType classifies a detected conflict.
type ConflictType int

const (
	// ConflictTypeNone means the documents are causally ordered.
	ConflictTypeNone ConflictType = iota
	// ConflictTypeConcurrentUpdate means the version vectors are concurrent.
	ConflictTypeConcurrentUpdate
	// ConflictTypeVersionDivergence means the vectors are ordered but the
	// revision gap exceeds one, suggesting missed intermediate updates. A
	// heuristic guard against clock or vector corruption, layered on top of
	// the vector comparison.
	ConflictTypeVersionDivergence
)

func (t ConflictType) String() string {
	switch t {
	case ConflictTypeConcurrentUpdate:
		return "concurrent_update"
	case ConflictTypeVersionDivergence:
		return "version_divergence"
	default:
		return "none"
	}
}

// ConflictInfo is the result of comparing a local pending write against the
// currently stored document.
type ConflictInfo struct {
	HasConflict        bool           `json:"has_conflict"`
	Type               ConflictType   `json:"type,omitempty"`
	Ordering           VectorOrdering `json:"ordering"`
	ConflictingDevices []string       `json:"conflicting_devices,omitempty"`
}

// DetectConflict compares two versioned copies of the same logical document.
// Equal vectors are never a conflict. Concurrent vectors always are. Ordered
// vectors with a revision gap greater than one are reported as version
// divergence.
func DetectConflict(local, remote *VersionedDocument) ConflictInfo {
	ordering := CompareVersionVectors(local.VersionVector, remote.VersionVector)
	info := ConflictInfo{Ordering: ordering}

	switch ordering {
	case VectorEqual:
		return info
	case VectorConcurrent:
		devices := DivergentDevices(local.VersionVector, remote.VersionVector)
		sort.Strings(devices)
		info.HasConflict = true
		info.Type = ConflictTypeConcurrentUpdate
		info.ConflictingDevices = devices
		return info
	}

	gap := local.Revision - remote.Revision
	if gap < 0 {
		gap = -gap
	}
	if gap > 1 {
		devices := DivergentDevices(local.VersionVector, remote.VersionVector)
		sort.Strings(devices)
		info.HasConflict = true
		info.Type = ConflictTypeVersionDivergence
		info.ConflictingDevices = devices
	}
	return info
}

// ResolutionStrategy selects how a detected conflict is resolved.
type ResolutionStrategy int

const (
	// ResolveLastWriteWins picks the chronologically later update.
	ResolveLastWriteWins ResolutionStrategy = iota
	// ResolveMerge combines cumulative usage counters by per-field maximum.
	ResolveMerge
	// ResolveHigherValue picks whichever side has the larger designated
	// total. Aggregate-specific variant of last-write-wins.
	ResolveHigherValue
	// ResolveManual escalates with a field-by-field diff instead of choosing.
	ResolveManual
)

func (s ResolutionStrategy) String() string {
	switch s {
	case ResolveLastWriteWins:
		return "last_write_wins"
	case ResolveMerge:
		return "merge"
	case ResolveHigherValue:
		return "higher_value"
	case ResolveManual:
		return "manual"
	default:
		return "unknown"
	}
}

// FieldDiff describes one divergent field between two document copies.
type FieldDiff struct {
	Field           string    `json:"field"`
	LocalValue      any       `json:"local_value"`
	RemoteValue     any       `json:"remote_value"`
	LocalDevice     string    `json:"local_device"`
	RemoteDevice    string    `json:"remote_device"`
	LocalTimestamp  time.Time `json:"local_timestamp"`
	RemoteTimestamp time.Time `json:"remote_timestamp"`
}

// Resolution is the outcome of applying a resolution strategy.
type Resolution struct {
	Resolved                 *VersionedDocument `json:"resolved,omitempty"`
	RequiresManualResolution bool               `json:"requires_manual_resolution"`
	Diffs                    []FieldDiff        `json:"diffs,omitempty"`
	Strategy                 ResolutionStrategy `json:"strategy"`
}

// ResolveConflict applies the selected strategy to a local/remote pair. Pure
// function: inputs are not mutated. The resolved document's vector is the
// merge of both inputs and its revision is max(both)+1, so the same conflict
// is not re-detected once the result is applied.
func ResolveConflict(local, remote *VersionedDocument, strategy ResolutionStrategy, now time.Time) (Resolution, error) {
	if local == nil || remote == nil {
		return Resolution{}, fmt.Errorf("resolve conflict: both documents required")
	}

	res := Resolution{Strategy: strategy}

	switch strategy {
	case ResolveLastWriteWins:
		winner := local
		if remote.LastModified.After(local.LastModified) {
			winner = remote
		}
		res.Resolved = combined(winner.Data, winner.LastModifiedBy, local, remote, now)

	case ResolveMerge:
		data, err := mergeDocumentData(local.Data, remote.Data)
		if err != nil {
			res.RequiresManualResolution = true
			res.Diffs = diffDocuments(local, remote)
			return res, nil
		}
		res.Resolved = combined(data, local.LastModifiedBy, local, remote, now)

	case ResolveHigherValue:
		winner := local
		if designatedTotal(remote.Data) > designatedTotal(local.Data) {
			winner = remote
		}
		res.Resolved = combined(winner.Data, winner.LastModifiedBy, local, remote, now)

	case ResolveManual:
		res.RequiresManualResolution = true
		res.Diffs = diffDocuments(local, remote)

	default:
		return Resolution{}, fmt.Errorf("resolve conflict: unknown strategy %d", strategy)
	}

	return res, nil
}

// combined assembles the resolved document with merged vector and bumped
// revision.
func combined(data DocumentData, modifiedBy string, local, remote *VersionedDocument, now time.Time) *VersionedDocument {
	revision := local.Revision
	if remote.Revision > revision {
		revision = remote.Revision
	}
	lastModified := local.LastModified
	if remote.LastModified.After(lastModified) {
		lastModified = remote.LastModified
	}
	if now.After(lastModified) {
		lastModified = now
	}
	return &VersionedDocument{
		Data:           data,
		VersionVector:  MergeVersionVectors(local.VersionVector, remote.VersionVector),
		LastModified:   lastModified,
		LastModifiedBy: modifiedBy,
		Revision:       revision + 1,
	}
}

// mergeDocumentData merges two payloads of the same kind. Usage counters are
// cumulative and monotonically non-decreasing per device, so per-field max
// never loses recorded usage.
func mergeDocumentData(local, remote DocumentData) (DocumentData, error) {
	if local.Kind != remote.Kind {
		return DocumentData{}, fmt.Errorf("merge: kind mismatch %q vs %q", local.Kind, remote.Kind)
	}

	switch local.Kind {
	case DocumentKindUsage:
		if local.Usage == nil || remote.Usage == nil {
			return DocumentData{}, fmt.Errorf("merge: missing usage payload")
		}
		return NewUsageData(mergeUsageDocuments(local.Usage, remote.Usage)), nil

	case DocumentKindAggregate:
		if local.Aggregate == nil || remote.Aggregate == nil {
			return DocumentData{}, fmt.Errorf("merge: missing aggregate payload")
		}
		return NewAggregateData(mergeAggregateDocuments(local.Aggregate, remote.Aggregate)), nil

	default:
		return DocumentData{}, fmt.Errorf("merge: kind %q not mergeable", local.Kind)
	}
}

func mergeUsageDocuments(local, remote *UsageDocument) *UsageDocument {
	merged := &UsageDocument{
		DeviceID:    local.DeviceID,
		DeviceName:  local.DeviceName,
		Date:        local.Date,
		TotalTokens: maxInt64(local.TotalTokens, remote.TotalTokens),
		TotalCost:   maxFloat64(local.TotalCost, remote.TotalCost),
		Models:      make(map[string]ModelUsage, len(local.Models)+len(remote.Models)),
		LastUpdated: laterTime(local.LastUpdated, remote.LastUpdated),
	}

	for name, mu := range local.Models {
		merged.Models[name] = mu
	}
	for name, rm := range remote.Models {
		lm, ok := merged.Models[name]
		if !ok {
			merged.Models[name] = rm
			continue
		}
		merged.Models[name] = ModelUsage{
			InputTokens:         maxInt64(lm.InputTokens, rm.InputTokens),
			OutputTokens:        maxInt64(lm.OutputTokens, rm.OutputTokens),
			CacheCreationTokens: maxInt64(lm.CacheCreationTokens, rm.CacheCreationTokens),
			CacheReadTokens:     maxInt64(lm.CacheReadTokens, rm.CacheReadTokens),
			CostUSD:             maxFloat64(lm.CostUSD, rm.CostUSD),
			RecordCount:         maxInt64(lm.RecordCount, rm.RecordCount),
		}
	}
	return merged
}

func mergeAggregateDocuments(local, remote *AggregateDocument) *AggregateDocument {
	merged := &AggregateDocument{
		Date:        local.Date,
		TotalTokens: maxInt64(local.TotalTokens, remote.TotalTokens),
		TotalCost:   maxFloat64(local.TotalCost, remote.TotalCost),
		ByDevice:    make(map[string]float64, len(local.ByDevice)+len(remote.ByDevice)),
		LastUpdated: laterTime(local.LastUpdated, remote.LastUpdated),
	}
	for dev, cost := range local.ByDevice {
		merged.ByDevice[dev] = cost
	}
	for dev, cost := range remote.ByDevice {
		if cost > merged.ByDevice[dev] {
			merged.ByDevice[dev] = cost
		}
	}
	return merged
}

// designatedTotal is the comparison key for the higher-value strategy.
func designatedTotal(d DocumentData) float64 {
	switch d.Kind {
	case DocumentKindUsage:
		if d.Usage != nil {
			return d.Usage.TotalCost
		}
	case DocumentKindAggregate:
		if d.Aggregate != nil {
			return d.Aggregate.TotalCost
		}
	case DocumentKindSession:
		if d.Session != nil {
			return d.Session.TotalCost
		}
	}
	return 0
}

// diffDocuments produces the field-by-field diff attached to escalated
// conflicts.
func diffDocuments(local, remote *VersionedDocument) []FieldDiff {
	var diffs []FieldDiff

	add := func(field string, lv, rv any) {
		diffs = append(diffs, FieldDiff{
			Field:           field,
			LocalValue:      lv,
			RemoteValue:     rv,
			LocalDevice:     local.LastModifiedBy,
			RemoteDevice:    remote.LastModifiedBy,
			LocalTimestamp:  local.LastModified,
			RemoteTimestamp: remote.LastModified,
		})
	}

	if local.Revision != remote.Revision {
		add("revision", local.Revision, remote.Revision)
	}

	ld, rd := local.Data, remote.Data
	if ld.Kind != rd.Kind {
		add("kind", string(ld.Kind), string(rd.Kind))
		return diffs
	}

	switch ld.Kind {
	case DocumentKindUsage:
		if ld.Usage == nil || rd.Usage == nil {
			break
		}
		if ld.Usage.TotalTokens != rd.Usage.TotalTokens {
			add("total_tokens", ld.Usage.TotalTokens, rd.Usage.TotalTokens)
		}
		if ld.Usage.TotalCost != rd.Usage.TotalCost {
			add("total_cost", ld.Usage.TotalCost, rd.Usage.TotalCost)
		}
		models := make(map[string]struct{})
		for name := range ld.Usage.Models {
			models[name] = struct{}{}
		}
		for name := range rd.Usage.Models {
			models[name] = struct{}{}
		}
		names := make([]string, 0, len(models))
		for name := range models {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			lm, rm := ld.Usage.Models[name], rd.Usage.Models[name]
			if lm != rm {
				add("models."+name, lm, rm)
			}
		}

	case DocumentKindAggregate:
		if ld.Aggregate == nil || rd.Aggregate == nil {
			break
		}
		if ld.Aggregate.TotalTokens != rd.Aggregate.TotalTokens {
			add("total_tokens", ld.Aggregate.TotalTokens, rd.Aggregate.TotalTokens)
		}
		if ld.Aggregate.TotalCost != rd.Aggregate.TotalCost {
			add("total_cost", ld.Aggregate.TotalCost, rd.Aggregate.TotalCost)
		}

	case DocumentKindSession:
		if ld.Session == nil || rd.Session == nil {
			break
		}
		if ld.Session.SessionID != rd.Session.SessionID {
			add("session_id", ld.Session.SessionID, rd.Session.SessionID)
		}
		if ld.Session.TotalTokens != rd.Session.TotalTokens {
			add("total_tokens", ld.Session.TotalTokens, rd.Session.TotalTokens)
		}
	}

	return diffs
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxFloat64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func laterTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
