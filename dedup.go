package usagesync

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DedupEntry is the bookkeeping record for one unique usage event digest.
// Created on first sighting, mutated on every re-sighting from any device,
// and deleted only by explicit retention cleanup.
type DedupEntry struct {
	Hash              string          `json:"hash"`
	Identifier        UsageIdentifier `json:"identifier"`
	FirstSeenAt       time.Time       `json:"first_seen_at"`
	FirstSeenByDevice string          `json:"first_seen_by_device"`
	SeenCount         int64           `json:"seen_count"`
	SeenByDevices     []string        `json:"seen_by_devices"`
	LastSeenAt        time.Time       `json:"last_seen_at"`
}

func (e *DedupEntry) seenBy(deviceID string) bool {
	for _, d := range e.SeenByDevices {
		if d == deviceID {
			return true
		}
	}
	return false
}

// DedupTable suppresses re-counting of already-seen usage events. One table
// per device installation; construct once at process start and pass by
// reference.
type DedupTable struct {
	mu      sync.RWMutex
	entries map[string]*DedupEntry
	device  string
}

// NewDedupTable creates an empty deduplication table owned by the given
// device.
func NewDedupTable(deviceID string) *DedupTable {
	return &DedupTable{
		entries: make(map[string]*DedupEntry),
		device:  deviceID,
	}
}

// BatchResult reports the outcome of deduplicating one input batch.
type BatchResult struct {
	// Unique holds the records not previously seen, in input order.
	Unique []UsageRecord
	// Duplicates is the number of records discarded as already seen.
	Duplicates int
	// Degraded is the number of records identified via the fallback
	// (session, timestamp) identifier.
	Degraded int
	// Dropped is the number of records skipped because no identifier could
	// be built. Surfaced rather than silently discarded.
	Dropped int
	// NewHashes lists the digests inserted for this batch, in input order.
	// A caller that fails to durably record the batch must roll these back
	// with Forget, or the records become invisible to every retry.
	NewHashes []string
}

// ProcessBatch filters a batch of candidate records against the table.
// Records whose digest is already present are discarded and the existing
// entry is updated; new digests are inserted and the record kept. Output
// preserves input order minus discarded duplicates.
func (t *DedupTable) ProcessBatch(records []UsageRecord, asOf time.Time) BatchResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := BatchResult{Unique: make([]UsageRecord, 0, len(records))}

	for _, r := range records {
		id, err := IdentifyRecord(r)
		if err != nil {
			result.Dropped++
			continue
		}
		if id.Degraded {
			result.Degraded++
		}

		device := id.DeviceID
		if device == "" {
			device = t.device
		}

		hash := id.Digest()
		if entry, ok := t.entries[hash]; ok {
			entry.SeenCount++
			if !entry.seenBy(device) {
				entry.SeenByDevices = append(entry.SeenByDevices, device)
			}
			entry.LastSeenAt = asOf
			result.Duplicates++
			continue
		}

		t.entries[hash] = &DedupEntry{
			Hash:              hash,
			Identifier:        id,
			FirstSeenAt:       asOf,
			FirstSeenByDevice: device,
			SeenCount:         1,
			SeenByDevices:     []string{device},
			LastSeenAt:        asOf,
		}
		result.Unique = append(result.Unique, r)
		result.NewHashes = append(result.NewHashes, hash)
	}

	return result
}

// Forget removes entries by digest, undoing the insertions of a batch that
// was neither written nor queued. Digests not present are ignored. Returns
// the number of entries removed.
func (t *DedupTable) Forget(hashes []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, hash := range hashes {
		if _, ok := t.entries[hash]; ok {
			delete(t.entries, hash)
			removed++
		}
	}
	return removed
}

// Lookup returns a copy of the entry for a digest, if present.
func (t *DedupTable) Lookup(hash string) (DedupEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[hash]
	if !ok {
		return DedupEntry{}, false
	}
	return *entry, true
}

// Size returns the number of unique entries in the table.
func (t *DedupTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// DedupStatistics summarizes the state of the table.
type DedupStatistics struct {
	// TotalEntries is the sum of SeenCount across all entries.
	TotalEntries int64 `json:"total_entries"`
	// UniqueEntries is the table size.
	UniqueEntries int64 `json:"unique_entries"`
	// DuplicateRate is (TotalEntries-UniqueEntries)/TotalEntries, zero for an
	// empty table.
	DuplicateRate float64 `json:"duplicate_rate"`
	// DevicesInvolved is the number of distinct devices across all entries.
	DevicesInvolved int `json:"devices_involved"`
}

// Statistics computes summary statistics over the table.
func (t *DedupTable) Statistics() DedupStatistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stats DedupStatistics
	devices := make(map[string]struct{})

	for _, entry := range t.entries {
		stats.TotalEntries += entry.SeenCount
		for _, d := range entry.SeenByDevices {
			devices[d] = struct{}{}
		}
	}

	stats.UniqueEntries = int64(len(t.entries))
	stats.DevicesInvolved = len(devices)
	if stats.TotalEntries > 0 {
		stats.DuplicateRate = float64(stats.TotalEntries-stats.UniqueEntries) / float64(stats.TotalEntries)
	}
	return stats
}

// CleanupOldEntries removes entries whose last sighting is older than maxAge
// and returns the number removed.
func (t *DedupTable) CleanupOldEntries(maxAge time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-maxAge)
	removed := 0
	for hash, entry := range t.entries {
		if entry.LastSeenAt.Before(cutoff) {
			delete(t.entries, hash)
			removed++
		}
	}
	return removed
}

// Snapshot serializes the table entries for durable storage, in a stable
// hash order.
func (t *DedupTable) Snapshot() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]*DedupEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Hash < entries[j].Hash })

	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("snapshot dedup table: %w", err)
	}
	return data, nil
}

// rawDedupEntry is the repair target for corrupted persisted entries. Fields
// are loosely typed so partially damaged rows still load.
type rawDedupEntry struct {
	Hash              string          `json:"hash"`
	Identifier        UsageIdentifier `json:"identifier"`
	FirstSeenAt       time.Time       `json:"first_seen_at"`
	FirstSeenByDevice string          `json:"first_seen_by_device"`
	SeenCount         json.Number     `json:"seen_count"`
	SeenByDevices     []string        `json:"seen_by_devices"`
	LastSeenAt        time.Time       `json:"last_seen_at"`
}

// RestoreSnapshot loads persisted entries, repairing corrupted rows with
// explicit defaults instead of rejecting them: seen counts are coerced to a
// number of at least 1 and missing device lists become empty. Rows with no
// hash at all are unrecoverable and skipped. Returns the number of entries
// loaded.
func (t *DedupTable) RestoreSnapshot(data []byte) (int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, fmt.Errorf("restore dedup table: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	loaded := 0
	for _, row := range raw {
		var re rawDedupEntry
		if err := json.Unmarshal(row, &re); err != nil {
			continue
		}
		if re.Hash == "" {
			continue
		}

		seenCount, err := re.SeenCount.Int64()
		if err != nil || seenCount < 1 {
			seenCount = 1
		}
		devices := re.SeenByDevices
		if devices == nil {
			devices = []string{}
		}
		if len(devices) > 0 && seenCount < int64(len(devices)) {
			seenCount = int64(len(devices))
		}

		t.entries[re.Hash] = &DedupEntry{
			Hash:              re.Hash,
			Identifier:        re.Identifier,
			FirstSeenAt:       re.FirstSeenAt,
			FirstSeenByDevice: re.FirstSeenByDevice,
			SeenCount:         seenCount,
			SeenByDevices:     devices,
			LastSeenAt:        re.LastSeenAt,
		}
		loaded++
	}
	return loaded, nil
}
