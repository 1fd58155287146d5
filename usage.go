package usagesync

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// UsageRecord is one raw usage event as parsed from a local usage log.
type UsageRecord struct {
	SessionID           string    `json:"session_id"`
	RequestID           string    `json:"request_id"`
	MessageID           string    `json:"message_id"`
	Timestamp           time.Time `json:"timestamp"`
	DeviceID            string    `json:"device_id,omitempty"`
	Model               string    `json:"model"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	CostUSD             float64   `json:"cost_usd"`
	ProjectPath         string    `json:"project_path,omitempty"`
}

// TotalTokens returns input, output and cache tokens combined.
func (r UsageRecord) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens + r.CacheCreationTokens + r.CacheReadTokens
}

// ModelUsage is the per-model breakdown inside a usage document. All counters
// are cumulative and monotonically non-decreasing per device, which is what
// makes per-field max a loss-free merge.
type ModelUsage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	RecordCount         int64   `json:"record_count"`
}

// UsageDocument is the logical document for one device's usage on one
// calendar day.
type UsageDocument struct {
	DeviceID    string                `json:"device_id"`
	DeviceName  string                `json:"device_name,omitempty"`
	Date        string                `json:"date"`
	TotalTokens int64                 `json:"total_tokens"`
	TotalCost   float64               `json:"total_cost"`
	Models      map[string]ModelUsage `json:"models,omitempty"`
	LastUpdated time.Time             `json:"last_updated"`
}

// AggregateDocument is the cross-device rollup for one calendar day.
type AggregateDocument struct {
	Date        string             `json:"date"`
	TotalTokens int64              `json:"total_tokens"`
	TotalCost   float64            `json:"total_cost"`
	ByDevice    map[string]float64 `json:"by_device,omitempty"`
	LastUpdated time.Time          `json:"last_updated"`
}

// SessionDocument describes the currently active session, published for
// live watchers.
type SessionDocument struct {
	SessionID   string    `json:"session_id"`
	DeviceID    string    `json:"device_id"`
	StartedAt   time.Time `json:"started_at"`
	LastActive  time.Time `json:"last_active"`
	TotalTokens int64     `json:"total_tokens"`
	TotalCost   float64   `json:"total_cost"`
}

// DocumentKind discriminates the DocumentData union.
type DocumentKind string

const (
	DocumentKindUsage     DocumentKind = "usage"
	DocumentKindAggregate DocumentKind = "aggregate"
	DocumentKindSession   DocumentKind = "session"
	DocumentKindUnknown   DocumentKind = "unknown"
)

// DocumentData is a tagged union over the known document payload shapes.
// Payloads that do not match a known shape are preserved verbatim in Raw so
// they round-trip through the store without data loss, but merge logic only
// operates on validated variants.
type DocumentData struct {
	Kind      DocumentKind       `json:"kind"`
	Usage     *UsageDocument     `json:"usage,omitempty"`
	Aggregate *AggregateDocument `json:"aggregate,omitempty"`
	Session   *SessionDocument   `json:"session,omitempty"`
	Raw       json.RawMessage    `json:"raw,omitempty"`
}

// NewUsageData wraps a usage document in the union.
func NewUsageData(doc *UsageDocument) DocumentData {
	return DocumentData{Kind: DocumentKindUsage, Usage: doc}
}

// NewAggregateData wraps an aggregate document in the union.
func NewAggregateData(doc *AggregateDocument) DocumentData {
	return DocumentData{Kind: DocumentKindAggregate, Aggregate: doc}
}

// NewSessionData wraps a session document in the union.
func NewSessionData(doc *SessionDocument) DocumentData {
	return DocumentData{Kind: DocumentKindSession, Session: doc}
}

// DecodeDocumentData parses a stored payload into the union, falling back to
// the unknown variant for unrecognized shapes.
func DecodeDocumentData(raw []byte) DocumentData {
	var d DocumentData
	if err := json.Unmarshal(raw, &d); err == nil && d.Kind != "" {
		return d
	}
	return DocumentData{Kind: DocumentKindUnknown, Raw: append(json.RawMessage(nil), raw...)}
}

// Validate checks that the discriminator matches the populated variant.
func (d DocumentData) Validate() error {
	switch d.Kind {
	case DocumentKindUsage:
		if d.Usage == nil {
			return fmt.Errorf("usage document payload missing")
		}
	case DocumentKindAggregate:
		if d.Aggregate == nil {
			return fmt.Errorf("aggregate document payload missing")
		}
	case DocumentKindSession:
		if d.Session == nil {
			return fmt.Errorf("session document payload missing")
		}
	case DocumentKindUnknown:
	default:
		return fmt.Errorf("unknown document kind %q", d.Kind)
	}
	return nil
}

// GroupedBatch is the result of grouping deduplicated records into logical
// documents.
type GroupedBatch struct {
	// Documents maps document path to the per-device per-day aggregate.
	Documents map[string]*UsageDocument
	// Paths lists document paths in first-seen order.
	Paths []string
}

// UsageDocPath returns the document path for one device's usage on one day.
func UsageDocPath(deviceID string, day string) string {
	return fmt.Sprintf("devices/%s/usage/%s", deviceID, day)
}

// AggregateDocPath returns the document path for one day's cross-device
// rollup.
func AggregateDocPath(day string) string {
	return fmt.Sprintf("aggregates/daily/%s", day)
}

// ActiveSessionPath is the well-known path watched by the realtime strategy.
const ActiveSessionPath = "sessions/active"

// GroupRecords aggregates unique records into per-device per-day usage
// documents keyed by document path.
func GroupRecords(records []UsageRecord, deviceID, deviceName string, now time.Time) *GroupedBatch {
	batch := &GroupedBatch{Documents: make(map[string]*UsageDocument)}

	for _, r := range records {
		dev := r.DeviceID
		if dev == "" {
			dev = deviceID
		}
		day := dayKey(r.Timestamp)
		path := UsageDocPath(dev, day)

		doc, ok := batch.Documents[path]
		if !ok {
			doc = &UsageDocument{
				DeviceID:   dev,
				DeviceName: deviceName,
				Date:       day,
				Models:     make(map[string]ModelUsage),
			}
			batch.Documents[path] = doc
			batch.Paths = append(batch.Paths, path)
		}

		doc.TotalTokens += r.TotalTokens()
		doc.TotalCost += r.CostUSD
		doc.LastUpdated = now

		model := r.Model
		if model == "" {
			model = "unknown"
		}
		mu := doc.Models[model]
		mu.InputTokens += r.InputTokens
		mu.OutputTokens += r.OutputTokens
		mu.CacheCreationTokens += r.CacheCreationTokens
		mu.CacheReadTokens += r.CacheReadTokens
		mu.CostUSD += r.CostUSD
		mu.RecordCount++
		doc.Models[model] = mu
	}

	return batch
}

// ModelNames returns the breakdown keys of a usage document in sorted order.
func (d *UsageDocument) ModelNames() []string {
	names := make([]string, 0, len(d.Models))
	for name := range d.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
