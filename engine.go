package usagesync

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// generateDeviceID mints a fresh device identity for first-run engines.
func generateDeviceID() string {
	return "device-" + uuid.NewString()
}

// CommandContext describes the invoked operation on whose behalf a sync runs.
// Supplied by the surrounding command logic per invocation.
type CommandContext struct {
	Command    string            `json:"command"`
	Options    map[string]string `json:"options,omitempty"`
	DeviceID   string            `json:"device_id,omitempty"`
	DeviceName string            `json:"device_name,omitempty"`
}

// SyncResult is the outcome of one sync cycle. Offline true means the write
// could not reach the remote store and its operations were durably queued;
// the data is pending, not lost, so Success stays true.
type SyncResult struct {
	Success        bool          `json:"success"`
	RecordsSynced  int           `json:"records_synced,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
	Error          string        `json:"error,omitempty"`
	Offline        bool          `json:"offline,omitempty"`
	DroppedRecords int           `json:"dropped_records,omitempty"`
}

// RecordSource supplies the usage records to synchronize on each cycle.
// Implementations read local usage data written since the given time.
type RecordSource interface {
	Records(ctx context.Context, since time.Time) ([]UsageRecord, error)
}

// RecordSourceFunc adapts a function to the RecordSource interface.
type RecordSourceFunc func(ctx context.Context, since time.Time) ([]UsageRecord, error)

func (f RecordSourceFunc) Records(ctx context.Context, since time.Time) ([]UsageRecord, error) {
	return f(ctx, since)
}

// EngineStats aggregates engine counters for observability surfaces.
type EngineStats struct {
	SyncCycles         int64     `json:"sync_cycles"`
	RecordsSynced      int64     `json:"records_synced"`
	Duplicates         int64     `json:"duplicates"`
	Dropped            int64     `json:"dropped"`
	ConflictsDetected  int64     `json:"conflicts_detected"`
	ConflictsEscalated int64     `json:"conflicts_escalated"`
	OfflineFallbacks   int64     `json:"offline_fallbacks"`
	PendingOperations  int       `json:"pending_operations"`
	FailedOperations   int       `json:"failed_operations"`
	PendingConflicts   int       `json:"pending_conflicts"`
	DedupEntries       int       `json:"dedup_entries"`
	LastSyncAt         time.Time `json:"last_sync_at,omitzero"`
}

const dedupSnapshotKey = "dedup_table"

// SyncEngine coordinates deduplication, grouping, conflict resolution, remote
// writes and offline queueing for one device process. Construct one per
// process and share it; the dedup table, conflict queue and offline queue it
// owns are mutated only through it.
type SyncEngine struct {
	config    SyncConfig
	store     DocumentStore
	local     *LocalStore
	queue     *OfflineQueue
	dedup     *DedupTable
	conflicts *ConflictQueue
	retryer   *Retryer
	breaker   *CircuitBreaker
	watcher   Watcher
	source    RecordSource
	metrics   *SyncMetrics
	logger    *slog.Logger
	deviceID  string

	mu     sync.Mutex
	active SyncStrategy

	statsMu sync.Mutex
	stats   EngineStats
}

// NewSyncEngine creates a sync engine. The device id is taken from config,
// else restored from local metadata, else generated and persisted so version
// vectors stay stable across restarts. When the store implements Watcher it
// is used for realtime subscriptions automatically.
func NewSyncEngine(config SyncConfig, store DocumentStore, local *LocalStore) (*SyncEngine, error) {
	if store == nil {
		return nil, errors.New("document store is required")
	}
	if local == nil {
		return nil, errors.New("local store is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &SyncEngine{
		config:    config,
		store:     store,
		local:     local,
		queue:     NewOfflineQueue(local, config.Queue),
		conflicts: NewConflictQueue(),
		retryer:   NewRetryer(config.Retry),
		breaker:   NewCircuitBreaker(config.Breaker.MaxFailures, config.Breaker.ResetTimeout),
		logger:    slog.Default(),
	}
	if w, ok := store.(Watcher); ok {
		e.watcher = w
	}

	ctx := context.Background()
	deviceID, err := e.resolveDeviceID(ctx, config.DeviceID)
	if err != nil {
		return nil, err
	}
	e.deviceID = deviceID
	e.dedup = NewDedupTable(deviceID)
	e.restoreDedup(ctx)

	return e, nil
}

func (e *SyncEngine) resolveDeviceID(ctx context.Context, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, err := e.queue.Metadata(ctx, "device_id")
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		return "", fmt.Errorf("load device id: %w", err)
	}
	id = generateDeviceID()
	if err := e.queue.SetMetadata(ctx, "device_id", id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// SetLogger replaces the engine logger.
func (e *SyncEngine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetMetrics attaches Prometheus collectors.
func (e *SyncEngine) SetMetrics(m *SyncMetrics) {
	e.metrics = m
}

// SetSource attaches the record source strategies pull from on each cycle.
func (e *SyncEngine) SetSource(source RecordSource) {
	e.source = source
}

// SetWatcher replaces the realtime watcher, e.g. with a WebSocketWatcher when
// the document store itself offers no push channel.
func (e *SyncEngine) SetWatcher(w Watcher) {
	e.watcher = w
}

// DeviceID returns the stable device identity used in version vectors.
func (e *SyncEngine) DeviceID() string {
	return e.deviceID
}

// ConflictQueue exposes the escalated-conflict queue for manual resolution.
func (e *SyncEngine) ConflictQueue() *ConflictQueue {
	return e.conflicts
}

// OfflineQueue exposes the durable operation queue for inspection.
func (e *SyncEngine) OfflineQueue() *OfflineQueue {
	return e.queue
}

// periodicCommands are the frequently-polled read commands that warrant a
// periodic strategy when cloud-aggregated data was requested.
var periodicCommands = map[string]bool{
	"daily":   true,
	"monthly": true,
	"session": true,
	"blocks":  true,
}

// SelectMode chooses the sync strategy for an invocation: realtime when live
// watch semantics are requested, periodic for allow-listed polled commands
// with cloud aggregation, one-time otherwise.
func (e *SyncEngine) SelectMode(cmd CommandContext) SyncMode {
	if cmd.Options["watch"] == "true" || cmd.Options["live"] == "true" {
		return ModeRealtime
	}
	if periodicCommands[cmd.Command] && cmd.Options["cloud"] == "true" {
		return ModePeriodic
	}
	return ModeOneTime
}

// NewStrategy builds the strategy for a mode without starting it.
func (e *SyncEngine) NewStrategy(mode SyncMode, cmd CommandContext) SyncStrategy {
	switch mode {
	case ModeRealtime:
		return NewRealtimeStrategy(e, cmd, e.config.Interval)
	case ModePeriodic:
		return NewPeriodicStrategy(e, cmd, e.config.Interval)
	default:
		return NewOneTimeStrategy(e, cmd)
	}
}

// StartSync selects and starts the strategy for an invocation. Exactly one
// strategy may be active per engine: the slot is reserved before the initial
// sync begins, so a second start anywhere in that window fails with
// ErrSyncInProgress and leaves the original strategy untouched.
func (e *SyncEngine) StartSync(ctx context.Context, cmd CommandContext) (SyncStrategy, error) {
	strat := e.NewStrategy(e.SelectMode(cmd), cmd)

	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.active = strat
	e.mu.Unlock()

	if err := strat.Initialize(ctx); err != nil {
		e.clearActive(strat)
		return nil, err
	}
	if err := strat.Start(ctx); err != nil {
		e.clearActive(strat)
		return nil, err
	}
	if !strat.IsActive() {
		// One-time strategies complete inside Start; release the slot so the
		// next invocation can sync.
		e.clearActive(strat)
	}
	return strat, nil
}

// StopSync stops the active strategy, if any.
func (e *SyncEngine) StopSync(ctx context.Context) error {
	e.mu.Lock()
	strat := e.active
	e.mu.Unlock()
	if strat == nil {
		return nil
	}
	err := strat.Stop(ctx)
	e.clearActive(strat)
	return err
}

func (e *SyncEngine) clearActive(strat SyncStrategy) {
	e.mu.Lock()
	if e.active == strat {
		e.active = nil
	}
	e.mu.Unlock()
}

// SyncRecords runs the apply-batch pipeline for one batch of records:
// dedup, group into per-day documents, read-compare-resolve against the
// remote store, batch write, and offline fallback on transient failure.
func (e *SyncEngine) SyncRecords(ctx context.Context, records []UsageRecord, cmd CommandContext) SyncResult {
	start := time.Now()
	deviceID, deviceName := e.identity(cmd)

	batch := e.dedup.ProcessBatch(records, start)
	grouped := GroupRecords(batch.Unique, deviceID, deviceName, start)

	e.countBatch(batch)
	if batch.Dropped > 0 {
		e.logger.Warn("records dropped without identifier", "count", batch.Dropped)
	}

	if len(grouped.Paths) == 0 {
		return e.finishCycle(SyncResult{Success: true, DroppedRecords: batch.Dropped}, start)
	}

	ops := make([]WriteOperation, 0, len(grouped.Paths))
	escalated := 0
	for _, path := range grouped.Paths {
		op, esc, err := e.prepareWrite(ctx, path, grouped.Documents[path], deviceID, start)
		if err != nil {
			if IsTransient(err) {
				return e.finishCycle(e.fallbackOffline(ctx, grouped, deviceID, batch, start), start)
			}
			e.observeError(err)
			// The batch was neither written nor queued; un-mark it so the
			// records stay syncable on the next attempt.
			e.dedup.Forget(batch.NewHashes)
			return e.finishCycle(SyncResult{Error: err.Error(), DroppedRecords: batch.Dropped}, start)
		}
		if esc {
			escalated++
			continue
		}
		ops = append(ops, op)
	}
	if escalated > 0 {
		e.countEscalated(escalated)
	}
	if len(ops) == 0 {
		return e.finishCycle(SyncResult{Success: true, DroppedRecords: batch.Dropped}, start)
	}

	err := e.breaker.Execute(func() error {
		return e.retryer.Do(ctx, func() error {
			return e.store.BatchWrite(ctx, ops)
		})
	})
	if err != nil {
		e.observeError(err)
		if IsTransient(err) {
			e.logger.Warn("remote write unavailable, queueing offline", "ops", len(ops), "err", err)
			return e.finishCycle(e.enqueueOps(ctx, ops, batch, start), start)
		}
		e.dedup.Forget(batch.NewHashes)
		return e.finishCycle(SyncResult{Error: err.Error(), DroppedRecords: batch.Dropped}, start)
	}

	for _, op := range ops {
		e.cacheDocument(ctx, op.Path, op.Document)
	}
	e.countSynced(len(batch.Unique))
	return e.finishCycle(SyncResult{
		Success:        true,
		RecordsSynced:  len(batch.Unique),
		DroppedRecords: batch.Dropped,
	}, start)
}

// prepareWrite builds the write operation for one per-day document, running
// conflict detection and resolution against the current remote version.
// Returns escalated=true when the conflict was queued for manual resolution
// and no write should happen.
func (e *SyncEngine) prepareWrite(ctx context.Context, path string, usage *UsageDocument, deviceID string, now time.Time) (WriteOperation, bool, error) {
	var remote *VersionedDocument
	err := e.retryer.Do(ctx, func() error {
		var getErr error
		remote, getErr = e.store.GetDoc(ctx, path)
		if errors.Is(getErr, ErrDocNotFound) {
			remote = nil
			return nil
		}
		return getErr
	})
	if err != nil {
		return WriteOperation{}, false, err
	}

	base := e.cachedDocument(ctx, path)
	if base == nil {
		base = remote
	}
	local := buildLocalDocument(base, usage, deviceID, now)

	if remote == nil {
		return WriteOperation{Type: OperationCreate, Path: path, Document: local}, false, nil
	}

	info := DetectConflict(local, remote)
	if !info.HasConflict {
		if info.Ordering == VectorOlder {
			// Remote already dominates; rebase onto it so its progress is kept.
			local = buildLocalDocument(remote, usage, deviceID, now)
		}
		return WriteOperation{Type: OperationUpdate, Path: path, Document: local}, false, nil
	}

	e.countConflict()
	e.logger.Info("conflict detected",
		"path", path,
		"type", info.Type.String(),
		"devices", strings.Join(info.ConflictingDevices, ","))

	res, err := ResolveConflict(local, remote, e.config.ConflictStrategy, now)
	if err != nil {
		return WriteOperation{}, false, err
	}
	if res.RequiresManualResolution {
		id := e.conflicts.AddConflict(path, res.Diffs, local, remote, now)
		e.logger.Warn("conflict escalated for manual resolution", "path", path, "conflict_id", id)
		return WriteOperation{}, true, nil
	}
	return WriteOperation{Type: OperationUpdate, Path: path, Document: res.Resolved}, false, nil
}

// fallbackOffline queues the whole grouped batch when the remote store could
// not even be read. Documents are built from the local cache alone; replay
// re-runs conflict detection once the store is reachable.
func (e *SyncEngine) fallbackOffline(ctx context.Context, grouped *GroupedBatch, deviceID string, batch BatchResult, now time.Time) SyncResult {
	ops := make([]WriteOperation, 0, len(grouped.Paths))
	for _, path := range grouped.Paths {
		local := buildLocalDocument(e.cachedDocument(ctx, path), grouped.Documents[path], deviceID, now)
		ops = append(ops, WriteOperation{Type: OperationUpdate, Path: path, Document: local})
	}
	return e.enqueueOps(ctx, ops, batch, now)
}

// enqueueOps durably queues write operations and reports the offline result.
func (e *SyncEngine) enqueueOps(ctx context.Context, ops []WriteOperation, batch BatchResult, now time.Time) SyncResult {
	queued := 0
	for _, op := range ops {
		collection, id, err := splitPath(op.Path)
		if err != nil {
			e.logger.Error("skipping unqueueable operation", "path", op.Path, "err", err)
			continue
		}
		data, err := json.Marshal(op.Document)
		if err != nil {
			e.logger.Error("skipping unencodable operation", "path", op.Path, "err", err)
			continue
		}
		if _, err := e.queue.Enqueue(ctx, op.Type, collection, id, data, now); err != nil {
			return SyncResult{Error: fmt.Sprintf("offline enqueue failed: %v", err), DroppedRecords: batch.Dropped}
		}
		e.cacheDocument(ctx, op.Path, op.Document)
		queued++
	}
	e.countOffline()
	return SyncResult{
		Success:        true,
		Offline:        true,
		RecordsSynced:  queued,
		DroppedRecords: batch.Dropped,
	}
}

// ReplayQueue attempts delivery of queued operations, oldest first. Each
// replayed write re-runs conflict detection; successes are removed, failures
// increment the item's retry count. Replay stops early when the circuit
// opens.
func (e *SyncEngine) ReplayQueue(ctx context.Context) (int, error) {
	limit := e.config.BatchSize
	if limit <= 0 {
		limit = 50
	}
	items, err := e.queue.Dequeue(ctx, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, item := range items {
		err := e.breaker.Execute(func() error {
			return e.retryer.Do(ctx, func() error {
				return e.applyQueued(ctx, item)
			})
		})
		if err != nil {
			e.observeError(err)
			if markErr := e.queue.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
				e.logger.Error("failed to record replay failure", "item", item.ID, "err", markErr)
			}
			if errors.Is(err, ErrCircuitOpen) {
				break
			}
			continue
		}
		if err := e.queue.MarkSuccess(ctx, item.ID); err != nil {
			e.logger.Error("failed to remove delivered item", "item", item.ID, "err", err)
		}
		replayed++
	}

	e.updateQueueGauges(ctx)
	return replayed, nil
}

func (e *SyncEngine) applyQueued(ctx context.Context, item QueueItem) error {
	path := item.Path()
	if item.OperationType == OperationDelete {
		return e.store.BatchWrite(ctx, []WriteOperation{{Type: OperationDelete, Path: path}})
	}

	doc, err := decodeStoredDocument(item.Data, path)
	if err != nil {
		return err
	}

	remote, err := e.store.GetDoc(ctx, path)
	if errors.Is(err, ErrDocNotFound) {
		return e.store.SetDoc(ctx, path, doc)
	}
	if err != nil {
		return err
	}

	info := DetectConflict(doc, remote)
	if !info.HasConflict {
		if info.Ordering == VectorOlder || info.Ordering == VectorEqual {
			// Remote already has this write or a later one.
			return nil
		}
		return e.store.SetDoc(ctx, path, doc)
	}

	res, err := ResolveConflict(doc, remote, e.config.ConflictStrategy, time.Now())
	if err != nil {
		return err
	}
	if res.RequiresManualResolution {
		e.conflicts.AddConflict(path, res.Diffs, doc, remote, time.Now())
		e.countEscalated(1)
		return nil
	}
	return e.store.SetDoc(ctx, path, res.Resolved)
}

// runCycle is one full strategy tick: pull records since the last checkpoint,
// sync them, replay the offline queue when reachable, and persist the
// checkpoint and dedup snapshot. The checkpoint is the time the source read
// began, not the time the cycle finished: records written while the cycle ran
// fall after it and are picked up next time, with dedup absorbing the
// re-reads.
func (e *SyncEngine) runCycle(ctx context.Context, cmd CommandContext) (SyncResult, error) {
	cycleStart := time.Now()
	var records []UsageRecord
	if e.source != nil {
		since := e.checkpoint(ctx, cmd.Command)
		var err error
		records, err = e.source.Records(ctx, since)
		if err != nil {
			return SyncResult{Error: err.Error()}, fmt.Errorf("read records: %w", err)
		}
	}

	res := e.SyncRecords(ctx, records, cmd)
	if res.Success {
		if err := e.setCheckpoint(ctx, cmd.Command, cycleStart); err != nil {
			e.logger.Error("failed to persist checkpoint", "command", cmd.Command, "err", err)
		}
		if !res.Offline {
			if _, err := e.ReplayQueue(ctx); err != nil {
				e.logger.Warn("offline queue replay failed", "err", err)
			}
		}
	}
	e.persistDedup(ctx)

	if !res.Success {
		return res, errors.New(res.Error)
	}
	return res, nil
}

// ForceSync runs one cycle immediately, outside any strategy schedule.
func (e *SyncEngine) ForceSync(ctx context.Context, cmd CommandContext) (SyncResult, error) {
	return e.runCycle(ctx, cmd)
}

// Stats returns a snapshot of engine counters and queue depths.
func (e *SyncEngine) Stats(ctx context.Context) (EngineStats, error) {
	e.statsMu.Lock()
	stats := e.stats
	e.statsMu.Unlock()

	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		return stats, err
	}
	failed, err := e.queue.FailedCount(ctx)
	if err != nil {
		return stats, err
	}
	stats.PendingOperations = pending
	stats.FailedOperations = failed
	stats.PendingConflicts = e.conflicts.Statistics().Pending
	stats.DedupEntries = e.dedup.Size()
	return stats, nil
}

// Close persists dedup state and stops any active strategy.
func (e *SyncEngine) Close(ctx context.Context) error {
	err := e.StopSync(ctx)
	e.persistDedup(ctx)
	return err
}

// --- checkpoints ---

// Checkpoint values carry a short digest so a corrupted or hand-edited
// timestamp is ignored rather than trusted.
func checkpointValue(t time.Time) string {
	ts := t.UTC().Format(time.RFC3339Nano)
	return ts + "|" + checkpointSum(ts)
}

func checkpointSum(ts string) string {
	sum := blake2b.Sum256([]byte(ts))
	return hex.EncodeToString(sum[:4])
}

func (e *SyncEngine) checkpoint(ctx context.Context, command string) time.Time {
	raw, err := e.queue.Metadata(ctx, "last_sync_"+command)
	if err != nil {
		return time.Time{}
	}
	ts, sum, ok := strings.Cut(raw, "|")
	if !ok || checkpointSum(ts) != sum {
		e.logger.Warn("discarding corrupted checkpoint", "command", command)
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (e *SyncEngine) setCheckpoint(ctx context.Context, command string, t time.Time) error {
	return e.queue.SetMetadata(ctx, "last_sync_"+command, checkpointValue(t))
}

// --- document helpers ---

// buildLocalDocument layers a batch's new usage on top of the last known
// version of the document and advances this device's vector entry.
func buildLocalDocument(base *VersionedDocument, usage *UsageDocument, deviceID string, now time.Time) *VersionedDocument {
	if base == nil {
		return NewVersionedDocument(NewUsageData(usage), deviceID, now)
	}
	merged := usage
	if base.Data.Usage != nil {
		merged = accumulateUsage(base.Data.Usage, usage)
		merged.LastUpdated = now
	}
	return &VersionedDocument{
		Data:           NewUsageData(merged),
		VersionVector:  base.VersionVector.Increment(deviceID),
		LastModified:   now,
		LastModifiedBy: deviceID,
		Revision:       base.Revision + 1,
	}
}

// accumulateUsage adds new usage on top of prior totals. Distinct from the
// conflict-time max merge: this is the same device extending its own counters
// with fresh records, so addition is the correct operation.
func accumulateUsage(prior, fresh *UsageDocument) *UsageDocument {
	out := *prior
	out.TotalTokens += fresh.TotalTokens
	out.TotalCost += fresh.TotalCost
	out.Models = make(map[string]ModelUsage, len(prior.Models)+len(fresh.Models))
	for name, m := range prior.Models {
		out.Models[name] = m
	}
	for name, m := range fresh.Models {
		cur := out.Models[name]
		cur.InputTokens += m.InputTokens
		cur.OutputTokens += m.OutputTokens
		cur.CacheCreationTokens += m.CacheCreationTokens
		cur.CacheReadTokens += m.CacheReadTokens
		cur.CostUSD += m.CostUSD
		cur.RecordCount += m.RecordCount
		out.Models[name] = cur
	}
	return &out
}

func (e *SyncEngine) cachedDocument(ctx context.Context, path string) *VersionedDocument {
	collection, id, err := splitPath(path)
	if err != nil {
		return nil
	}
	data, err := e.queue.CachedData(ctx, collection, id)
	if err != nil {
		return nil
	}
	doc, err := decodeStoredDocument(data, path)
	if err != nil {
		return nil
	}
	return doc
}

func (e *SyncEngine) cacheDocument(ctx context.Context, path string, doc *VersionedDocument) {
	collection, id, err := splitPath(path)
	if err != nil {
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := e.queue.CacheData(ctx, collection, id, data); err != nil {
		e.logger.Warn("failed to cache document", "path", path, "err", err)
	}
}

func (e *SyncEngine) restoreDedup(ctx context.Context) {
	data, err := e.queue.CachedData(ctx, "internal", dedupSnapshotKey)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			e.logger.Warn("failed to load dedup snapshot", "err", err)
		}
		return
	}
	n, err := e.dedup.RestoreSnapshot(data)
	if err != nil {
		e.logger.Warn("failed to restore dedup snapshot", "err", err)
		return
	}
	e.logger.Debug("restored dedup entries", "count", n)
}

func (e *SyncEngine) persistDedup(ctx context.Context) {
	if e.config.DedupMaxAge > 0 {
		e.dedup.CleanupOldEntries(e.config.DedupMaxAge, time.Now())
	}
	data, err := e.dedup.Snapshot()
	if err != nil {
		e.logger.Warn("failed to snapshot dedup table", "err", err)
		return
	}
	if err := e.queue.CacheData(ctx, "internal", dedupSnapshotKey, data); err != nil {
		e.logger.Warn("failed to persist dedup snapshot", "err", err)
	}
}

func (e *SyncEngine) identity(cmd CommandContext) (deviceID, deviceName string) {
	deviceID = cmd.DeviceID
	if deviceID == "" {
		deviceID = e.deviceID
	}
	deviceName = cmd.DeviceName
	if deviceName == "" {
		deviceName = e.config.DeviceName
	}
	return deviceID, deviceName
}

// --- counters ---

func (e *SyncEngine) countBatch(batch BatchResult) {
	e.statsMu.Lock()
	e.stats.Duplicates += int64(batch.Duplicates)
	e.stats.Dropped += int64(batch.Dropped)
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordsDeduped.Add(float64(batch.Duplicates))
		e.metrics.RecordsDropped.Add(float64(batch.Dropped))
	}
}

func (e *SyncEngine) countSynced(n int) {
	e.statsMu.Lock()
	e.stats.RecordsSynced += int64(n)
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.RecordsSynced.Add(float64(n))
	}
}

func (e *SyncEngine) countConflict() {
	e.statsMu.Lock()
	e.stats.ConflictsDetected++
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.ConflictsTotal.WithLabelValues("merged").Inc()
	}
}

func (e *SyncEngine) countEscalated(n int) {
	e.statsMu.Lock()
	e.stats.ConflictsEscalated += int64(n)
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.ConflictsTotal.WithLabelValues("escalated").Add(float64(n))
	}
}

func (e *SyncEngine) countOffline() {
	e.statsMu.Lock()
	e.stats.OfflineFallbacks++
	e.statsMu.Unlock()
	if e.metrics != nil {
		e.metrics.SyncCycles.WithLabelValues("offline").Inc()
	}
}

func (e *SyncEngine) finishCycle(res SyncResult, start time.Time) SyncResult {
	res.Duration = time.Since(start)

	e.statsMu.Lock()
	e.stats.SyncCycles++
	e.stats.LastSyncAt = start
	e.statsMu.Unlock()

	if e.metrics != nil {
		e.metrics.SyncDuration.Observe(res.Duration.Seconds())
		switch {
		case res.Success && !res.Offline:
			e.metrics.SyncCycles.WithLabelValues("success").Inc()
		case !res.Success:
			e.metrics.SyncCycles.WithLabelValues("error").Inc()
		}
	}
	return res
}

func (e *SyncEngine) observeError(err error) {
	if e.metrics != nil {
		e.metrics.observeError(err)
	}
}

func (e *SyncEngine) updateQueueGauges(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	if pending, err := e.queue.PendingCount(ctx); err == nil {
		e.metrics.QueueDepth.Set(float64(pending))
	}
	if failed, err := e.queue.FailedCount(ctx); err == nil {
		e.metrics.QueueFailed.Set(float64(failed))
	}
}
