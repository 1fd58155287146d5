// Package usagesync synchronizes per-device usage records into a shared,
// eventually-consistent dataset in a remote document store.
//
// Independent device processes append usage records; the engine deduplicates
// them by content digest, groups them into per-device per-day documents,
// detects concurrent updates with version vectors, resolves conflicts with
// pluggable strategies, and queues writes durably when the remote store is
// unreachable. Three sync strategies (one-time, periodic, realtime) cover the
// invocation patterns of the surrounding command logic.
//
// Basic usage:
//
//	local, err := NewLocalStore(DefaultLocalStoreConfig("usagesync.db"))
//	if err != nil { ... }
//	engine, err := NewSyncEngine(DefaultSyncConfig(), store, local)
//	if err != nil { ... }
//	engine.SetSource(source)
//	result := engine.SyncRecords(ctx, records, CommandContext{Command: "daily"})
package usagesync
