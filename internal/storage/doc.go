// Package storage is the durable job table behind the scheduler.
//
// It knows nothing about scheduling: it stores job rows (task name, serialized
// parameters, cron expression, active flag) and a bounded run history.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "file":   JSONL journal + periodic snapshot
//   - "memory": process-local, for tests and throwaway runs
package storage
