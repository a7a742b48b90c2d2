// Package scheduler holds the armed set: the in-memory jobs that fire on
// their cron expression.
//
// It is trigger-only. A single clock goroutine wakes at each minute boundary
// and calls Tick, which hands every due job to the dispatcher without
// waiting for it to run. Execution happens in internal/task/engine.
package scheduler
