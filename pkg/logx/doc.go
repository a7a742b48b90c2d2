// Package logx wraps zerolog for cronjobd.
//
// Logger is a small value type carrying fixed fields. Service owns the sinks:
// a human console writer and an optional size-rotated JSON file, both
// swappable at runtime through Apply. Throttle rate-limits repeated warnings
// per key.
package logx
