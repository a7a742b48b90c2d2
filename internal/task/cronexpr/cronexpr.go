// Package cronexpr parses standard 5-field cron expressions and answers
// "does this expression match this minute".
//
// Syntax is robfig/cron's: literals, "*", ranges "a-b", steps "*/n" and
// "a-b/n", comma lists, and month/weekday names. Descriptors ("@hourly"),
// seconds fields and TZ prefixes are rejected.
//
// Day-of-month and day-of-week follow the Vixie cron convention: when either
// field is "*" both must match, when both are restricted either may match.
package cronexpr

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const fieldCount = 5

// starBit marks a field written as "*" (same bit robfig/cron uses).
const starBit = 1 << 63

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidationError reports a malformed job definition.
type ValidationError struct {
	Field string
	Value string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, msg)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, msg)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Expr is a parsed cron expression. It is immutable and safe for concurrent use.
type Expr struct {
	src   string
	sched *cron.SpecSchedule
}

// Parse validates expr and returns its matcher.
func Parse(expr string) (*Expr, error) {
	fields := strings.Fields(expr)
	norm := strings.Join(fields, " ")
	if len(fields) != fieldCount {
		return nil, &ValidationError{
			Field: "cron_expression",
			Value: expr,
			Msg:   fmt.Sprintf("expected %d fields, got %d", fieldCount, len(fields)),
		}
	}
	s, err := parser.Parse(norm)
	if err != nil {
		return nil, &ValidationError{Field: "cron_expression", Value: expr, Err: err}
	}
	ss, ok := s.(*cron.SpecSchedule)
	if !ok {
		return nil, &ValidationError{Field: "cron_expression", Value: expr, Msg: "unsupported schedule"}
	}
	return &Expr{src: norm, sched: ss}, nil
}

// MustParse is Parse for expressions known at compile time.
func MustParse(expr string) *Expr {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the expression with whitespace normalized.
func (e *Expr) String() string { return e.src }

// Matches reports whether t's minute is selected, evaluated in t's location.
// Seconds are ignored.
func (e *Expr) Matches(t time.Time) bool {
	s := e.sched
	if !has(s.Minute, t.Minute()) || !has(s.Hour, t.Hour()) || !has(s.Month, int(t.Month())) {
		return false
	}
	dom := has(s.Dom, t.Day())
	dow := has(s.Dow, int(t.Weekday()))
	if s.Dom&starBit > 0 || s.Dow&starBit > 0 {
		return dom && dow
	}
	return dom || dow
}

// Next returns the first matching minute strictly after t, in t's location.
// The zero time means no match within five years.
func (e *Expr) Next(t time.Time) time.Time {
	s := *e.sched
	s.Location = t.Location()
	return s.Next(t)
}

func has(bits uint64, v int) bool {
	return bits&(1<<uint(v)) > 0
}
