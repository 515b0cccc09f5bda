// Package metrics records parse, compile and tick counters.
package metrics

import "time"

// Outcome labels a compile result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// TickClass labels an aggregator tick.
type TickClass string

const (
	TickSoft TickClass = "soft"
	TickHard TickClass = "hard"
)

// Recorder receives build pipeline observations. Implementations must be
// safe for concurrent use.
type Recorder interface {
	ObserveParse(d time.Duration, pages int, err error)
	ObserveCompile(d time.Duration, outcome Outcome)
	IncTick(class TickClass)
	IncCoalesced()
	IncSwap()
}

// NopRecorder is a Recorder that does nothing.
type NopRecorder struct{}

func (NopRecorder) ObserveParse(time.Duration, int, error) {}
func (NopRecorder) ObserveCompile(time.Duration, Outcome)  {}
func (NopRecorder) IncTick(TickClass)                      {}
func (NopRecorder) IncCoalesced()                          {}
func (NopRecorder) IncSwap()                               {}
