package core

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Stats is a snapshot of the engine's request counters.
type Stats struct {
	Requests   uint64 `json:"requests"`
	InFlight   int64  `json:"in_flight"`
	Errors     uint64 `json:"errors"`
	NotFound   uint64 `json:"not_found"`
	Aborted    uint64 `json:"aborted"`
	Unanswered uint64 `json:"unanswered"`
}

type counters struct {
	requests   atomic.Uint64
	inFlight   atomic.Int64
	errors     atomic.Uint64
	notFound   atomic.Uint64
	aborted    atomic.Uint64
	unanswered atomic.Uint64
}

// Stats returns the current request counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:   e.stats.requests.Load(),
		InFlight:   e.stats.inFlight.Load(),
		Errors:     e.stats.errors.Load(),
		NotFound:   e.stats.notFound.Load(),
		Aborted:    e.stats.aborted.Load(),
		Unanswered: e.stats.unanswered.Load(),
	}
}

// String formats the stats as JSON
func (s Stats) String() string {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Sprintf("error marshaling stats: %v", err)
	}
	return string(data)
}
