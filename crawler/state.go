package crawler

import (
	"time"

	"marketwire/deduplication"
)

// State represents the crawl cycle state machine
type State string

const (
	StateFetching   State = "fetching"
	StateCacheCheck State = "cache_check"
	StateHitDone    State = "hit_done"
	StateExtracting State = "extracting"
	StateFiltering  State = "filtering"
	StatePersisting State = "persisting"
	StateCleanup    State = "cleanup"
	StateFailed     State = "failed"
	StateDead       State = "dead"
)

// Outcome labels used for metrics and logs.
const (
	OutcomeNew      = "new"
	OutcomeCacheHit = "cache_hit"
	OutcomeFailed   = "failed"
	OutcomeDead     = "dead"
)

// CycleResult summarizes one crawl cycle.
type CycleResult struct {
	SourceID string
	CycleID  string
	State    State
	// Trail lists every state the cycle went through, in order.
	Trail []State

	Created int
	Matched int
	Errors  int
	// ArticleIDs holds the IDs of the articles created in this cycle.
	ArticleIDs []string

	Extracted int
	Filter    *deduplication.FilterResult

	Err      error
	Duration time.Duration
}

// Outcome returns the metric label for the final state.
func (r *CycleResult) Outcome() string {
	switch r.State {
	case StateFailed:
		return OutcomeFailed
	case StateDead:
		return OutcomeDead
	case StateHitDone:
		return OutcomeCacheHit
	default:
		return OutcomeNew
	}
}

func (r *CycleResult) enter(s State) {
	r.State = s
	r.Trail = append(r.Trail, s)
}
