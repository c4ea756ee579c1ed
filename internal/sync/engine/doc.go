// Package engine implements the sync orchestrator: the single writer that
// drains the mutation log to the remote stores.
//
// Each cycle claims the oldest pending batch, merges it into one delta
// payload, and commits in two steps: payload blob first, metadata record
// second. The metadata write is the commit point; until it acknowledges,
// the remote payload is an invisible (and harmless) orphan. Cycle payload
// keys are deterministic, so a retry after a crash or an unacknowledged
// request re-writes the same object instead of duplicating data.
//
// Cycles end in one of five outcomes: synced, pending (payload committed,
// metadata not yet acknowledged), failed (nothing committed, queue
// reverted), deferred (no connectivity, work untouched), or no_work.
// The engine enforces single-flight: overlapping triggers collapse into
// ErrCycleInProgress rather than concurrent cycles.
package engine
