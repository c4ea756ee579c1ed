// Package queue implements the durable mutation log: an append-only,
// crash-safe record of pending state changes backed by an embedded SQLite
// database (WAL mode, synchronous=FULL).
//
// Two independent actors touch the log: producers (quiz, chat, and
// flashcard features appending mutations) and the sync orchestrator
// (claiming, committing, and requeueing batches). The log enforces mutual
// exclusion internally, so producers are never blocked by an in-progress
// sync and the orchestrator never observes a half-written record.
//
// The log also journals sync cycles: each claimed batch gets a cycle row
// recording its sequence number, deterministic payload key, and whether
// the payload upload completed. A process crash mid-cycle therefore leaves
// enough on disk for the next startup to resume the cycle as "request
// outcome unknown" and retry idempotently under the same key.
//
// At most one batch is in flight at any instant, enforced by the log
// itself, not by callers.
package queue
