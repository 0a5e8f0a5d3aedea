// Package session tracks per-conversation state for in-flight agent turns.
//
// # Registry
//
// The Registry owns the mapping from conversation keys ("channelID:threadTS")
// to sessions. There is no ambient global state: creation, lookup, and
// destruction all go through Start, Get, Stop, and StopAll. Starting a key
// that is already tracked replaces the old session after clearing its timers,
// so a new message can supersede a stale session in the same thread without
// leaking a timer.
//
// # Event routing
//
// Subprocess events carry an agent-side thread id, not a conversation key.
// HandleEvent resolves the owning session by scanning tracked contexts, then
// applies the event under the session's lock. Two guards drop events
// silently: no owning session, and a turn id that no longer matches the
// session's current turn (a straggler from a superseded turn).
//
// # Aborts
//
// A cancellation can arrive before the agent has reported the turn id the
// interrupt RPC needs. The AbortCoordinator parks such requests behind a
// pending flag with a safety timeout; whichever of turn:started or
// context:turnId arrives first resolves it. The flag check-and-clear happens
// under the session lock, so the interrupt RPC fires exactly once.
package session
