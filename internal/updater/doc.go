// Package updater publishes debounced status updates to the messaging surface.
//
// # Update discipline
//
// Each tracked conversation gets one recurring timer. On every tick the
// Updater renders the session's current state and publishes it, under three
// rules:
//
//   - Serialized: the session's publish mutex is held for the full
//     render-and-publish sequence. A tick that finds it held is skipped,
//     never queued, so publishes for one conversation can never run
//     concurrently or out of order.
//   - Deduplicated: a fingerprint of the rendered content is compared with
//     the last successfully published one; matches skip the outward call.
//   - Self-healing: a failed publish is logged and dropped. The next tick
//     re-renders from fresher state and tries again.
//
// The first successful publish creates the external message and records the
// returned render-target id; subsequent ticks update that message in place.
//
// # Activity log
//
// The Batcher maintains a secondary, lower-frequency log of discrete
// activity entries per conversation, rendered as a rolling window: past a
// threshold only the newest entries appear, plus a count of the omitted
// ones, so render cost stays bounded regardless of how long a turn runs.
package updater
