// Package agentproc manages the agent execution engine subprocess.
//
// The agent runs as a child process speaking newline-delimited JSON over its
// stdio. Two kinds of frames flow back on stdout:
//
//   - Replies, carrying the numeric id of the call they answer. The
//     Correlator matches these to outstanding callers; replies can arrive in
//     any order relative to the calls that produced them.
//   - Notifications, carrying a method name (item:delta, turn:started, ...).
//     These are decoded into Event values and streamed to the consumer.
//
// Request ids come from a single monotonic counter, so uniqueness holds as
// long as all calls go through one Client. When stdout closes, every pending
// call is rejected with ErrTransportClosed so no caller hangs forever.
package agentproc
