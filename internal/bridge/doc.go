// Package bridge is the composition root of coven-bridge.
//
// A Bridge owns one agent subprocess and the set of live conversations
// flowing through it. It consumes the subprocess event stream, routes each
// event to its session, drives the status update and activity timers,
// coordinates aborts, and archives completed turns. The HTTP surface in
// api.go is the external trigger point: frontends (or curl) post user turns
// into it and the bridge does the rest.
package bridge
