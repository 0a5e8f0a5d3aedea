// Package matrix adapts the mautrix client to the bridge's publisher
// contract, using message edits as the in-place update mechanism.
package matrix
