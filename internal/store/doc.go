// Package store persists the turn archive: one row per completed agent
// turn, keyed by conversation, so operators can reconstruct what the agent
// did after the status messages have been superseded.
package store
