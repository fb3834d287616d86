// Package tracking assigns per-frame person detections to persistent track
// identities using greedy IoU matching.
//
// Responsibilities: track creation, matching, ageing and eviction.
// Key types: Tracker, Track, TrackedBox.
//
// The tracker is owned by the ingestion worker. Active returns copies so
// status readers never hold references into tracker state.
package tracking
