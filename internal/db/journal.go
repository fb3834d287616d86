package db

import (
	"context"
	"fmt"
	"time"
)

// Transition is one recorded state change of a supervised component.
type Transition struct {
	ID        int64     `json:"id"`
	Component string    `json:"component"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// RestartCount summarises how often a component came back after a failure.
type RestartCount struct {
	Component   string    `json:"component"`
	Restarts    int64     `json:"restarts"`
	LastRestart time.Time `json:"last_restart"`
}

// RecordTransition journals a state change. It satisfies the recorder
// interfaces of the ingest supervisor and the transcoder.
func (db *DB) RecordTransition(ctx context.Context, component, from, to, detail string) error {
	return db.recordAt(ctx, component, from, to, detail, time.Now())
}

func (db *DB) recordAt(ctx context.Context, component, from, to, detail string, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO supervisor_transitions (component, from_state, to_state, detail, at_unix_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		component, from, to, detail, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record transition %s %s->%s: %w", component, from, to, err)
	}
	return nil
}

// RecentTransitions returns up to limit transitions, newest first.
func (db *DB) RecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT transition_id, component, from_state, to_state, detail, at_unix_ms
		   FROM supervisor_transitions
		  ORDER BY at_unix_ms DESC, transition_id DESC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t  Transition
			ms int64
		)
		if err := rows.Scan(&t.ID, &t.Component, &t.From, &t.To, &t.Detail, &ms); err != nil {
			return nil, err
		}
		t.At = time.UnixMilli(ms).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// RestartCounts reads the per-component restart summary.
func (db *DB) RestartCounts(ctx context.Context) ([]RestartCount, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT component, restarts, last_restart_unix_ms
		   FROM component_restart_counts
		  ORDER BY component`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RestartCount
	for rows.Next() {
		var (
			rc RestartCount
			ms int64
		)
		if err := rows.Scan(&rc.Component, &rc.Restarts, &ms); err != nil {
			return nil, err
		}
		rc.LastRestart = time.UnixMilli(ms).UTC()
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Prune deletes transitions recorded before cutoff and reports how many
// rows were removed.
func (db *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM supervisor_transitions WHERE at_unix_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logf("pruned %d transitions older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}
