package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveAnalytics stores an analytics export.
func (db *DB) SaveAnalytics(ctx context.Context, payload []byte, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO analytics_snapshots (created_at, payload) VALUES (?, ?)`,
		at.UTC(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to save analytics snapshot: %w", err)
	}
	return nil
}

// LatestAnalytics returns the most recent analytics export.
func (db *DB) LatestAnalytics(ctx context.Context) ([]byte, time.Time, error) {
	var (
		payload string
		at      time.Time
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT payload, created_at FROM analytics_snapshots ORDER BY id DESC LIMIT 1`).Scan(&payload, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNoSnapshot
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load analytics snapshot: %w", err)
	}
	return []byte(payload), at, nil
}

// SaveWeights stores a feature weight snapshot.
func (db *DB) SaveWeights(ctx context.Context, weights map[string]float64, at time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO weight_snapshots (created_at) VALUES (?)`, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to save weight snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO weight_values (snapshot_id, feature, weight) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for feature, w := range weights {
		if _, err := stmt.ExecContext(ctx, id, feature, w); err != nil {
			return fmt.Errorf("failed to save weight %q: %w", feature, err)
		}
	}
	return tx.Commit()
}

// LatestWeights returns the most recent feature weight snapshot.
func (db *DB) LatestWeights(ctx context.Context) (map[string]float64, time.Time, error) {
	var (
		id int64
		at time.Time
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, created_at FROM weight_snapshots ORDER BY id DESC LIMIT 1`).Scan(&id, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNoSnapshot
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load weight snapshot: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT feature, weight FROM weight_values WHERE snapshot_id = ?`, id)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()

	weights := make(map[string]float64)
	for rows.Next() {
		var (
			feature string
			w       float64
		)
		if err := rows.Scan(&feature, &w); err != nil {
			return nil, time.Time{}, err
		}
		weights[feature] = w
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}
	return weights, at, nil
}

// Prune keeps only the newest keep snapshots of each kind.
func (db *DB) Prune(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM analytics_snapshots
		WHERE id NOT IN (SELECT id FROM analytics_snapshots ORDER BY id DESC LIMIT ?)`, keep); err != nil {
		return fmt.Errorf("failed to prune analytics snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM weight_values
		WHERE snapshot_id NOT IN (SELECT id FROM weight_snapshots ORDER BY id DESC LIMIT ?)`, keep); err != nil {
		return fmt.Errorf("failed to prune weight values: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM weight_snapshots
		WHERE id NOT IN (SELECT id FROM weight_snapshots ORDER BY id DESC LIMIT ?)`, keep); err != nil {
		return fmt.Errorf("failed to prune weight snapshots: %w", err)
	}
	return tx.Commit()
}
