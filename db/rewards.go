package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/onnwee/stream-copilot/redeem"
)

// Rewards mirrors the channel's custom rewards so the admin surface can list
// them without a Helix round trip.
type Rewards struct{ DB *sql.DB }

// Save upserts every reward in one transaction.
func (r *Rewards) Save(ctx context.Context, rewards []redeem.Reward) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, rw := range rewards {
		_, err := tx.ExecContext(ctx, `INSERT INTO rewards(id, title, prompt, cost, enabled, paused, user_input_required, auto_fulfill, cooldown_seconds, updated_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
			ON CONFLICT(id) DO UPDATE SET title=EXCLUDED.title, prompt=EXCLUDED.prompt, cost=EXCLUDED.cost,
			  enabled=EXCLUDED.enabled, paused=EXCLUDED.paused, user_input_required=EXCLUDED.user_input_required,
			  auto_fulfill=EXCLUDED.auto_fulfill, cooldown_seconds=EXCLUDED.cooldown_seconds, updated_at=NOW()`,
			rw.ID, rw.Title, rw.Prompt, rw.Cost, rw.Enabled, rw.Paused, rw.UserInputRequired, rw.AutoFulfill, rw.CooldownSeconds)
		if err != nil {
			return fmt.Errorf("save reward %s: %w", rw.ID, err)
		}
	}
	return tx.Commit()
}

// List returns the mirrored rewards ordered by title.
func (r *Rewards) List(ctx context.Context) ([]redeem.Reward, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, title, COALESCE(prompt,''), cost, enabled, paused, user_input_required, auto_fulfill, cooldown_seconds
		FROM rewards ORDER BY lower(title)`)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	defer rows.Close()
	var out []redeem.Reward
	for rows.Next() {
		var rw redeem.Reward
		if err := rows.Scan(&rw.ID, &rw.Title, &rw.Prompt, &rw.Cost, &rw.Enabled, &rw.Paused, &rw.UserInputRequired, &rw.AutoFulfill, &rw.CooldownSeconds); err != nil {
			return nil, err
		}
		out = append(out, rw)
	}
	return out, rows.Err()
}
