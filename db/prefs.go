package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Prefs persists per-user preferences (user_prefs).
type Prefs struct{ DB *sql.DB }

func (p *Prefs) LoadPrefs(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT key, value FROM user_prefs WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("load prefs: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (p *Prefs) SavePref(ctx context.Context, userID, key, value string) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO user_prefs(user_id, key, value, updated_at) VALUES($1,$2,$3,NOW())
		ON CONFLICT(user_id, key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, userID, key, value)
	if err != nil {
		return fmt.Errorf("save pref %q: %w", key, err)
	}
	return nil
}
