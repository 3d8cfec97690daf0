package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Counters is a table of named integers (the raffle pool is one).
type Counters struct{ DB *sql.DB }

// Get returns the counter value; a missing counter reads as 0.
func (c *Counters) Get(ctx context.Context, name string) (int, error) {
	var v int64
	err := c.DB.QueryRowContext(ctx, `SELECT value FROM counters WHERE name=$1`, name).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %q: %w", name, err)
	}
	return int(v), nil
}

func (c *Counters) Set(ctx context.Context, name string, value int) error {
	_, err := c.DB.ExecContext(ctx, `INSERT INTO counters(name, value, updated_at) VALUES($1,$2,NOW())
		ON CONFLICT(name) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, name, value)
	if err != nil {
		return fmt.Errorf("set counter %q: %w", name, err)
	}
	return nil
}

// Increment adds delta atomically and returns the new value.
func (c *Counters) Increment(ctx context.Context, name string, delta int) (int, error) {
	var v int64
	err := c.DB.QueryRowContext(ctx, `INSERT INTO counters(name, value, updated_at) VALUES($1,$2,NOW())
		ON CONFLICT(name) DO UPDATE SET value=counters.value+EXCLUDED.value, updated_at=NOW()
		RETURNING value`, name, delta).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("increment counter %q: %w", name, err)
	}
	return int(v), nil
}
