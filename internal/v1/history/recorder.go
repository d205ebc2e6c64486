// Package history persists recognized songs to a relational store. Inserts
// are fire-and-forget: a broken database never blocks or fails the identify
// path.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/luminavis/relay/internal/v1/logging"
)

// Recorder writes play-history rows. A nil Recorder is a no-op, which is the
// deployment mode without HISTORY_DB_URL.
type Recorder struct {
	db *sql.DB
}

// NewRecorder opens the Postgres pool and verifies connectivity.
func NewRecorder(dsn string) (*Recorder, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	return &Recorder{db: db}, nil
}

// Record inserts one recognized song asynchronously. Errors are logged and
// swallowed.
func (r *Recorder) Record(song json.RawMessage) {
	if r == nil || r.db == nil || song == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := r.db.ExecContext(ctx,
			`INSERT INTO play_history (recognized_at, song) VALUES ($1, $2)`,
			time.Now().UTC(), []byte(song),
		)
		if err != nil {
			logging.Warn(ctx, "Play-history insert failed", zap.Error(err))
		}
	}()
}

// Close releases the pool.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
