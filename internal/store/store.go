// Package store archives transcript segments in Postgres.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    id           TEXT PRIMARY KEY,
    call_id      TEXT NOT NULL,
    speaker_id   TEXT NOT NULL,
    speaker_name TEXT NOT NULL DEFAULT '',
    text         TEXT NOT NULL,
    start_time   DOUBLE PRECISION NOT NULL,
    end_time     DOUBLE PRECISION NOT NULL,
    confidence   DOUBLE PRECISION,
    created_at   TIMESTAMPTZ NOT NULL,
    seq          BIGSERIAL
);
CREATE INDEX IF NOT EXISTS transcript_segments_call_idx ON transcript_segments (call_id, seq);
`

// Archive is a Postgres segment archive.
type Archive struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies the connection and creates the schema.
func Open(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logging.Success(logging.CategoryStore, "transcript archive ready")
	return &Archive{pool: pool}, nil
}

// Close closes the pool.
func (a *Archive) Close() {
	a.pool.Close()
}

// SaveSegment stores seg. Saving the same segment twice is a no-op.
func (a *Archive) SaveSegment(ctx context.Context, callID string, seg models.Segment) error {
	query := `
        INSERT INTO transcript_segments (
            id, call_id, speaker_id, speaker_name, text, start_time, end_time, confidence, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO NOTHING
    `
	_, err := a.pool.Exec(ctx, query,
		seg.ID,
		callID,
		seg.SpeakerID,
		seg.SpeakerName,
		seg.Text,
		seg.StartTime,
		seg.EndTime,
		seg.Confidence,
		seg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save segment: %w", err)
	}
	return nil
}

// LoadSegments returns the archived segments of a call in arrival order.
func (a *Archive) LoadSegments(ctx context.Context, callID string) ([]models.Segment, error) {
	query := `
        SELECT id, call_id, speaker_id, speaker_name, text, start_time, end_time, confidence, created_at
        FROM transcript_segments
        WHERE call_id = $1
        ORDER BY seq ASC
    `
	rows, err := a.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	var segments []models.Segment
	for rows.Next() {
		var seg models.Segment
		err := rows.Scan(
			&seg.ID,
			&seg.CallID,
			&seg.SpeakerID,
			&seg.SpeakerName,
			&seg.Text,
			&seg.StartTime,
			&seg.EndTime,
			&seg.Confidence,
			&seg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read segments: %w", err)
	}
	return segments, nil
}

// PoolStats returns connection pool counters.
func (a *Archive) PoolStats() map[string]int32 {
	stat := a.pool.Stat()
	return map[string]int32{
		"total_conns":    stat.TotalConns(),
		"acquired_conns": stat.AcquiredConns(),
		"idle_conns":     stat.IdleConns(),
		"max_conns":      stat.MaxConns(),
	}
}
