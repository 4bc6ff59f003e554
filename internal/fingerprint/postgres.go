package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
)

var _ Store = (*Postgres)(nil)

// Postgres stores fingerprints in a pgvector column. Per-user atomicity
// comes from SELECT ... FOR UPDATE inside the update transaction.
//
// All methods are safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres connects to dsn, registers pgvector types on every connection,
// and ensures the fingerprint table exists. dimensions must match the
// diarizer's embedding output.
func NewPostgres(ctx context.Context, dsn string, dimensions int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("fingerprint store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("fingerprint store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("fingerprint store: ping: %w", err)
	}
	if err := migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("fingerprint store: migrate: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS voice_fingerprints (
    user_id       TEXT             PRIMARY KEY,
    embedding     vector(%d)       NOT NULL,
    quality_score DOUBLE PRECISION NOT NULL,
    audio_count   INTEGER          NOT NULL,
    last_updated  TIMESTAMPTZ      NOT NULL DEFAULT now()
);`, dimensions)
	_, err := pool.Exec(ctx, ddl)
	return err
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Get returns the user's fingerprint, or (nil, nil) when absent.
func (p *Postgres) Get(ctx context.Context, userID string) (*Fingerprint, error) {
	const q = `
		SELECT embedding, quality_score, audio_count, last_updated
		FROM   voice_fingerprints
		WHERE  user_id = $1`
	fp, err := scanFingerprint(p.pool.QueryRow(ctx, q, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "fingerprint store: get", err)
	}
	return fp, nil
}

// Update folds the embedding into the stored fingerprint under a row lock.
func (p *Postgres) Update(ctx context.Context, userID string, embedding []float32, quality float64) (*Fingerprint, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "fingerprint store: begin", err)
	}
	defer tx.Rollback(ctx)

	const sel = `
		SELECT embedding, quality_score, audio_count, last_updated
		FROM   voice_fingerprints
		WHERE  user_id = $1
		FOR UPDATE`
	old, err := scanFingerprint(tx.QueryRow(ctx, sel, userID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Wrap(apperr.KindTransient, "fingerprint store: lock row", err)
	}

	merged := merge(old, embedding, quality, p.now())

	const upsert = `
		INSERT INTO voice_fingerprints (user_id, embedding, quality_score, audio_count, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
		    embedding     = EXCLUDED.embedding,
		    quality_score = EXCLUDED.quality_score,
		    audio_count   = EXCLUDED.audio_count,
		    last_updated  = EXCLUDED.last_updated`
	_, err = tx.Exec(ctx, upsert,
		userID,
		pgvector.NewVector(merged.Embedding),
		merged.Quality,
		merged.AudioCount,
		merged.LastUpdated,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "fingerprint store: upsert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "fingerprint store: commit", err)
	}
	return &merged, nil
}

// Stats reports presence and counters without decoding the vector.
func (p *Postgres) Stats(ctx context.Context, userID string) (Stats, error) {
	const q = `
		SELECT quality_score, audio_count, last_updated
		FROM   voice_fingerprints
		WHERE  user_id = $1`
	var st Stats
	err := p.pool.QueryRow(ctx, q, userID).Scan(&st.Quality, &st.AudioCount, &st.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, apperr.Wrap(apperr.KindTransient, "fingerprint store: stats", err)
	}
	st.Present = true
	return st, nil
}

func scanFingerprint(row pgx.Row) (*Fingerprint, error) {
	var (
		fp  Fingerprint
		vec pgvector.Vector
	)
	if err := row.Scan(&vec, &fp.Quality, &fp.AudioCount, &fp.LastUpdated); err != nil {
		return nil, err
	}
	fp.Embedding = vec.Slice()
	return &fp, nil
}
