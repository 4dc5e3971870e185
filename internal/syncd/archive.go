package syncd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/studytogether/studysync/internal/docstore/memstore"
	"github.com/studytogether/studysync/internal/history"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS work_sessions (
	room_id         TEXT        NOT NULL,
	participant_key TEXT        NOT NULL,
	session_id      TEXT        NOT NULL,
	started_at      BIGINT      NOT NULL,
	completed_at    BIGINT      NOT NULL,
	duration_sec    INT         NOT NULL,
	task            TEXT        NOT NULL DEFAULT '',
	work_sec        INT         NOT NULL,
	archived_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_id, participant_key, session_id)
)`

type archiveRow struct {
	roomID  string
	partKey string
	session string
	entry   history.Entry
}

// Archiver copies completed work sessions from the document tree into
// Postgres. It taps the store's mutation stream and drains rows on its own
// worker goroutine so document writes never wait on the database.
type Archiver struct {
	pool *pgxpool.Pool
	rows chan archiveRow
}

// NewArchiver connects to Postgres and ensures the schema.
func NewArchiver(ctx context.Context, dsn string) (*Archiver, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect archive database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive database: %w", err)
	}
	if _, err := pool.Exec(ctx, archiveSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}
	return &Archiver{pool: pool, rows: make(chan archiveRow, 256)}, nil
}

// Observer returns the store tap. Non-history mutations are ignored.
func (a *Archiver) Observer() func(memstore.Op) {
	return func(op memstore.Op) {
		if op.Kind != memstore.OpSet {
			return
		}
		segs := strings.Split(op.Path, "/")
		// rooms/{code}/participants/{key}/history/{session}
		if len(segs) != 6 || segs[0] != "rooms" || segs[2] != "participants" || segs[4] != "history" {
			return
		}
		var entry history.Entry
		if err := json.Unmarshal(op.Value, &entry); err != nil {
			log.Warn().Err(err).Str("path", op.Path).Msg("unreadable history entry, not archiving")
			return
		}
		row := archiveRow{roomID: segs[1], partKey: segs[3], session: segs[5], entry: entry}
		select {
		case a.rows <- row:
		default:
			log.Warn().Str("path", op.Path).Msg("archive queue full, dropping work session")
		}
	}
}

// Run drains the row queue until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	log.Info().Msg("history archiver started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("history archiver shutting down")
			return
		case row := <-a.rows:
			if err := a.insert(ctx, row); err != nil {
				log.Error().
					Err(err).
					Str("room_id", row.roomID).
					Str("session_id", row.session).
					Msg("failed to archive work session")
			}
		}
	}
}

func (a *Archiver) insert(ctx context.Context, row archiveRow) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO work_sessions
			(room_id, participant_key, session_id, started_at, completed_at, duration_sec, task, work_sec)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id, participant_key, session_id) DO UPDATE SET
			completed_at = EXCLUDED.completed_at,
			duration_sec = EXCLUDED.duration_sec,
			task = EXCLUDED.task`,
		row.roomID, row.partKey, row.session,
		row.entry.StartedAt, row.entry.CompletedAt, row.entry.Duration,
		row.entry.Task, row.entry.WorkSec,
	)
	return err
}

// Close releases the connection pool.
func (a *Archiver) Close() {
	a.pool.Close()
}
