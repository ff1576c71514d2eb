package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lodestone-research/lodestone/internal/store"
)

// PostgresStore persists session snapshots for durability across process
// restarts. Structured fields get columns; stage results, sub-questions and
// sources ride along as JSON.
type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	required := []string{
		"sessions",
		"session_events",
		"session_event_sequences",
	}
	for _, table := range required {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run infra/migrations/001_init.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) CreateSession(ctx context.Context, session store.Session) error {
	config, stages, subQuestions, sources, err := encodeSession(session)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO sessions (
			id, query, status, config, stages, sub_questions, sources,
			report, tokens, cost_usd, api_calls, error, error_kind,
			created_at, updated_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = p.db.ExecContext(ctx, query,
		session.ID, session.Query, session.Status, config, stages, subQuestions, sources,
		session.Report, session.Tokens, session.CostUSD, session.APICalls, session.Error, session.ErrorKind,
		session.CreatedAt, session.UpdatedAt, nullString(session.FinishedAt),
	)
	return err
}

func (p *PostgresStore) UpdateSession(ctx context.Context, session store.Session) error {
	config, stages, subQuestions, sources, err := encodeSession(session)
	if err != nil {
		return err
	}
	const query = `
		UPDATE sessions SET
			status = $2, config = $3, stages = $4, sub_questions = $5, sources = $6,
			report = $7, tokens = $8, cost_usd = $9, api_calls = $10,
			error = $11, error_kind = $12, updated_at = $13, finished_at = $14
		WHERE id = $1
	`
	result, err := p.db.ExecContext(ctx, query,
		session.ID, session.Status, config, stages, subQuestions, sources,
		session.Report, session.Tokens, session.CostUSD, session.APICalls,
		session.Error, session.ErrorKind, session.UpdatedAt, nullString(session.FinishedAt),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("session %s not found", session.ID)
	}
	return nil
}

const sessionColumns = `
	id, query, status, config, stages, sub_questions, sources,
	report, tokens, cost_usd, api_calls, error, error_kind,
	created_at, updated_at, finished_at
`

func (p *PostgresStore) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	row := p.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = $1", sessionID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (p *PostgresStore) ListSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []store.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event store.SessionEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO session_events (session_id, seq, type, ts, stage, percent, cost_usd, tokens, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = p.db.ExecContext(ctx, query,
		event.SessionID, event.Seq, event.Type, event.Timestamp, event.Stage,
		event.Percent, event.CostUSD, event.Tokens, payload,
	)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]store.SessionEvent, error) {
	const query = `
		SELECT session_id, seq, type, ts, stage, percent, cost_usd, tokens, payload
		FROM session_events
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	rows, err := p.db.QueryContext(ctx, query, sessionID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []store.SessionEvent{}
	for rows.Next() {
		var event store.SessionEvent
		var payload []byte
		if err := rows.Scan(&event.SessionID, &event.Seq, &event.Type, &event.Timestamp,
			&event.Stage, &event.Percent, &event.CostUSD, &event.Tokens, &payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, err
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (p *PostgresStore) NextSeq(ctx context.Context, sessionID string) (int64, error) {
	const query = `
		INSERT INTO session_event_sequences (session_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (session_id)
		DO UPDATE SET last_seq = session_event_sequences.last_seq + 1
		RETURNING last_seq
	`
	var seq int64
	if err := p.db.QueryRowContext(ctx, query, sessionID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var session store.Session
	var config, stages, subQuestions, sources []byte
	var finishedAt sql.NullString
	err := row.Scan(
		&session.ID, &session.Query, &session.Status, &config, &stages, &subQuestions, &sources,
		&session.Report, &session.Tokens, &session.CostUSD, &session.APICalls,
		&session.Error, &session.ErrorKind,
		&session.CreatedAt, &session.UpdatedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		session.FinishedAt = finishedAt.String
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &session.Config); err != nil {
			return nil, err
		}
	}
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &session.Stages); err != nil {
			return nil, err
		}
	}
	if len(subQuestions) > 0 {
		if err := json.Unmarshal(subQuestions, &session.SubQuestions); err != nil {
			return nil, err
		}
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &session.Sources); err != nil {
			return nil, err
		}
	}
	return &session, nil
}

func encodeSession(session store.Session) (config, stages, subQuestions, sources []byte, err error) {
	if config, err = json.Marshal(session.Config); err != nil {
		return
	}
	if stages, err = json.Marshal(session.Stages); err != nil {
		return
	}
	if subQuestions, err = json.Marshal(session.SubQuestions); err != nil {
		return
	}
	sources, err = json.Marshal(session.Sources)
	return
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
