package bigquery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/storage"
)

const sessionsTable = "processing_sessions"

// SessionRow mirrors one row of processing_sessions.
type SessionRow struct {
	SessionID string `bigquery:"session_id"` // REQUIRED
	BatchID   string `bigquery:"batch_id"`   // NULLABLE
	Mode      string `bigquery:"mode"`       // REQUIRED

	StartedTS  time.Time              `bigquery:"started_ts"`  // REQUIRED
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	Status       string `bigquery:"status"`        // REQUIRED
	ErrorMessage string `bigquery:"error_message"` // NULLABLE

	Counts bigquery.NullJSON `bigquery:"counts"` // NULLABLE
}

// SessionRowFrom converts a session for storage.
func SessionRowFrom(s *domain.Session) (SessionRow, error) {
	counts, err := json.Marshal(s.Counts)
	if err != nil {
		return SessionRow{}, fmt.Errorf("encode counts: %w", err)
	}
	row := SessionRow{
		SessionID:    s.SessionID,
		BatchID:      s.BatchID,
		Mode:         string(s.Mode),
		StartedTS:    s.StartedAt,
		Status:       string(s.Status),
		ErrorMessage: s.ErrorMessage,
		Counts:       bigquery.NullJSON{JSONVal: string(counts), Valid: true},
	}
	if s.FinishedAt != nil {
		row.FinishedTS = bigquery.NullTimestamp{Timestamp: *s.FinishedAt, Valid: true}
	}
	return row, nil
}

// Session converts a stored row back. Unreadable counts are left zero.
func (r SessionRow) Session() *domain.Session {
	s := &domain.Session{
		SessionID:    r.SessionID,
		BatchID:      r.BatchID,
		Mode:         domain.Mode(r.Mode),
		Status:       domain.SessionStatus(r.Status),
		StartedAt:    r.StartedTS,
		ErrorMessage: r.ErrorMessage,
	}
	if r.FinishedTS.Valid {
		t := r.FinishedTS.Timestamp
		s.FinishedAt = &t
	}
	if r.Counts.Valid {
		_ = json.Unmarshal([]byte(r.Counts.JSONVal), &s.Counts)
	}
	return s
}

// SessionStore keeps run audit rows in processing_sessions.
type SessionStore struct {
	c *Client
}

var _ storage.SessionStore = (*SessionStore)(nil)

// NewSessionStore returns a session store over c's dataset.
func NewSessionStore(c *Client) *SessionStore {
	return &SessionStore{c: c}
}

// CreateSession inserts the session row with its initial status.
func (s *SessionStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	row, err := SessionRowFrom(sess)
	if err != nil {
		return fmt.Errorf("CreateSession: %w", err)
	}
	ref, err := s.c.table(sessionsTable)
	if err != nil {
		return fmt.Errorf("CreateSession: %w", err)
	}

	sql := fmt.Sprintf(`
		INSERT %s (
			session_id,
			batch_id,
			mode,
			started_ts,
			status,
			counts
		)
		VALUES (
			@session_id,
			@batch_id,
			@mode,
			@started_ts,
			@status,
			PARSE_JSON(@counts)
		)
	`, ref)
	params := []bigquery.QueryParameter{
		{Name: "session_id", Value: row.SessionID},
		{Name: "batch_id", Value: row.BatchID},
		{Name: "mode", Value: row.Mode},
		{Name: "started_ts", Value: row.StartedTS},
		{Name: "status", Value: row.Status},
		{Name: "counts", Value: row.Counts.JSONVal},
	}
	if err := s.c.exec(ctx, sql, params); err != nil {
		return fmt.Errorf("CreateSession: %w", err)
	}
	return nil
}

// UpdateSession writes the mutable fields: mode, status, finish time,
// error message and counts.
func (s *SessionStore) UpdateSession(ctx context.Context, sess *domain.Session) error {
	row, err := SessionRowFrom(sess)
	if err != nil {
		return fmt.Errorf("UpdateSession: %w", err)
	}
	ref, err := s.c.table(sessionsTable)
	if err != nil {
		return fmt.Errorf("UpdateSession: %w", err)
	}

	sql := fmt.Sprintf(`
		UPDATE %s
		SET mode = @mode,
		    status = @status,
		    finished_ts = @finished_ts,
		    error_message = @error_message,
		    counts = PARSE_JSON(@counts)
		WHERE session_id = @session_id
	`, ref)
	params := []bigquery.QueryParameter{
		{Name: "mode", Value: row.Mode},
		{Name: "status", Value: row.Status},
		{Name: "finished_ts", Value: row.FinishedTS},
		{Name: "error_message", Value: row.ErrorMessage},
		{Name: "counts", Value: row.Counts.JSONVal},
		{Name: "session_id", Value: row.SessionID},
	}
	if err := s.c.exec(ctx, sql, params); err != nil {
		return fmt.Errorf("UpdateSession: %w", err)
	}
	return nil
}

// ListSessions returns the most recent sessions first.
func (s *SessionStore) ListSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	ref, err := s.c.table(sessionsTable)
	if err != nil {
		return nil, fmt.Errorf("ListSessions: %w", err)
	}
	if limit <= 0 {
		limit = 50
	}

	q := s.c.bq.Query(fmt.Sprintf(`
		SELECT
			session_id,
			batch_id,
			mode,
			started_ts,
			finished_ts,
			status,
			error_message,
			counts
		FROM %s
		ORDER BY started_ts DESC
		LIMIT @limit
	`, ref))
	q.Parameters = []bigquery.QueryParameter{{Name: "limit", Value: limit}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListSessions: reading query: %w", err)
	}

	var sessions []*domain.Session
	for {
		var row SessionRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListSessions: iterating: %w", err)
		}
		sessions = append(sessions, row.Session())
	}
	return sessions, nil
}
