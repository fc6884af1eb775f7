package domain

import "time"

// Mode is how a run selects the postings it classifies.
type Mode string

const (
	ModeFull        Mode = "FULL"
	ModeIncremental Mode = "INCREMENTAL"
	// ModeFullFallback is an incremental run that had to reprocess everything.
	ModeFullFallback Mode = "FULL_FALLBACK"
)

// ParseMode accepts the mode names case-sensitively as stored.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeFull, ModeIncremental:
		return Mode(s), true
	}
	return "", false
}

// TrackingRecord is the last seen content hash of one source row.
type TrackingRecord struct {
	TableName    string    `json:"table_name"`
	RecordID     string    `json:"record_id"`
	ContentHash  string    `json:"content_hash"`
	BatchID      string    `json:"batch_id"`
	LastModified time.Time `json:"last_modified"`
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "RUNNING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
)

// MaxSessionErrorLen bounds the stored error message.
const MaxSessionErrorLen = 2000

// SessionCounts are the row counts recorded for a run.
type SessionCounts struct {
	Postings          int `json:"postings"`
	Measures          int `json:"measures"`
	NewRecords        int `json:"new_records"`
	ChangedRecords    int `json:"changed_records"`
	UnchangedRecords  int `json:"unchanged_records"`
	ProcessedPostings int `json:"processed_postings"`
	Transactions      int `json:"transactions"`
}

// Session is the audit row of one processing run.
type Session struct {
	SessionID    string        `json:"session_id"`
	BatchID      string        `json:"batch_id"`
	Mode         Mode          `json:"mode"`
	Status       SessionStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Counts       SessionCounts `json:"counts"`
}

// Finish sets the terminal status. Error messages are truncated.
func (s *Session) Finish(status SessionStatus, at time.Time, runErr error) {
	s.Status = status
	s.FinishedAt = &at
	if runErr != nil {
		msg := runErr.Error()
		if len(msg) > MaxSessionErrorLen {
			msg = msg[:MaxSessionErrorLen]
		}
		s.ErrorMessage = msg
	}
}
