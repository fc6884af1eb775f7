package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Statistics are the counts attached to a Result.
type Statistics struct {
	TotalPostings      int `json:"total_postings"`
	TotalMeasures      int `json:"total_measures"`
	DirectCosts        int `json:"direct_costs"`
	BookedMeasures     int `json:"booked_measures"`
	ParkedMeasures     int `json:"parked_measures"`
	UnassignedMeasures int `json:"unassigned_measures"`
	Outliers           int `json:"outliers"`
	Placeholders       int `json:"placeholders"`
	TotalTransactions  int `json:"total_transactions"`
	// ProcessedPostings is the number of postings classified in this run.
	// It equals TotalPostings for full runs.
	ProcessedPostings int `json:"processed_postings"`
}

// Result is one reconciliation snapshot.
//
// ParkedMeasures holds both *ParkedMeasure and *UnassignedMeasure values.
// Transactions is always DirectCosts ++ BookedMeasures ++ ParkedMeasures ++
// Outliers ++ Placeholders; use Finalize after editing the sub-lists.
type Result struct {
	SessionID   string    `json:"session_id,omitempty"`
	Mode        Mode      `json:"mode,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`

	Transactions   []Transaction    `json:"transactions"`
	DirectCosts    []*DirectCost    `json:"direct_costs"`
	BookedMeasures []*BookedMeasure `json:"booked_measures"`
	ParkedMeasures []Transaction    `json:"parked_measures"`
	Outliers       []*Outlier       `json:"outliers"`
	Placeholders   []*Placeholder   `json:"placeholders"`

	Statistics Statistics `json:"statistics"`
}

// Concat returns the category sub-lists in display order.
func (r *Result) Concat() []Transaction {
	out := make([]Transaction, 0, len(r.DirectCosts)+len(r.BookedMeasures)+len(r.ParkedMeasures)+len(r.Outliers)+len(r.Placeholders))
	for _, t := range r.DirectCosts {
		out = append(out, t)
	}
	for _, t := range r.BookedMeasures {
		out = append(out, t)
	}
	out = append(out, r.ParkedMeasures...)
	for _, t := range r.Outliers {
		out = append(out, t)
	}
	for _, t := range r.Placeholders {
		out = append(out, t)
	}
	return out
}

// Finalize rebuilds Transactions and the category counts from the
// sub-lists. Input counts are left to the caller.
func (r *Result) Finalize() {
	// Empty lists are written as [] rather than null.
	if r.DirectCosts == nil {
		r.DirectCosts = []*DirectCost{}
	}
	if r.BookedMeasures == nil {
		r.BookedMeasures = []*BookedMeasure{}
	}
	if r.ParkedMeasures == nil {
		r.ParkedMeasures = []Transaction{}
	}
	if r.Outliers == nil {
		r.Outliers = []*Outlier{}
	}
	if r.Placeholders == nil {
		r.Placeholders = []*Placeholder{}
	}
	r.Transactions = r.Concat()

	s := &r.Statistics
	s.DirectCosts = len(r.DirectCosts)
	s.BookedMeasures = len(r.BookedMeasures)
	s.ParkedMeasures, s.UnassignedMeasures = 0, 0
	for _, t := range r.ParkedMeasures {
		if t.Base().Category == CategoryUnassignedMeasure {
			s.UnassignedMeasures++
		} else {
			s.ParkedMeasures++
		}
	}
	s.Outliers = len(r.Outliers)
	s.Placeholders = len(r.Placeholders)
	s.TotalTransactions = len(r.Transactions)
}

type resultJSON struct {
	SessionID      string            `json:"session_id,omitempty"`
	Mode           Mode              `json:"mode,omitempty"`
	GeneratedAt    time.Time         `json:"generated_at"`
	DirectCosts    []*DirectCost     `json:"direct_costs"`
	BookedMeasures []*BookedMeasure  `json:"booked_measures"`
	ParkedMeasures []json.RawMessage `json:"parked_measures"`
	Outliers       []*Outlier        `json:"outliers"`
	Placeholders   []json.RawMessage `json:"placeholders"`
	Statistics     Statistics        `json:"statistics"`
}

// UnmarshalJSON decodes the sub-lists and rebuilds Transactions from them.
// The stored "transactions" array is redundant and ignored.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("Result: %w", err)
	}

	parked := make([]Transaction, 0, len(raw.ParkedMeasures))
	for i, m := range raw.ParkedMeasures {
		t, err := DecodeTransaction(m)
		if err != nil {
			return fmt.Errorf("Result: parked_measures[%d]: %w", i, err)
		}
		parked = append(parked, t)
	}

	placeholders := make([]*Placeholder, 0, len(raw.Placeholders))
	for i, p := range raw.Placeholders {
		ph, err := DecodePlaceholder(p)
		if err != nil {
			return fmt.Errorf("Result: placeholders[%d]: %w", i, err)
		}
		placeholders = append(placeholders, ph)
	}

	*r = Result{
		SessionID:      raw.SessionID,
		Mode:           raw.Mode,
		GeneratedAt:    raw.GeneratedAt,
		DirectCosts:    raw.DirectCosts,
		BookedMeasures: raw.BookedMeasures,
		ParkedMeasures: parked,
		Outliers:       raw.Outliers,
		Placeholders:   placeholders,
		Statistics:     raw.Statistics,
	}
	r.Transactions = r.Concat()
	return nil
}
