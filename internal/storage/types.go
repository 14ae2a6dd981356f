package storage

import (
	"errors"
	"time"

	"datawatch/internal/task/producer"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines at <path without ext>.fires.jsonl
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
	Retention   time.Duration // sqlite only; 0 keeps everything
}

// FireRecord is one audited fire. Keep it compact and schema-stable.
type FireRecord struct {
	At           time.Time `json:"at"`
	ProducerID   string    `json:"producer_id"`
	Source       string    `json:"source"`
	Fire         uint64    `json:"fire"`
	Outcome      string    `json:"outcome"`
	Status       int       `json:"status,omitempty"`
	TookMS       int64     `json:"took_ms"`
	Measurements int       `json:"measurements,omitempty"`
	Pairs        int       `json:"pairs,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// RecordFromReport converts a producer report.
func RecordFromReport(r producer.Report) FireRecord {
	rec := FireRecord{
		At:           r.Started,
		ProducerID:   r.ProducerID,
		Source:       r.Source,
		Fire:         r.Fire,
		Outcome:      string(r.Outcome),
		Status:       r.Status,
		TookMS:       r.Took.Milliseconds(),
		Measurements: r.Measurements,
		Pairs:        r.Pairs,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}
