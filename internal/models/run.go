package models

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

type UnitStatus string

const (
	UnitSuccess   UnitStatus = "success"
	UnitFailed    UnitStatus = "failed"
	UnitCancelled UnitStatus = "cancelled"
)

// Counts tracks records through a unit or run. Fetched - Rejected is the
// number of records handed to the store, and equals
// Inserted + Updated + Unchanged + Failed.
type Counts struct {
	Fetched   int `json:"fetched"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

func (c *Counts) Add(o Counts) {
	c.Fetched += o.Fetched
	c.Inserted += o.Inserted
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
	c.Failed += o.Failed
	c.Rejected += o.Rejected
}

func (c Counts) Attempted() int { return c.Fetched - c.Rejected }

func (c Counts) Balanced() bool {
	return c.Inserted+c.Updated+c.Unchanged+c.Failed == c.Attempted()
}

// CollectionRun is the audit record of one execution of one or more adapters.
type CollectionRun struct {
	ID         int64      `json:"id"`
	Adapters   []string   `json:"adapters"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Status     RunStatus  `json:"status"`
	Counts
	Errors []string  `json:"errors"`
	Units  []RunUnit `json:"units,omitempty"`
}

// RunUnit is the outcome of one adapter fetching one location.
type RunUnit struct {
	RunID      int64      `json:"run_id"`
	Adapter    string     `json:"adapter"`
	LocationID string     `json:"location_id"`
	Status     UnitStatus `json:"status"`
	Counts
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// DeriveStatus maps unit outcomes onto a terminal run status. A run with no
// units has nothing left undone and counts as a success.
func DeriveStatus(units []RunUnit) RunStatus {
	var ok, bad int
	for _, u := range units {
		if u.Status == UnitSuccess {
			ok++
		} else {
			bad++
		}
	}
	switch {
	case bad == 0:
		return RunSuccess
	case ok == 0:
		return RunFailed
	default:
		return RunPartial
	}
}

// LastSuccess is the most recent successful unit for an adapter/location pair.
type LastSuccess struct {
	Adapter    string    `json:"adapter"`
	LocationID string    `json:"location_id"`
	RunID      int64     `json:"run_id"`
	FinishedAt time.Time `json:"finished_at"`
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Validate() error {
	if !w.End.After(w.Start) {
		return fmt.Errorf("window end %s must be after start %s", w.End, w.Start)
	}
	return nil
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Split cuts the window into consecutive chunks no longer than max.
func (w Window) Split(max time.Duration) []Window {
	if max <= 0 {
		return []Window{w}
	}
	var out []Window
	for start := w.Start; start.Before(w.End); start = start.Add(max) {
		end := start.Add(max)
		if end.After(w.End) {
			end = w.End
		}
		out = append(out, Window{Start: start, End: end})
	}
	return out
}
