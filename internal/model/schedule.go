package model

import (
	"time"
)

// RecurringTemplate describes a task batch instantiated on a cron schedule,
// e.g. a nightly regression sweep. Task ids inside the template are
// relative; each firing re-bases them onto fresh ids.
type RecurringTemplate struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Expression  string     `json:"expression"`
	Tasks       []Task     `json:"tasks"`
	Enabled     bool       `json:"enabled"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
