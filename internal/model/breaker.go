package model

import "time"

// BreakerState is the persisted position of the execution circuit breaker,
// restored at boot so a restart cannot forget an open breaker. State carries
// the breaker package's state string; unknown values restore to closed.
type BreakerState struct {
	State             string     `json:"state"`
	ConsecutiveFails  int        `json:"consecutive_failures"`
	HalfOpenSuccesses int        `json:"half_open_successes"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	Opens             int64      `json:"opens"`
	TotalFailures     int64      `json:"total_failures"`
	TotalSuccesses    int64      `json:"total_successes"`
	LastSuccess       *time.Time `json:"last_success,omitempty"`
	LastFailure       *time.Time `json:"last_failure,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
