package domain

import "time"

// PollerHealth is the Master Poller's self-reported health for the status
// surface. Degraded flips true after K consecutive poll failures.
type PollerHealth struct {
	LastPollAt          time.Time `json:"last_poll_at"`
	LastEventSeq        int64     `json:"last_event_seq"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Degraded            bool      `json:"degraded"`
}

// EngineStatus aggregates the whole status surface: per-account state, poll
// health, per-follower task counts by state, and outstanding discrepancies.
type EngineStatus struct {
	Mode          string                          `json:"mode"`
	StartedAt     time.Time                       `json:"started_at"`
	Poller        PollerHealth                    `json:"poller"`
	Accounts      []AccountStatus                 `json:"accounts"`
	TaskCounts    map[string]map[TaskState]int64  `json:"task_counts"` // followerID -> state -> count
	Discrepancies []Discrepancy                   `json:"discrepancies"`
	Activity      []string                        `json:"activity"`
}
