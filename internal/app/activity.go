package app

import (
	"fmt"
	"sync"
	"time"
)

// activityLog is a fixed-capacity ring of recent human-readable engine
// events, surfaced on the status endpoint so the dashboard has a short
// history without querying the stores.
type activityLog struct {
	mu      sync.Mutex
	entries []string
	next    int
	full    bool
}

const activityCapacity = 50

func newActivityLog() *activityLog {
	return &activityLog{entries: make([]string, activityCapacity)}
}

// Addf records a timestamped entry, evicting the oldest once full.
func (l *activityLog) Addf(format string, args ...any) {
	line := time.Now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = line
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Snapshot returns the recorded entries, oldest first.
func (l *activityLog) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]string, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]string, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}
