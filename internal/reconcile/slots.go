package reconcile

import (
	"sort"
	"time"
)

// Slot is one tracked activity interval reported by a time-tracking
// provider. Tracked is the recorded duration of the interval.
type Slot struct {
	SourceID  string
	UserID    string
	ProjectID string
	TaskID    string
	StartsAt  time.Time
	Tracked   time.Duration
	Keyboard  int
	Mouse     int
	Overall   int
	// Client is the reporting client tag; desktop clients mean tracked
	// time, everything else is a manual entry.
	Client string
}

// trackedClient is the client tag that classifies a slot as tracked time.
const trackedClient = "desktop"

// AssembledLog is one contiguous time log built from overlapping slots.
// Its source id is the first slot's id, which keeps re-assembly of the
// same slot set idempotent under the write-once TimeLog policy.
type AssembledLog struct {
	SourceID  string
	UserID    string
	TaskID    string
	StartedAt time.Time
	StoppedAt time.Time
	LogType   string // "tracked" or "manual"
	Slots     []Slot
}

// AssembleTimeLogs merges overlapping or touching slot intervals into
// contiguous time logs. Providers report activity in fixed-width slots; a
// continuous work session arrives as a run of adjacent slots that belongs
// in a single canonical time log.
func AssembleTimeLogs(slots []Slot) []AssembledLog {
	if len(slots) == 0 {
		return nil
	}

	sorted := make([]Slot, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartsAt.Before(sorted[j].StartsAt)
	})

	var logs []AssembledLog

	current := newLog(sorted[0])

	for _, s := range sorted[1:] {
		if s.StartsAt.After(current.StoppedAt) {
			logs = append(logs, current)
			current = newLog(s)

			continue
		}

		// Overlapping or adjacent: extend the open log.
		if end := slotEnd(s); end.After(current.StoppedAt) {
			current.StoppedAt = end
		}

		current.Slots = append(current.Slots, s)
		// The last slot in the run decides the log type.
		current.LogType = logType(s)
	}

	logs = append(logs, current)

	return logs
}

func newLog(s Slot) AssembledLog {
	return AssembledLog{
		SourceID:  s.SourceID,
		UserID:    s.UserID,
		TaskID:    s.TaskID,
		StartedAt: s.StartsAt,
		StoppedAt: slotEnd(s),
		LogType:   logType(s),
		Slots:     []Slot{s},
	}
}

func slotEnd(s Slot) time.Time {
	return s.StartsAt.Add(s.Tracked)
}

func logType(s Slot) string {
	if s.Client == trackedClient {
		return "tracked"
	}

	return "manual"
}
