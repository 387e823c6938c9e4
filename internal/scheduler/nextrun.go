package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// ValidateSchedule rejects malformed schedule specs before a task is created.
func ValidateSchedule(scheduleType, scheduleValue string) error {
	switch scheduleType {
	case store.ScheduleCron:
		if !gronx.New().IsValid(scheduleValue) {
			return fmt.Errorf("invalid cron expression %q", scheduleValue)
		}
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("interval must be a positive millisecond count, got %q", scheduleValue)
		}
	case store.ScheduleOnce:
		if scheduleValue != "" {
			if _, err := time.Parse(time.RFC3339, scheduleValue); err != nil {
				return fmt.Errorf("once value must be RFC3339 or empty, got %q", scheduleValue)
			}
		}
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return nil
}

// nextRun computes the task's next firing after a completed run. A nil result
// means the task never fires again (once tasks).
func (s *Scheduler) nextRun(t *store.Task, now time.Time) (*time.Time, error) {
	switch t.ScheduleType {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(t.ScheduleValue, now.In(s.loc), false)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", t.ScheduleValue, err)
		}
		next = next.UTC()
		return &next, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(t.ScheduleValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("interval %q: %w", t.ScheduleValue, err)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond).UTC()
		return &next, nil
	case store.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", t.ScheduleType)
	}
}

// initialRun computes the first firing for a newly created task.
func (s *Scheduler) initialRun(scheduleType, scheduleValue string, now time.Time) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(scheduleValue, now.In(s.loc), false)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", scheduleValue, err)
		}
		next = next.UTC()
		return &next, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("interval %q: %w", scheduleValue, err)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond).UTC()
		return &next, nil
	case store.ScheduleOnce:
		if scheduleValue == "" {
			n := now.UTC()
			return &n, nil
		}
		at, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("once %q: %w", scheduleValue, err)
		}
		at = at.UTC()
		return &at, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}
