package process

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/weft/errors"
)

// cronParser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// TimerDefinition says when a timer fires. Exactly one field is set.
type TimerDefinition struct {
	Date     time.Time
	Duration time.Duration
	Cycle    string

	schedule cron.Schedule
}

// Duration fires d after the timer is reached.
func Duration(d time.Duration) TimerDefinition {
	return TimerDefinition{Duration: d}
}

// Date fires at t.
func Date(t time.Time) TimerDefinition {
	return TimerDefinition{Date: t.UTC()}
}

// Cycle fires on every time matched by a cron expression.
func Cycle(expression string) TimerDefinition {
	return TimerDefinition{Cycle: expression}
}

// ParseCycle validates a cron expression.
func ParseCycle(expression string) (cron.Schedule, error) {
	s, err := cronParser.Parse(expression)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timer cycle %q", expression)
	}
	return s, nil
}

func (t *TimerDefinition) validate() error {
	set := 0
	if !t.Date.IsZero() {
		set++
	}
	if t.Duration != 0 {
		set++
		if t.Duration < 0 {
			return errors.Newf("timer duration must be positive, got %s", t.Duration)
		}
	}
	if t.Cycle != "" {
		set++
		s, err := ParseCycle(t.Cycle)
		if err != nil {
			return err
		}
		t.schedule = s
	}
	if set != 1 {
		return errors.New("timer needs exactly one of date, duration or cycle")
	}
	return nil
}

// IsCycle reports whether the timer repeats.
func (t *TimerDefinition) IsCycle() bool { return t.Cycle != "" }

// DueDate returns the first firing time for a timer reached at now.
func (t *TimerDefinition) DueDate(now time.Time) time.Time {
	switch {
	case t.Cycle != "":
		return t.Next(now)
	case !t.Date.IsZero():
		return t.Date
	default:
		return now.Add(t.Duration)
	}
}

// Next returns the next cycle time strictly after after. For non-cycle
// timers it returns the zero time.
func (t *TimerDefinition) Next(after time.Time) time.Time {
	if t.Cycle == "" {
		return time.Time{}
	}
	s := t.schedule
	if s == nil {
		var err error
		if s, err = ParseCycle(t.Cycle); err != nil {
			return time.Time{}
		}
	}
	return s.Next(after.UTC()).UTC().Truncate(time.Millisecond)
}
