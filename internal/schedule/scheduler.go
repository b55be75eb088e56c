// Package schedule evaluates the reminder trigger table and the
// probabilistic work-hours trigger. All trigger state (last-fired dates,
// last-evaluated timestamp) lives here and is owned by the driver loop's
// synchronous tick step; nothing concurrent touches it.
package schedule

import (
	"log"
	"math/rand"
	"time"

	"github.com/Alex4210987/deepiMessage/internal/config"
)

type Kind int

const (
	KindFixedTime Kind = iota
	KindProbabilistic
)

// Trigger is one entry of the trigger table. lastFired, once set to today,
// suppresses re-firing until the date changes.
type Trigger struct {
	ID        int
	Kind      Kind
	Minute    int // fixed-time: minutes since midnight
	Prompt    string
	lastFired string // YYYY-MM-DD of the last fire
}

func (t *Trigger) firedToday(now time.Time) bool {
	return t.lastFired == dateKey(now)
}

type Scheduler struct {
	triggers []*Trigger

	check         config.CheckConfig
	checkInterval time.Duration
	checkTrigger  *Trigger
	lastEvaluated time.Time

	// randFloat is swapped out in tests; defaults to math/rand.
	randFloat func() float64
}

// New builds the trigger table from configuration. Reminders with an
// unparseable time are dropped with a log line rather than failing startup.
func New(cfg config.ScheduleConfig, checkInterval time.Duration) *Scheduler {
	s := &Scheduler{
		check:         cfg.Check,
		checkInterval: checkInterval,
		randFloat:     rand.Float64,
	}
	for i, r := range cfg.Reminders {
		minute, err := config.ParseTimeOfDay(r.Time)
		if err != nil {
			log.Printf("schedule: dropping reminder %d with bad time %q: %v", i, r.Time, err)
			continue
		}
		s.triggers = append(s.triggers, &Trigger{
			ID:     i,
			Kind:   KindFixedTime,
			Minute: minute,
			Prompt: r.Prompt,
		})
	}
	if cfg.Check.Probability > 0 {
		s.checkTrigger = &Trigger{
			ID:     len(s.triggers),
			Kind:   KindProbabilistic,
			Prompt: cfg.Check.Prompt,
		}
	}
	return s
}

// Len reports the number of configured fixed-time triggers.
func (s *Scheduler) Len() int { return len(s.triggers) }

// Evaluate returns the triggers ready to fire at now and marks them fired.
// Fixed-time triggers match on the exact minute and fire at most once per
// calendar date. The probabilistic trigger is considered at most once per
// interval, only inside its hour window, and fires when a uniform draw lands
// under the configured probability; the evaluation timestamp advances whether
// or not it fires.
func (s *Scheduler) Evaluate(now time.Time) []*Trigger {
	var ready []*Trigger

	minute := now.Hour()*60 + now.Minute()
	for _, t := range s.triggers {
		if t.Minute != minute || t.firedToday(now) {
			continue
		}
		t.lastFired = dateKey(now)
		ready = append(ready, t)
	}

	if s.checkTrigger != nil && s.inWindow(now) {
		if s.lastEvaluated.IsZero() || now.Sub(s.lastEvaluated) >= s.checkInterval {
			s.lastEvaluated = now
			if s.randFloat() < s.check.Probability {
				s.checkTrigger.lastFired = dateKey(now)
				ready = append(ready, s.checkTrigger)
			}
		}
	}

	return ready
}

func (s *Scheduler) inWindow(now time.Time) bool {
	h := now.Hour()
	return h >= s.check.StartHour && h < s.check.EndHour
}

func dateKey(now time.Time) string {
	return now.Format("2006-01-02")
}
