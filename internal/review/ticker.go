package review

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Ticker delivers periodic ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type intervalTicker struct {
	t *time.Ticker
}

// NewIntervalTicker ticks every d.
func NewIntervalTicker(d time.Duration) (Ticker, error) {
	if d <= 0 {
		return nil, fmt.Errorf("review: ticker: interval must be positive, got %s", d)
	}
	return &intervalTicker{t: time.NewTicker(d)}, nil
}

func (t *intervalTicker) C() <-chan time.Time { return t.t.C }
func (t *intervalTicker) Stop()               { t.t.Stop() }

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type cronTicker struct {
	sched cron.Schedule
	c     chan time.Time
	done  chan struct{}
	once  sync.Once
}

// NewCronTicker ticks at every fire time of a 5-field cron expression.
// Ticks are dropped while the receiver is busy.
func NewCronTicker(expr string) (Ticker, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("review: ticker: parse %q: %w", expr, err)
	}
	t := &cronTicker{
		sched: sched,
		c:     make(chan time.Time, 1),
		done:  make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (t *cronTicker) run() {
	for {
		d := time.Until(t.sched.Next(time.Now()))
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		select {
		case <-t.done:
			timer.Stop()
			return
		case now := <-timer.C:
			select {
			case t.c <- now:
			default:
			}
		}
	}
}

func (t *cronTicker) C() <-chan time.Time { return t.c }
func (t *cronTicker) Stop()               { t.once.Do(func() { close(t.done) }) }

// NewTicker returns a cron ticker when expr is set and an interval ticker
// otherwise.
func NewTicker(expr string, interval time.Duration) (Ticker, error) {
	if expr != "" {
		return NewCronTicker(expr)
	}
	return NewIntervalTicker(interval)
}
