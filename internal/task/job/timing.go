package job

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser requires the seconds field: "sec min hour dom month dow".
// Descriptors like @hourly and @every are accepted as well.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Timing is exactly one of a fixed interval or a cron expression.
type Timing struct {
	Interval time.Duration
	Cron     string
}

// Every returns an interval timing.
func Every(d time.Duration) Timing { return Timing{Interval: d} }

// CronExpr returns a cron timing.
func CronExpr(expr string) Timing { return Timing{Cron: expr} }

// IsCron reports whether the timing is cron-driven.
func (t Timing) IsCron() bool { return t.Cron != "" }

func (t Timing) String() string {
	if t.IsCron() {
		return "cron:" + t.Cron
	}
	return "every:" + t.Interval.String()
}

// Schedule yields successive due times.
type Schedule interface {
	Next(time.Time) time.Time
}

type intervalSchedule time.Duration

func (s intervalSchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(s)) }

// Compile validates the timing and returns its schedule. For an interval,
// Next(t) is t plus the interval; for cron, it is the first match after t.
func (t Timing) Compile() (Schedule, error) {
	expr := strings.TrimSpace(t.Cron)
	switch {
	case expr != "" && t.Interval != 0:
		return nil, errors.New("set exactly one of interval_seconds and cron_expression")
	case expr != "":
		s, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q (want 'sec min hour dom month dow'): %w", t.Cron, err)
		}
		// Next returns the zero time when nothing matches within five years.
		if s.Next(time.Now()).IsZero() {
			return nil, fmt.Errorf("cron %q never matches", t.Cron)
		}
		return s, nil
	case t.Interval > 0:
		return intervalSchedule(t.Interval), nil
	case t.Interval < 0:
		return nil, errors.New("interval must be > 0")
	default:
		return nil, errors.New("one of interval_seconds or cron_expression is required")
	}
}

// ParseInterval reads an interval written as a Go duration ("90s", "2h30m")
// or as plain seconds ("60").
func ParseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.New("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, serr := strconv.ParseInt(v, 10, 64)
		if serr != nil {
			return 0, fmt.Errorf("invalid interval %q (use seconds like '60' or a duration like '55m')", v)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	return d, nil
}
