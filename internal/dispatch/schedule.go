package dispatch

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind is the normalized kind of a tick schedule string.
type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

// ParsedSchedule is a parsed tick schedule.
//
// Supported forms:
//   - Interval duration: "1s", "500ms"
//   - Interval HH:MM: "00:01" (one minute)
//   - Cron with optional seconds field: "*/2 * * * * *", "@every 2s"
//
// "cron:" forces cron parsing; "interval:" or "every:" force interval parsing.
type ParsedSchedule struct {
	Kind  ScheduleKind
	Cron  string
	Every time.Duration
}

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule parses raw into a cron expression or a fixed interval.
func ParseSchedule(raw string) (ParsedSchedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSchedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSchedule{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSchedule{Kind: ScheduleCron, Cron: expr}, nil
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSchedule{Kind: ScheduleCron, Cron: s}, nil
	}
	if p, err := parseInterval(s); err == nil {
		return p, nil
	}
	return ParsedSchedule{}, fmt.Errorf(
		"invalid schedule %q (use a duration like '1s', HH:MM like '00:01', or cron like '*/2 * * * * *')", raw)
}

func parseInterval(v string) (ParsedSchedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSchedule{}, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		var hh, mm int
		fmt.Sscanf(m[1], "%d", &hh)
		fmt.Sscanf(m[2], "%d", &mm)
		if mm > 59 {
			return ParsedSchedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return ParsedSchedule{}, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return ParsedSchedule{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSchedule{Kind: ScheduleInterval, Every: d}, nil
}

// Schedule returns the robfig/cron schedule that drives the tick loop.
func (p ParsedSchedule) Schedule() (cron.Schedule, error) {
	if p.Kind == ScheduleInterval {
		return intervalSchedule(p.Every), nil
	}
	sched, err := cronParser.Parse(p.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", p.Cron, err)
	}
	return sched, nil
}

// intervalSchedule is cron.Every without its whole-second rounding, so
// sub-second ticks stay possible.
type intervalSchedule time.Duration

func (s intervalSchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(s)) }
