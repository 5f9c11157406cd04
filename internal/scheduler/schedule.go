// Package scheduler runs persisted jobs by replaying their prompts through
// the chat orchestrator on a timer.
package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/relay/pkg/models"
)

// Schedule is the parsed cadence of a job. The cron spec is persisted at
// creation so the description is never re-parsed on later cycles.
type Schedule struct {
	Kind     models.JobKind
	CronSpec string    // recurring jobs
	RunAt    time.Time // one-shot jobs
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun computes the next instant for a recurring cron spec after now.
func NextRun(spec string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched.Next(now), nil
}

var (
	everyUnitRe  = regexp.MustCompile(`(?i)^every\s+(\d+)?\s*(minute|min|hour|day|week)s?(?:\s+at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?$`)
	weekdayAtRe  = regexp.MustCompile(`(?i)^every\s+(weekday|monday|tuesday|wednesday|thursday|friday|saturday|sunday)s?\s+at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	inDurationRe = regexp.MustCompile(`(?i)^in\s+(\d+)\s*(second|sec|minute|min|hour|day)s?$`)
	atClockRe    = regexp.MustCompile(`(?i)^(?:at\s+|tomorrow\s+at\s+)(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

var dowNumbers = map[string]string{
	"sunday": "0", "monday": "1", "tuesday": "2", "wednesday": "3",
	"thursday": "4", "friday": "5", "saturday": "6", "weekday": "1-5",
}

// ParseSchedule derives a structured schedule from a free-form cadence
// phrase. Raw cron expressions and @-descriptors pass straight through.
func ParseSchedule(text string, now time.Time) (*Schedule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	// Raw cron or @-descriptor.
	if strings.HasPrefix(text, "@") || looksLikeCron(text) {
		if _, err := cronParser.Parse(text); err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", text, err)
		}
		return &Schedule{Kind: models.JobRecurring, CronSpec: text}, nil
	}

	if m := inDurationRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		var d time.Duration
		switch strings.ToLower(m[2]) {
		case "second", "sec":
			d = time.Duration(n) * time.Second
		case "minute", "min":
			d = time.Duration(n) * time.Minute
		case "hour":
			d = time.Duration(n) * time.Hour
		case "day":
			d = time.Duration(n) * 24 * time.Hour
		}
		return &Schedule{Kind: models.JobOnce, RunAt: now.Add(d)}, nil
	}

	if m := atClockRe.FindStringSubmatch(text); m != nil {
		hour, minute := clockParts(m[1], m[2], m[3])
		runAt := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !runAt.After(now) || strings.HasPrefix(strings.ToLower(text), "tomorrow") {
			runAt = runAt.Add(24 * time.Hour)
		}
		return &Schedule{Kind: models.JobOnce, RunAt: runAt}, nil
	}

	if m := weekdayAtRe.FindStringSubmatch(text); m != nil {
		hour, minute := clockParts(m[2], m[3], m[4])
		dow := dowNumbers[strings.ToLower(m[1])]
		return &Schedule{
			Kind:     models.JobRecurring,
			CronSpec: fmt.Sprintf("%d %d * * %s", minute, hour, dow),
		}, nil
	}

	if m := everyUnitRe.FindStringSubmatch(text); m != nil {
		n := 1
		if m[1] != "" {
			n, _ = strconv.Atoi(m[1])
		}
		unit := strings.ToLower(m[2])
		switch unit {
		case "minute", "min":
			return &Schedule{Kind: models.JobRecurring, CronSpec: fmt.Sprintf("@every %dm", n)}, nil
		case "hour":
			return &Schedule{Kind: models.JobRecurring, CronSpec: fmt.Sprintf("@every %dh", n)}, nil
		case "day":
			if m[3] != "" {
				hour, minute := clockParts(m[3], m[4], m[5])
				return &Schedule{
					Kind:     models.JobRecurring,
					CronSpec: fmt.Sprintf("%d %d * * *", minute, hour),
				}, nil
			}
			return &Schedule{Kind: models.JobRecurring, CronSpec: "@daily"}, nil
		case "week":
			return &Schedule{Kind: models.JobRecurring, CronSpec: "@weekly"}, nil
		}
	}

	return nil, fmt.Errorf("unrecognized schedule: %q", text)
}

func clockParts(hourStr, minuteStr, meridiem string) (int, int) {
	hour, _ := strconv.Atoi(hourStr)
	minute := 0
	if minuteStr != "" {
		minute, _ = strconv.Atoi(minuteStr)
	}
	switch strings.ToLower(meridiem) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	return hour, minute
}

func looksLikeCron(text string) bool {
	return len(strings.Fields(text)) == 5
}
