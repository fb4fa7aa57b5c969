package billing

import (
	"strconv"
	"strings"
	"time"
)

// DueSchedules returns the reconciler schedules that fire at the given
// minute. catalogCron is the configured catalog expression; duplicates with
// the built-in schedules collapse to one entry.
func DueSchedules(now time.Time, catalogCron string) []string {
	var due []string
	seen := map[string]bool{}
	for _, schedule := range []string{scheduleRetry, scheduleGrace, catalogCron, scheduleCleanup} {
		if schedule == "" || seen[schedule] {
			continue
		}
		seen[schedule] = true
		if cronMatches(schedule, now) {
			due = append(due, schedule)
		}
	}
	return due
}

// cronMatches evaluates a five-field cron expression against a timestamp.
// Supported field forms: "*", "*/n", "n" and "a,b,c". That covers every
// schedule the reconciler recognizes; unparseable expressions never match.
func cronMatches(expr string, t time.Time) bool {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return false
	}
	values := []int{t.Minute(), t.Hour(), t.Day(), int(t.Month()), int(t.Weekday())}
	for i, field := range fields {
		if !cronFieldMatches(field, values[i]) {
			return false
		}
	}
	return true
}

func cronFieldMatches(field string, value int) bool {
	if field == "*" {
		return true
	}
	if step, ok := strings.CutPrefix(field, "*/"); ok {
		n, err := strconv.Atoi(step)
		return err == nil && n > 0 && value%n == 0
	}
	for _, part := range strings.Split(field, ",") {
		n, err := strconv.Atoi(part)
		if err == nil && n == value {
			return true
		}
	}
	return false
}
