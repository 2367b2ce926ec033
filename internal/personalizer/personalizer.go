// Package personalizer renders campaign templates against recipient fields.
//
// Both {field} and {{field}} placeholders are recognised. Unknown or empty
// fields render as the empty string, leftover brace tokens are stripped and
// whitespace is collapsed, so the output is always a clean single-spaced line.
package personalizer

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	FieldNextExamDue      = "next_exam_due"
	FieldRenewalDeadline  = "renewal_deadline"
	FieldDaysUntilRenewal = "days_until_renewal"

	// DeadlineLayout renders dates as M/D/YYYY.
	DeadlineLayout = "1/2/2006"
)

var (
	placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}|\{\s*([A-Za-z0-9_.-]+)\s*\}`)
	leftover    = regexp.MustCompile(`\{[^{}]*\}`)
	whitespace  = regexp.MustCompile(`\s+`)

	dateLayouts = []string{"2006-01-02", time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05"}
)

// Render substitutes fields into template. now anchors days_until_renewal.
func Render(template string, fields map[string]string, now time.Time) string {
	values := withComputed(fields, now)

	out := placeholder.ReplaceAllStringFunc(template, func(tok string) string {
		m := placeholder.FindStringSubmatch(tok)
		name := m[1]
		if name == "" {
			name = m[2]
		}
		return values[name]
	})

	for {
		stripped := leftover.ReplaceAllString(out, "")
		if stripped == out {
			break
		}
		out = stripped
	}

	return strings.TrimSpace(whitespace.ReplaceAllString(out, " "))
}

// Placeholders lists the distinct field names referenced by template.
func Placeholders(template string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func withComputed(fields map[string]string, now time.Time) map[string]string {
	values := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		values[k] = v
	}

	due, ok := ParseDate(fields[FieldNextExamDue])
	if !ok {
		return values
	}
	values[FieldRenewalDeadline] = due.Format(DeadlineLayout)
	values[FieldDaysUntilRenewal] = strconv.Itoa(DaysUntil(due, now))
	return values
}

// ParseDate accepts a bare date or an RFC3339 timestamp. Bare dates are UTC midnight.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// DaysUntil is the ceiling of the whole days from now to target; negative once target has passed.
func DaysUntil(target, now time.Time) int {
	return int(math.Ceil(target.Sub(now).Hours() / 24))
}
