// Package rebootwindow decides whether the node may reboot at a given time.
//
// Rules have the form "DAYS HH:MM-[DAYS] HH:MM", e.g. "Mon-Fri 22:00-06:00",
// "Sat 23:00-Sun 04:00" or "* 02:00-03:00". DAYS is "*", a day name, a
// comma separated list or a range; it defaults to every day. A range whose
// end lies before its start wraps over midnight, or over the week when both
// ends name a day.
package rebootwindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	minutesPerDay  = 24 * 60
	minutesPerWeek = 7 * minutesPerDay
)

// Policy holds parsed allow and deny rules. The zero value and a nil Policy
// allow every reboot.
type Policy struct {
	allow []span
	deny  []span
	loc   *time.Location
}

// Verdict is the result of checking one point in time.
type Verdict struct {
	Allowed bool
	// Rule is the matching allow or deny rule, empty when none matched.
	Rule string
	// Reason is "deny" or "outside_allow" for refusals and empty otherwise.
	Reason string
}

// span covers [from, to) in minutes since Sunday 00:00.
type span struct {
	from, to int
	rule     string
}

// Parse builds a Policy. It returns nil when no rules are given. Times are
// interpreted in loc, or in the local zone when loc is nil.
func Parse(allow, deny []string, loc *time.Location) (*Policy, error) {
	if len(allow) == 0 && len(deny) == 0 {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}
	p := &Policy{loc: loc}
	var err error
	if p.deny, err = parseRules("deny", deny); err != nil {
		return nil, err
	}
	if p.allow, err = parseRules("allow", allow); err != nil {
		return nil, err
	}
	return p, nil
}

func parseRules(group string, rules []string) ([]span, error) {
	var out []span
	for i, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			return nil, fmt.Errorf("%s[%d]: rule must not be empty", group, i)
		}
		spans, err := parseRule(rule)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", group, i, err)
		}
		out = append(out, spans...)
	}
	return out, nil
}

// Check evaluates t. Deny rules win over allow rules; when allow rules
// exist, t must fall into one of them.
func (p *Policy) Check(t time.Time) Verdict {
	if p == nil {
		return Verdict{Allowed: true}
	}
	minute := minuteOfWeek(t.In(p.loc))
	for _, s := range p.deny {
		if s.contains(minute) {
			return Verdict{Rule: s.rule, Reason: "deny"}
		}
	}
	if len(p.allow) == 0 {
		return Verdict{Allowed: true}
	}
	for _, s := range p.allow {
		if s.contains(minute) {
			return Verdict{Allowed: true, Rule: s.rule}
		}
	}
	return Verdict{Reason: "outside_allow"}
}

// NextOpening returns the earliest time after t at which Check allows a
// reboot, or the zero time when the rules never allow one.
func (p *Policy) NextOpening(t time.Time) time.Time {
	if p == nil {
		return t
	}
	local := t.In(p.loc).Truncate(time.Minute)
	now := minuteOfWeek(local)
	best := -1
	consider := func(edge int) {
		delta := ((edge-now)%minutesPerWeek + minutesPerWeek) % minutesPerWeek
		if delta == 0 {
			delta = minutesPerWeek
		}
		if best >= 0 && delta >= best {
			return
		}
		if p.Check(local.Add(time.Duration(delta) * time.Minute)).Allowed {
			best = delta
		}
	}
	for _, s := range p.allow {
		consider(s.from)
	}
	for _, s := range p.deny {
		consider(s.to % minutesPerWeek)
	}
	if best < 0 {
		return time.Time{}
	}
	return local.Add(time.Duration(best) * time.Minute)
}

func (s span) contains(minute int) bool {
	return minute >= s.from && minute < s.to
}

func minuteOfWeek(t time.Time) int {
	return int(t.Weekday())*minutesPerDay + t.Hour()*60 + t.Minute()
}

func parseRule(rule string) ([]span, error) {
	// The range dash is the first one after the start clock; day ranges
	// before it carry their own dashes.
	colon := strings.IndexByte(rule, ':')
	if colon < 0 {
		return nil, fmt.Errorf("rule %q has no time of day", rule)
	}
	dash := strings.IndexByte(rule[colon:], '-')
	if dash < 0 {
		return nil, fmt.Errorf("rule %q has no '-' between start and end", rule)
	}
	dash += colon
	startDays, start, _, err := parseEndpoint(rule[:dash])
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", rule, err)
	}
	endDays, end, endHasDays, err := parseEndpoint(rule[dash+1:])
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", rule, err)
	}

	var spans []span
	if endHasDays {
		if len(startDays) != 1 || len(endDays) != 1 {
			return nil, fmt.Errorf("rule %q: a rule ending on a day must start and end on single days", rule)
		}
		from := int(startDays[0])*minutesPerDay + start
		to := int(endDays[0])*minutesPerDay + end
		if to <= from {
			to += minutesPerWeek
		}
		spans = appendWrapped(spans, from, to, rule)
		return spans, nil
	}
	for _, day := range startDays {
		from := int(day)*minutesPerDay + start
		to := int(day)*minutesPerDay + end
		if to <= from {
			to += minutesPerDay
		}
		spans = appendWrapped(spans, from, to, rule)
	}
	return spans, nil
}

// appendWrapped splits spans reaching past Saturday midnight.
func appendWrapped(spans []span, from, to int, rule string) []span {
	if to <= minutesPerWeek {
		return append(spans, span{from: from, to: to, rule: rule})
	}
	return append(spans,
		span{from: from, to: minutesPerWeek, rule: rule},
		span{from: 0, to: to - minutesPerWeek, rule: rule},
	)
}

// parseEndpoint reads "[DAYS] HH:MM". hasDays reports whether DAYS was given.
func parseEndpoint(text string) (days []time.Weekday, minute int, hasDays bool, err error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, 0, false, fmt.Errorf("missing time of day")
	}
	minute, err = parseClock(fields[len(fields)-1])
	if err != nil {
		return nil, 0, false, err
	}
	if len(fields) == 1 {
		return everyDay(), minute, false, nil
	}
	days, err = parseDays(strings.Join(fields[:len(fields)-1], ""))
	if err != nil {
		return nil, 0, false, err
	}
	return days, minute, true, nil
}

func parseClock(text string) (int, error) {
	hh, mm, ok := strings.Cut(text, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", text)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", text)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", text)
	}
	return hour*60 + minute, nil
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "weds": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func everyDay() []time.Weekday {
	return []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}
}

func parseDays(spec string) ([]time.Weekday, error) {
	spec = strings.ToLower(spec)
	if spec == "*" {
		return everyDay(), nil
	}
	var days []time.Weekday
	var seen [7]bool
	add := func(d time.Weekday) {
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	for _, item := range strings.Split(spec, ",") {
		first, last, isRange := strings.Cut(item, "-")
		from, ok := dayNames[first]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", first)
		}
		if !isRange {
			add(from)
			continue
		}
		to, ok := dayNames[last]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", last)
		}
		for d := from; ; d = (d + 1) % 7 {
			add(d)
			if d == to {
				break
			}
		}
	}
	return days, nil
}
