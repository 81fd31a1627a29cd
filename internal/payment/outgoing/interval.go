package outgoing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadInterval reports an unparseable grant interval.
var ErrBadInterval = errors.New("bad grant interval")

// Interval is an ISO 8601 repeating interval: R<n>/<start>/<duration>.
// Grant limits reset at each repetition boundary.
type Interval struct {
	// Repetitions counts repeats after the first occurrence; -1 is
	// unbounded.
	Repetitions int
	Start       time.Time
	duration    isoDuration
}

type isoDuration struct {
	years, months, days int
	clock               time.Duration
}

func (d isoDuration) addTo(t time.Time) time.Time {
	return t.AddDate(d.years, d.months, d.days).Add(d.clock)
}

func (d isoDuration) zero() bool {
	return d.years == 0 && d.months == 0 && d.days == 0 && d.clock == 0
}

// ParseInterval parses "R[n]/<RFC 3339 start>/<ISO 8601 duration>".
func ParseInterval(s string) (*Interval, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "R") {
		return nil, fmt.Errorf("%w: %q", ErrBadInterval, s)
	}

	repetitions := -1
	if rest := parts[0][1:]; rest != "" && rest != "-1" {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: repetitions %q", ErrBadInterval, parts[0])
		}
		repetitions = n
	}

	start, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: start %q", ErrBadInterval, parts[1])
	}

	duration, err := parseDuration(parts[2])
	if err != nil {
		return nil, err
	}
	if duration.zero() {
		return nil, fmt.Errorf("%w: zero duration", ErrBadInterval)
	}
	return &Interval{Repetitions: repetitions, Start: start, duration: duration}, nil
}

// Window returns the occurrence [from, to) covering t, or ok=false when
// t falls outside every occurrence.
func (i *Interval) Window(t time.Time) (from, to time.Time, ok bool) {
	if t.Before(i.Start) {
		return time.Time{}, time.Time{}, false
	}
	from = i.Start
	for k := 0; ; k++ {
		to = i.duration.addTo(from)
		if t.Before(to) {
			return from, to, true
		}
		if i.Repetitions >= 0 && k >= i.Repetitions {
			return time.Time{}, time.Time{}, false
		}
		from = to
	}
}

// parseDuration parses an ISO 8601 duration: P[nY][nM][nW][nD][T[nH][nM][nS]].
func parseDuration(s string) (isoDuration, error) {
	var d isoDuration
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return d, fmt.Errorf("%w: duration %q", ErrBadInterval, s)
	}
	datePart, timePart, _ := strings.Cut(s[1:], "T")

	var err error
	if d, err = parseDurationPart(d, datePart, false); err != nil {
		return d, err
	}
	if d, err = parseDurationPart(d, timePart, true); err != nil {
		return d, err
	}
	return d, nil
}

func parseDurationPart(d isoDuration, s string, isTime bool) (isoDuration, error) {
	num := 0
	haveNum := false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			num = num*10 + int(r-'0')
			haveNum = true
			continue
		}
		if !haveNum {
			return d, fmt.Errorf("%w: duration designator %q without value", ErrBadInterval, string(r))
		}
		switch {
		case !isTime && r == 'Y':
			d.years += num
		case !isTime && r == 'M':
			d.months += num
		case !isTime && r == 'W':
			d.days += 7 * num
		case !isTime && r == 'D':
			d.days += num
		case isTime && r == 'H':
			d.clock += time.Duration(num) * time.Hour
		case isTime && r == 'M':
			d.clock += time.Duration(num) * time.Minute
		case isTime && r == 'S':
			d.clock += time.Duration(num) * time.Second
		default:
			return d, fmt.Errorf("%w: duration designator %q", ErrBadInterval, string(r))
		}
		num = 0
		haveNum = false
	}
	if haveNum {
		return d, fmt.Errorf("%w: trailing value in duration", ErrBadInterval)
	}
	return d, nil
}
