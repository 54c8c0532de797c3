package settlement

import (
	"fmt"
	"strings"
	"time"
)

type VoidWindow string

const (
	// VoidSameDay allows voiding a completed transaction until the end of
	// the operational day it completed on.
	VoidSameDay VoidWindow = "same_day"
	// VoidNever forces every completed transaction through a reversal.
	VoidNever VoidWindow = "none"
	// VoidWithin allows voiding for a fixed duration after completion.
	VoidWithin VoidWindow = "duration"
)

// VoidPolicy decides whether a completed transaction may still be voided.
// Pending transactions can always be voided.
type VoidPolicy struct {
	Window          VoidWindow
	MaxAge          time.Duration
	DayStartHour    int
	Location        *time.Location
	RequireApproval bool
}

func DefaultVoidPolicy() VoidPolicy {
	return VoidPolicy{Window: VoidSameDay, Location: time.UTC}
}

// ParseVoidWindow accepts "same_day", "none" or a Go duration such as "2h".
func ParseVoidWindow(value string) (VoidWindow, time.Duration, error) {
	switch v := strings.TrimSpace(strings.ToLower(value)); v {
	case "", string(VoidSameDay):
		return VoidSameDay, 0, nil
	case string(VoidNever):
		return VoidNever, 0, nil
	default:
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return "", 0, fmt.Errorf("invalid void window %q", value)
		}
		return VoidWithin, d, nil
	}
}

func (p VoidPolicy) AllowsVoid(completedAt time.Time, now time.Time) bool {
	switch p.Window {
	case VoidNever:
		return false
	case VoidWithin:
		return !now.Before(completedAt) && now.Sub(completedAt) <= p.MaxAge
	default:
		return p.OperationalDay(completedAt) == p.OperationalDay(now)
	}
}

// OperationalDay returns the business date t falls on. A day starting at
// 06:00 puts 03:00 on the previous date.
func (p VoidPolicy) OperationalDay(t time.Time) string {
	return t.In(p.location()).Add(-time.Duration(p.DayStartHour) * time.Hour).Format("2006-01-02")
}

func (p VoidPolicy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}
