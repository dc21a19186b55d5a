package types

import (
	"fmt"
	"time"
)

// WindowKind identifies one of the supported accounting windows.
type WindowKind string

const (
	WindowFiveHour WindowKind = "5h"
	WindowDaily    WindowKind = "daily"
	WindowWeekly   WindowKind = "weekly"
	WindowMonthly  WindowKind = "monthly"
)

// ResetMode selects between wall-clock anchored and purely rolling windows.
// The 5h window is always rolling; the mode only applies to the others.
type ResetMode string

const (
	ResetFixed   ResetMode = "fixed"
	ResetRolling ResetMode = "rolling"
)

// Window describes one accounting window: its kind, reset mode, and the
// wall-clock anchor used in fixed mode.
type Window struct {
	Kind WindowKind `json:"kind" yaml:"kind"`
	Mode ResetMode  `json:"mode" yaml:"mode"`

	// Fixed-mode anchors. ResetHour/ResetMinute apply to all fixed kinds,
	// ResetWeekday to weekly, ResetDay to monthly (clamped to month length).
	ResetHour    int          `json:"reset_hour" yaml:"reset_hour"`
	ResetMinute  int          `json:"reset_minute" yaml:"reset_minute"`
	ResetWeekday time.Weekday `json:"reset_weekday" yaml:"reset_weekday"`
	ResetDay     int          `json:"reset_day" yaml:"reset_day"`
}

// Span returns the nominal duration of the window. Monthly spans are
// resolved against now since month lengths vary.
func (w Window) Span(now time.Time) time.Duration {
	switch w.Kind {
	case WindowFiveHour:
		return 5 * time.Hour
	case WindowDaily:
		return 24 * time.Hour
	case WindowWeekly:
		return 7 * 24 * time.Hour
	case WindowMonthly:
		return now.Sub(now.AddDate(0, -1, 0))
	default:
		return 0
	}
}

// Start returns the inclusive start of the window containing now.
// Rolling windows are always [now-span, now); fixed windows are anchored to
// the configured wall-clock reset point in now's location.
func (w Window) Start(now time.Time) time.Time {
	if w.Kind == WindowFiveHour || w.Mode != ResetFixed {
		return now.Add(-w.Span(now))
	}

	anchor := time.Date(now.Year(), now.Month(), now.Day(), w.ResetHour, w.ResetMinute, 0, 0, now.Location())
	switch w.Kind {
	case WindowDaily:
		if anchor.After(now) {
			anchor = anchor.AddDate(0, 0, -1)
		}
	case WindowWeekly:
		offset := int(now.Weekday() - w.ResetWeekday)
		if offset < 0 {
			offset += 7
		}
		anchor = anchor.AddDate(0, 0, -offset)
		if anchor.After(now) {
			anchor = anchor.AddDate(0, 0, -7)
		}
	case WindowMonthly:
		day := w.ResetDay
		if day < 1 {
			day = 1
		}
		anchor = time.Date(now.Year(), now.Month(), clampDay(now.Year(), now.Month(), day), w.ResetHour, w.ResetMinute, 0, 0, now.Location())
		if anchor.After(now) {
			prev := now.AddDate(0, -1, 0)
			anchor = time.Date(prev.Year(), prev.Month(), clampDay(prev.Year(), prev.Month(), day), w.ResetHour, w.ResetMinute, 0, 0, now.Location())
		}
	}
	return anchor
}

// Validate rejects malformed window definitions.
func (w Window) Validate() error {
	switch w.Kind {
	case WindowFiveHour, WindowDaily, WindowWeekly, WindowMonthly:
	default:
		return fmt.Errorf("unknown window kind %q", w.Kind)
	}
	switch w.Mode {
	case "", ResetFixed, ResetRolling:
	default:
		return fmt.Errorf("unknown reset mode %q", w.Mode)
	}
	if w.ResetHour < 0 || w.ResetHour > 23 {
		return fmt.Errorf("reset_hour out of range: %d", w.ResetHour)
	}
	if w.ResetMinute < 0 || w.ResetMinute > 59 {
		return fmt.Errorf("reset_minute out of range: %d", w.ResetMinute)
	}
	return nil
}

func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
	if day > last {
		return last
	}
	return day
}
