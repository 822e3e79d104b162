package domain

import (
	"testing"
	"time"
)

func weekdayOrg(tz string, startMin, endMin int) Organization {
	return Organization{
		Timezone:       tz,
		WindowStartMin: startMin,
		WindowEndMin:   endMin,
		WeekdayMask: WeekdayMaskOf(
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		),
	}
}

func TestWithinCallingWindowWeekday(t *testing.T) {
	org := weekdayOrg("UTC", 9*60, 17*60)

	// Wednesday 2026-01-07 10:00 UTC
	if !WithinCallingWindow(org, time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected open on weekday mid-window")
	}
	// Saturday
	if WithinCallingWindow(org, time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected closed on saturday")
	}
	// Before start
	if WithinCallingWindow(org, time.Date(2026, 1, 7, 8, 59, 0, 0, time.UTC)) {
		t.Fatalf("expected closed before window start")
	}
	// End is exclusive
	if WithinCallingWindow(org, time.Date(2026, 1, 7, 17, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected closed at window end")
	}
}

func TestWithinCallingWindowTimezone(t *testing.T) {
	org := weekdayOrg("America/New_York", 9*60, 17*60)

	// 14:00 UTC on a Wednesday is 09:00 or 10:00 in New York depending on DST;
	// January is EST (UTC-5) so it is 09:00 local — inside the window.
	if !WithinCallingWindow(org, time.Date(2026, 1, 7, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected open at 09:00 local")
	}
	// 13:00 UTC is 08:00 EST — before the window.
	if WithinCallingWindow(org, time.Date(2026, 1, 7, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected closed at 08:00 local")
	}
}

func TestWithinCallingWindowOvernight(t *testing.T) {
	org := weekdayOrg("UTC", 20*60, 2*60)

	if !WithinCallingWindow(org, time.Date(2026, 1, 7, 21, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected open at 21:00")
	}
	if !WithinCallingWindow(org, time.Date(2026, 1, 7, 1, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected open at 01:00")
	}
	if WithinCallingWindow(org, time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected closed at noon")
	}
}

func TestWithinCallingWindowBadTimezoneFallsBackToUTC(t *testing.T) {
	org := weekdayOrg("Not/AZone", 9*60, 17*60)
	if !WithinCallingWindow(org, time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected UTC fallback to evaluate the window")
	}
}
