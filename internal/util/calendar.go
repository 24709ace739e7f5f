package util

import (
	"time"
)

// Regular and extended US equity session bounds, minutes after midnight ET.
const (
	preMarketOpen  = 4 * 60
	regularOpen    = 9*60 + 30
	regularClose   = 16 * 60
	afterHoursStop = 20 * 60
)

// TradingCalendar provides US equity market-hours awareness. It is the
// fallback used when the broker's market clock cannot be reached.
type TradingCalendar struct {
	loc      *time.Location
	holidays map[string]bool
}

// NewTradingCalendar creates a TradingCalendar in America/New_York, closed on
// weekends and on any of the given holidays.
func NewTradingCalendar(holidays ...time.Time) *TradingCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	tc := &TradingCalendar{loc: loc, holidays: make(map[string]bool)}
	for _, h := range holidays {
		tc.holidays[h.Format(time.DateOnly)] = true
	}
	return tc
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	et := t.In(tc.loc)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !tc.holidays[et.Format(time.DateOnly)]
}

// IsMarketOpen returns whether the regular session (9:30-16:00 ET) is open at
// time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	m := tc.minutes(t)
	return m >= regularOpen && m < regularClose
}

// IsExtendedHours reports whether t is in the pre-market or after-hours
// session.
func (tc *TradingCalendar) IsExtendedHours(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	m := tc.minutes(t)
	return (m >= preMarketOpen && m < regularOpen) || (m >= regularClose && m < afterHoursStop)
}

// NextOpen returns the next regular session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	et := t.In(tc.loc)
	for i := 0; i < 14; i++ {
		day := et.AddDate(0, 0, i)
		open := tc.at(day, regularOpen)
		if tc.IsTradingDay(open) && !open.Before(t) {
			return open
		}
	}
	return time.Time{}
}

// NextClose returns the next regular session close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	et := t.In(tc.loc)
	for i := 0; i < 14; i++ {
		day := et.AddDate(0, 0, i)
		cl := tc.at(day, regularClose)
		if tc.IsTradingDay(cl) && !cl.Before(t) {
			return cl
		}
	}
	return time.Time{}
}

func (tc *TradingCalendar) minutes(t time.Time) int {
	et := t.In(tc.loc)
	return et.Hour()*60 + et.Minute()
}

func (tc *TradingCalendar) at(day time.Time, minutes int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, minutes/60, minutes%60, 0, 0, tc.loc)
}
