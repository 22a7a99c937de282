package backfill

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cmc-scraper/internal/models"
)

// Epoch is the first date the listings endpoint has data for.
var Epoch = time.Date(2013, 4, 28, 0, 0, 0, 0, time.UTC)

// ErrInvalidDate is returned for unparsable dates and for dates outside
// [Epoch, today].
var ErrInvalidDate = errors.New("invalid date")

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02-01-2006",
	"02/01/2006",
}

// ParseDate accepts YYYY-MM-DD, YYYY/MM/DD, DD-MM-YYYY and DD/MM/YYYY.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q does not match any of %s", ErrInvalidDate, s, strings.Join(dateLayouts, ", "))
}

// ValidateDate truncates d to its UTC day and checks it lies between Epoch and
// the day of now, both inclusive.
func ValidateDate(d, now time.Time) (time.Time, error) {
	day := models.Day(d)
	today := models.Day(now)
	if day.Before(Epoch) {
		return time.Time{}, fmt.Errorf("%w: %s is before %s", ErrInvalidDate, day.Format(time.DateOnly), Epoch.Format(time.DateOnly))
	}
	if day.After(today) {
		return time.Time{}, fmt.Errorf("%w: %s is in the future", ErrInvalidDate, day.Format(time.DateOnly))
	}
	return day, nil
}

// HistoryDates lists from, from+step, ... up to and including to.
func HistoryDates(from, to time.Time, stepDays int) []time.Time {
	if stepDays <= 0 {
		return nil
	}
	from, to = models.Day(from), models.Day(to)
	var dates []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, stepDays) {
		dates = append(dates, d)
	}
	return dates
}
