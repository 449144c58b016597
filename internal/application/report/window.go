// Package report generates the periodic accounting reports from the session store: APEL
// message batches per window and EOSC flavor metrics.
package report

import (
	"fmt"
	"time"

	"github.com/penwyp/go-pod-accounting/internal/util"
)

// WatermarkLoader reads the end of the last reported window.
type WatermarkLoader interface {
	Load() (time.Time, bool, error)
}

// ResolveRange picks the reporting range [from, to). Explicit dates win; otherwise the run
// resumes at the watermark, or at yesterday's midnight when there is none. The range ends at
// today's midnight UTC.
func ResolveRange(now time.Time, wm WatermarkLoader, fromDate, toDate string) (time.Time, time.Time, error) {
	today := util.StartOfDay(now)

	var from time.Time
	switch {
	case fromDate != "":
		t, err := util.ParseTimestamp(fromDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from date: %w", err)
		}
		from = t
	case wm != nil:
		t, ok, err := wm.Load()
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if ok {
			from = t
		}
	}
	if from.IsZero() {
		from = today.AddDate(0, 0, -1)
	}

	to := today
	if toDate != "" {
		t, err := util.ParseTimestamp(toDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to date: %w", err)
		}
		to = t
	}
	return from.UTC(), to.UTC(), nil
}
