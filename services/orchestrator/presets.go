package orchestrator

import (
	"fmt"
	"time"
)

// Relative preset names. A preset is stored by name and parameters only;
// concrete dates are computed at execution time, never at definition time.
const (
	PresetTrailingDays  = "trailing_days"
	PresetPreviousDay   = "previous_day"
	PresetMonthToDate   = "month_to_date"
	PresetQuarterToDate = "quarter_to_date"
	PresetYearToDate    = "year_to_date"
)

// Window is a resolved inclusive [From, To] date range, midnight-aligned in
// the business timezone.
type Window struct {
	From time.Time
	To   time.Time
}

// ResolveWindow turns a relative preset into a concrete window. It is a pure
// function of (preset, params, execution instant, timezone): the same
// schedule run on different days yields different, correct windows.
func ResolveWindow(preset string, params map[string]int, now time.Time, loc *time.Location) (Window, error) {
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	yesterday := today.AddDate(0, 0, -1)

	switch preset {
	case PresetTrailingDays:
		days := params["days"]
		if days <= 0 {
			return Window{}, fmt.Errorf("preset %s requires positive days parameter", preset)
		}
		// A trailing window covers complete days only, ending yesterday
		return Window{From: today.AddDate(0, 0, -days), To: yesterday}, nil

	case PresetPreviousDay:
		return Window{From: yesterday, To: yesterday}, nil

	case PresetMonthToDate:
		first := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		return Window{From: first, To: today}, nil

	case PresetQuarterToDate:
		quarterMonth := time.Month(((int(local.Month())-1)/3)*3 + 1)
		first := time.Date(local.Year(), quarterMonth, 1, 0, 0, 0, 0, loc)
		return Window{From: first, To: today}, nil

	case PresetYearToDate:
		first := time.Date(local.Year(), time.January, 1, 0, 0, 0, 0, loc)
		return Window{From: first, To: today}, nil

	default:
		return Window{}, fmt.Errorf("unknown relative preset %q", preset)
	}
}
