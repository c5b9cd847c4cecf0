package flow

import (
	"log/slog"
	"time"

	"github.com/chatfuse/botflow/internal/models"
)

// IsWithinWorkingHours evaluates the tenant's availability schedule at the
// given instant. A nil config means always available; weekdays without an
// entry are closed. Open/close times are interpreted in the configured
// timezone (UTC when unset or unloadable).
func IsWithinWorkingHours(cfg *models.WorkingHoursConfig, now time.Time) bool {
	if cfg == nil {
		return true
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			slog.Warn("working hours timezone invalid, falling back to UTC", "timezone", cfg.Timezone, "error", err)
		} else {
			loc = l
		}
	}

	local := now.In(loc)
	day, ok := cfg.Days[local.Weekday()]
	if !ok {
		return false
	}

	open, err := time.Parse("15:04", day.Open)
	if err != nil {
		slog.Warn("working hours open time invalid", "open", day.Open, "error", err)
		return false
	}
	closeAt, err := time.Parse("15:04", day.Close)
	if err != nil {
		slog.Warn("working hours close time invalid", "close", day.Close, "error", err)
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	openMinutes := open.Hour()*60 + open.Minute()
	closeMinutes := closeAt.Hour()*60 + closeAt.Minute()
	return minutes >= openMinutes && minutes < closeMinutes
}
