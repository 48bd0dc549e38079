package monitor

import (
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule refreshes the snapshot every second.
const DefaultSchedule = "@every 1s"

// scheduleParser accepts standard 5-field cron with descriptors, including
// @every intervals.
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule checks if a schedule expression is valid
func ValidateSchedule(expression string) error {
	_, err := scheduleParser.Parse(expression)
	return err
}

// NextRun calculates the next refresh time for a schedule expression
func NextRun(expression string, after time.Time) (time.Time, error) {
	schedule, err := scheduleParser.Parse(expression)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}
