package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field cron expressions
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronExpression checks that expr is a parseable five-field cron expression
func ValidateCronExpression(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("cron expression is empty")
	}
	if len(strings.Fields(expr)) != 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ParseCronSchedule parses a five-field cron expression into a schedule
func ParseCronSchedule(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextCronRun computes the next fire time for expr after the given instant
func NextCronRun(expr string, after time.Time) (time.Time, error) {
	schedule, err := ParseCronSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}
