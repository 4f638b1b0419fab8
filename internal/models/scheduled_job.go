package models

import (
	"strconv"
	"strings"
	"time"
)

// ScheduledJob is a durable scheduler trigger row, identified as task_{taskID}.
// The scheduler exclusively owns this store.
type ScheduledJob struct {
	ID             string        `json:"id" badgerhold:"key"`
	TaskID         uint64        `json:"task_id" badgerhold:"index"`
	CronExpression string        `json:"cron_expression"`
	NextRun        time.Time     `json:"next_run"`
	Args           ScrapeOptions `json:"kwargs"` // Serialized dispatch parameters
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ParseJobTaskID extracts the task id from a task_{id} job id. The second
// return value is false when the id does not follow the naming convention.
func ParseJobTaskID(jobID string) (uint64, bool) {
	raw, found := strings.CutPrefix(jobID, "task_")
	if !found {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
