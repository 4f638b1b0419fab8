package models

import "time"

// TaskHistory is one record per execution attempt. Rows are append-mostly:
// only the running row is mutated; terminal rows are immutable after their
// end transaction.
type TaskHistory struct {
	ID            string     `json:"id" badgerhold:"key"`
	TaskID        uint64     `json:"task_id" badgerhold:"index"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"` // Nil while running; set on terminal update
	Status        TaskStatus `json:"task_status"`
	Message       string     `json:"message"`
	ArticlesCount int        `json:"articles_count"`
	Success       bool       `json:"success"`
}

// IsRunning reports whether this row is the open attempt for its task
func (h *TaskHistory) IsRunning() bool {
	return h.Status == TaskStatusRunning && h.EndTime == nil
}
