package models

// Progress bus event names. Rooms are named task_{taskID}; subscribers
// explicitly join and leave. Delivery is best-effort fan-out with no replay.
const (
	EventTaskProgress = "task_progress"
	EventTaskFinished = "task_finished"
)

// TaskProgressEvent is the payload of a task_progress event
type TaskProgressEvent struct {
	TaskID        uint64      `json:"task_id"`
	Progress      int         `json:"progress"`
	Status        TaskStatus  `json:"status"`
	ScrapePhase   ScrapePhase `json:"scrape_phase"`
	Message       string      `json:"message"`
	ArticlesCount *int        `json:"articles_count,omitempty"`
}

// TaskFinishedEvent is the payload of a task_finished event
type TaskFinishedEvent struct {
	TaskID uint64     `json:"task_id"`
	Status TaskStatus `json:"status"`
}
