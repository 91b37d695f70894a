package worker

import "github.com/mhpenta/pagegen"

// TaskType selects the orchestrator operation a task runs.
type TaskType string

const (
	TaskPage  TaskType = "page"
	TaskBatch TaskType = "batch"
)

// Task is the JSON body of a message on the task queue.
type Task struct {
	TaskID    string             `json:"task_id"`
	Type      TaskType           `json:"type"`
	SessionID string             `json:"session_id"`
	Prompt    string             `json:"prompt"`
	Config    pagegen.PageConfig `json:"config"`

	// Batch only.
	BatchID    string `json:"batch_id,omitempty"`
	TotalPages int    `json:"total_pages,omitempty"`
}

// CancelCommand is the JSON body of a message on the cancel queue.
type CancelCommand struct {
	BatchID string `json:"batch_id"`
}

// ResultStatus is the state reported by a Result.
type ResultStatus string

const (
	StatusSuccess   ResultStatus = "success"
	StatusError     ResultStatus = "error"
	StatusCancelled ResultStatus = "cancelled"
	StatusIgnored   ResultStatus = "ignored"

	// StatusPage is published for every page a batch persists.
	StatusPage ResultStatus = "page"
)

// Result is published on the result queue for each processed task.
type Result struct {
	TaskID    string       `json:"task_id"`
	Type      TaskType     `json:"type"`
	SessionID string       `json:"session_id"`
	BatchID   string       `json:"batch_id,omitempty"`
	Status    ResultStatus `json:"status"`

	PageIDs     []string `json:"page_ids,omitempty"`
	PageIndex   int      `json:"page_index,omitempty"`
	Completed   int      `json:"completed,omitempty"`
	Total       int      `json:"total,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
	FinalPrompt string   `json:"final_prompt,omitempty"`

	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`
}
