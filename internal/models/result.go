package models

// TaskResult is returned for every scheduled task, successful or not.
type TaskResult struct {
	TaskID  string           `json:"task_id"`
	Outputs any              `json:"-"` // opaque backend outputs
	Metrics ExecutionMetrics `json:"metrics"`
	Config  BackendConfig    `json:"config"`
	Success bool             `json:"success"`
	Err     error            `json:"-"`
}

// Error returns the failure message, or "" for a successful result.
func (r TaskResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
