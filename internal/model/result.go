package model

// Result is the single terminal outcome of an operation.
type Result struct {
	Status  Status `json:"status"`
	Key     string `json:"key,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Err     *Error `json:"-"`
}

func Succeeded(message string, payload any) Result {
	return Result{Status: StatusSucceeded, Message: message, Payload: payload}
}

func Failed(err *Error) Result {
	return Result{Status: StatusFailed, Message: err.Error(), Err: err}
}

func Cancelled(reason string) Result {
	return Result{
		Status:  StatusCancelled,
		Message: reason,
		Err:     &Error{Category: CategoryCancelled, Message: reason},
	}
}

// RunTaskPayload is returned by a successful run_task.
type RunTaskPayload struct {
	Task string `json:"task"`
}

// ListTasksPayload is returned by a successful list_tasks.
type ListTasksPayload struct {
	Tasks []TaskDescriptor `json:"tasks"`
}

// DaemonStatusPayload is returned by get_daemon_status.
type DaemonStatusPayload struct {
	Daemons []DaemonRecord `json:"daemons"`
}
