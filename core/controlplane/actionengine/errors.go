package actionengine

import "errors"

var (
	// ErrUnknownTask indicates the task id does not exist.
	ErrUnknownTask = errors.New("unknown_task")
	// ErrInvalidTransition indicates the requested state change is not allowed.
	ErrInvalidTransition = errors.New("invalid_transition")
	// ErrTerminalState indicates the task already reached a terminal state.
	ErrTerminalState = errors.New("terminal_state")
	// ErrDuplicateRecord indicates a task already exists for the source record.
	ErrDuplicateRecord = errors.New("duplicate_record")
	// ErrAssigneeRequired indicates an assign command without an assignee.
	ErrAssigneeRequired = errors.New("assignee_required")
)
