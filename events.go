package drawnet

// Inbound event classes.
const (
	EventJoinDesign       = "join_design"
	EventLeaveDesign      = "leave_design"
	EventElementOperation = "element_operation"
	EventCursorMove       = "cursor_move"
	EventDragStart        = "element_drag_start"
	EventDragMove         = "element_drag_move"
	EventDragEnd          = "element_drag_end"
)

// Outbound event classes.
const (
	EventJoinedDesign = "joined_design"
	EventUserJoined   = "user_joined"
	EventUserLeft     = "user_left"
	EventError        = "error"
)

// Element operation types carried by EventElementOperation.
const (
	OpElementAdded       = "element_added"
	OpElementUpdated     = "element_updated"
	OpElementDeleted     = "element_deleted"
	OpElementMoved       = "element_moved"
	OpElementTransformed = "element_transformed"
)

// Error codes carried by EventError. Only the offending session ever sees
// them; other participants are not notified of a peer's failure.
const (
	CodeValidation = "validation_error"
	CodeRateLimit  = "rate_limit_exceeded"
	CodeRoomFull   = "capacity_exceeded"
	CodeNotInRoom  = "not_in_room"
)

// ErrorEvent is the payload of EventError.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Standard error messages
const (
	// Transport errors
	ErrInvalidEnvelope      = "invalid message envelope"
	ErrSessionClosed        = "session connection is closed"
	ErrContextCancelled     = "session context cancelled"
	ErrSendBufferFull       = "session send buffer full"
	ErrFailedToEncode       = "failed to encode event"
	ErrServerAlreadyRunning = "server already running"
	ErrSessionNotFound      = "session not found"
)
