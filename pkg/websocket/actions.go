package websocket

// Actions a client may send. Notification actions pushed by the server reuse
// the bus event types verbatim (run.created, run.completed,
// thread.status_changed, cron.fired, ...), so a monitor sees one vocabulary
// whichever transport it listens on.
const (
	ActionHealthCheck = "health.check"

	// Subscription actions. A client with no subscriptions receives every
	// event it is allowed to see; subscribing narrows delivery to the named
	// threads.
	ActionThreadSubscribe   = "thread.subscribe"
	ActionThreadUnsubscribe = "thread.unsubscribe"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
