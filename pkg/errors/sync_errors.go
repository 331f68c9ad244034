package errors

var (
	ErrNotConnected    = New(CodeNotConnected, "realtime connection is not established")
	ErrNoToken         = Unauthenticated("no auth token stored")
	ErrTokenNoIdentity = Unauthenticated("auth token carries no user id")
	ErrOutboxNotFound  = NotFound("outbox entry not found")
	ErrNotFailed       = InvalidArg("outbox entry is not in failed state")
)

func ErrDialFailed(cause error) error {
	return Transport("dial realtime socket", cause)
}

func ErrEmitFailed(event string, cause error) error {
	return Transport("emit "+event, cause)
}
