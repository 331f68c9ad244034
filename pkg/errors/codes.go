package errors

type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeNotConnected    Code = "NOT_CONNECTED"
	CodeTransport       Code = "TRANSPORT"
	CodeCache           Code = "CACHE"
	CodeSendFailed      Code = "SEND_FAILED"
	CodeInternal        Code = "INTERNAL"
)
