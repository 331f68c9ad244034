package api

import (
	"errors"

	appErrors "github.com/matheus3301/matchsync/pkg/errors"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const errorDomain = "matchsync"

var grpcCodes = map[appErrors.Code]codes.Code{
	appErrors.CodeInvalidArgument: codes.InvalidArgument,
	appErrors.CodeNotFound:        codes.NotFound,
	appErrors.CodeUnauthenticated: codes.Unauthenticated,
	appErrors.CodeNotConnected:    codes.Unavailable,
	appErrors.CodeTransport:       codes.Unavailable,
	appErrors.CodeCache:           codes.Internal,
	appErrors.CodeSendFailed:      codes.Aborted,
	appErrors.CodeInternal:        codes.Internal,
}

// coded is implemented by errors that classify themselves, like outbox.SendFailure.
type coded interface {
	Code() appErrors.Code
}

func appCode(err error) appErrors.Code {
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return appErrors.CodeOf(err)
}

// toStatus converts a domain error into a gRPC status carrying the app code
// as ErrorInfo.Reason.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := appCode(err)
	gc, ok := grpcCodes[code]
	if !ok {
		gc = codes.Unknown
	}
	st := grpcstatus.New(gc, err.Error())
	if withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: string(code), Domain: errorDomain}); derr == nil {
		st = withInfo
	}
	return st.Err()
}

// fromStatus turns a gRPC error back into an AppError so callers can use
// appErrors.HasCode on both sides of the socket.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == errorDomain {
			return appErrors.Wrap(appErrors.Code(info.Reason), st.Message(), err)
		}
	}
	switch st.Code() {
	case codes.Unavailable:
		return appErrors.Wrap(appErrors.CodeTransport, "daemon unavailable", err)
	case codes.Unauthenticated:
		return appErrors.Wrap(appErrors.CodeUnauthenticated, st.Message(), err)
	}
	return appErrors.Wrap(appErrors.CodeInternal, st.Message(), err)
}
