package helper

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrInternal wraps err with codes.Internal
func ErrInternal(err error) error { return status.Errorf(codes.Internal, "%s", err.Error()) }

// ErrInternalf formats an error with codes.Internal
func ErrInternalf(format string, a ...interface{}) error {
	return status.Errorf(codes.Internal, format, a...)
}

// ErrInvalidArgument wraps err with codes.InvalidArgument
func ErrInvalidArgument(err error) error { return status.Errorf(codes.InvalidArgument, err.Error()) }

// ErrInvalidArgumentf formats an error with codes.InvalidArgument
func ErrInvalidArgumentf(format string, a ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, a...)
}

// ErrPreconditionFailed wraps err with codes.FailedPrecondition
func ErrPreconditionFailed(err error) error {
	return status.Errorf(codes.FailedPrecondition, "%s", err.Error())
}

// ErrNotFound wraps err with codes.NotFound
func ErrNotFound(err error) error { return status.Errorf(codes.NotFound, "%s", err.Error()) }

// GrpcCode emulates the old grpc.Code function: it translates errors into codes.Code values.
func GrpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	st, ok := status.FromError(err)
	if !ok {
		return codes.Unknown
	}

	return st.Code()
}
