package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/user/converge/internal/types"
)

var codeToGRPC = map[types.ErrorCode]codes.Code{
	types.CodeNotFound:        codes.NotFound,
	types.CodeAlreadyExists:   codes.AlreadyExists,
	types.CodeInvalidArgument: codes.InvalidArgument,
	types.CodeUnauthenticated: codes.Unauthenticated,
	types.CodeUnavailable:     codes.Unavailable,
	types.CodeStreamReset:     codes.Aborted,
	types.CodeInternal:        codes.Internal,
}

// toStatus converts a service error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codeToGRPC[types.CodeOf(err)], err.Error())
}

// fromStatus converts a gRPC error into a *types.RemoteError.
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &types.RemoteError{Op: op, Code: types.CodeUnavailable, Message: err.Error()}
	}
	code := types.CodeInternal
	switch st.Code() {
	case codes.NotFound:
		code = types.CodeNotFound
	case codes.AlreadyExists:
		code = types.CodeAlreadyExists
	case codes.InvalidArgument:
		code = types.CodeInvalidArgument
	case codes.Unauthenticated, codes.PermissionDenied:
		code = types.CodeUnauthenticated
	case codes.Aborted:
		code = types.CodeStreamReset
	case codes.Unavailable, codes.Canceled, codes.DeadlineExceeded, codes.ResourceExhausted:
		code = types.CodeUnavailable
	}
	return &types.RemoteError{Op: op, Code: code, Message: st.Message()}
}
