package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/courier/internal/chat"
)

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return grpcstatus.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, chat.ErrNotAMember), errors.Is(err, chat.ErrNotAuthorized):
		return codes.PermissionDenied
	case errors.Is(err, chat.ErrNotAGroup), errors.Is(err, chat.ErrArchived), errors.Is(err, chat.ErrInvalidTransition):
		return codes.FailedPrecondition
	case errors.Is(err, chat.ErrInvalidMembership):
		return codes.InvalidArgument
	case errors.Is(err, chat.ErrAlreadyAMember), errors.Is(err, chat.ErrAlreadyExists):
		return codes.AlreadyExists
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, chat.ErrUnknownRecord):
		return codes.NotFound
	default:
		return codes.Internal
	}
}
