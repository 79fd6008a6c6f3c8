package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/commands"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/runtime"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/store"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/tools"
)

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================

// validateRequired returns InvalidArgument when field is empty.
func validateRequired(field, fieldName string) error {
	if field == "" {
		return InvalidArgument(fieldName)
	}
	return nil
}

// InvalidArgument reports a missing required field.
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// ResourceExhausted reports a rate limit violation.
func ResourceExhausted(limitType string) error {
	return status.Errorf(codes.ResourceExhausted, "%s rate limit exceeded", limitType)
}

// =============================================================================
// ERROR CODES
// =============================================================================

// toStatus maps a backend error to a gRPC status. Errors that already carry
// a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, tools.ErrToolNotFound):
		return codes.NotFound
	case errors.Is(err, store.ErrInvalid), errors.Is(err, commands.ErrInvalidParams), errors.Is(err, ledger.ErrNoRows):
		return codes.InvalidArgument
	case errors.Is(err, store.ErrDuplicate):
		return codes.AlreadyExists
	case errors.Is(err, agents.ErrConsentRequired), errors.Is(err, runtime.ErrDataConsentRequired):
		return codes.PermissionDenied
	case errors.Is(err, runtime.ErrUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
