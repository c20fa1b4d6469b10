package controlplane

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/gasnet-twin/internal/command"
	"github.com/signalsfoundry/gasnet-twin/internal/sim/runner"
	"github.com/signalsfoundry/gasnet-twin/kb"
)

// ErrInvalidRequest is returned for malformed request payloads.
var ErrInvalidRequest = errors.New("invalid request")

// ToStatusError maps simulator errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, runner.ErrRunNotFound),
		errors.Is(err, kb.ErrUnknownNetwork),
		errors.Is(err, kb.ErrNodeNotFound),
		errors.Is(err, kb.ErrPipeNotFound),
		errors.Is(err, kb.ErrValveNotFound),
		errors.Is(err, kb.ErrCompressorNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, runner.ErrValidation),
		errors.Is(err, kb.ErrInvalidSetpoint),
		errors.Is(err, command.ErrInvalidCommand):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, runner.ErrConcurrencyConflict):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, runner.ErrNoActiveRun):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, runner.ErrStopTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
