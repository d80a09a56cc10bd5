// Package errors provides structured error handling for the dispatcher core.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Pool errors
	CodeAlreadyPooled    Code = "POOL_ALREADY_POOLED"
	CodeInsufficientPool Code = "POOL_INSUFFICIENT"

	// Treatment errors
	CodeUnknownTreatment      Code = "TREATMENT_UNKNOWN"
	CodeInvalidAssignmentMode Code = "TREATMENT_INVALID_ASSIGNMENT_MODE"

	// Session errors
	CodeStaleReconnect Code = "SESSION_STALE_RECONNECT"
	CodeSessionAborted Code = "SESSION_ABORTED"
	CodeInvalidPlot    Code = "SESSION_INVALID_PLOT"

	// Channel errors
	CodeRoomClosed           Code = "CHANNEL_ROOM_CLOSED"
	CodeEmptyParticipantID   Code = "CHANNEL_EMPTY_PARTICIPANT_ID"
	CodeCredentialsExhausted Code = "CHANNEL_CREDENTIALS_EXHAUSTED"

	// Storage errors
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeInvalidAssignmentMode,
		CodeEmptyParticipantID,
		CodeInvalidPlot:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeAlreadyPooled,
		CodeInsufficientPool,
		CodeStaleReconnect,
		CodeSessionAborted,
		CodeRoomClosed,
		CodeCredentialsExhausted:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeUnknownTreatment:
		return codes.NotFound

	case CodeAlreadyExists:
		return codes.AlreadyExists

	default:
		return codes.Internal
	}
}
