package federation

import (
	"errors"
)

type ErrorKind int

const (
	// ErrorKind_Protocol errors are rejected by the registry; retrying only helps once the precondition changes.
	ErrorKind_Protocol ErrorKind = iota
	ErrorKind_Transient
	ErrorKind_Resource
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKind_Protocol:
		return "protocol"
	case ErrorKind_Transient:
		return "transient"
	case ErrorKind_Resource:
		return "resource"
	}
	return "unknown"
}

// Error is a labelled failure from the federation error taxonomy. Values are compared by identity, so
// wrap them with fmt.Errorf("...: %w", ErrX) to add context.
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func newError(kind ErrorKind, code, message string) *Error {
	e := &Error{Code: code, Kind: kind, Message: message}
	knownErrors[code] = e
	return e
}

var knownErrors = map[string]*Error{}

var (
	ErrNotRegistered           = newError(ErrorKind_Protocol, "NotRegistered", "caller is not a registered operator")
	ErrAlreadyRegistered       = newError(ErrorKind_Protocol, "AlreadyRegistered", "operator is already registered")
	ErrInvalidName             = newError(ErrorKind_Protocol, "InvalidName", "operator name must not be empty")
	ErrInvalidServiceId        = newError(ErrorKind_Protocol, "InvalidServiceId", "service id must not be empty")
	ErrDuplicateServiceId      = newError(ErrorKind_Protocol, "DuplicateServiceId", "service id is already in use")
	ErrServiceNotFound         = newError(ErrorKind_Protocol, "ServiceNotFound", "service does not exist")
	ErrServiceNotOpen          = newError(ErrorKind_Protocol, "ServiceNotOpen", "service is no longer open for bids")
	ErrInvalidPrice            = newError(ErrorKind_Protocol, "InvalidPrice", "price must be non-zero and fit in 64 bits")
	ErrNotCreator              = newError(ErrorKind_Protocol, "NotCreator", "caller did not announce the service")
	ErrBidIndexOutOfRange      = newError(ErrorKind_Protocol, "BidIndexOutOfRange", "bid index is out of range")
	ErrServiceNotClosedOrLater = newError(ErrorKind_Protocol, "ServiceNotClosedOrLater", "service has not been closed yet")
	ErrNotProvider             = newError(ErrorKind_Protocol, "NotProvider", "caller is not the chosen provider")
	ErrServiceNotClosed        = newError(ErrorKind_Protocol, "ServiceNotClosed", "service is not in the closed state")
	ErrNotParticipant          = newError(ErrorKind_Protocol, "NotParticipant", "caller is neither the creator nor the chosen provider")

	ErrTransactionPending = newError(ErrorKind_Transient, "TransactionPending", "transaction is not confirmed yet")
	ErrTimeout            = newError(ErrorKind_Transient, "Timeout", "operation timed out")
	ErrLedgerUnavailable  = newError(ErrorKind_Transient, "LedgerUnavailable", "ledger endpoint is unavailable")
	ErrHostUnavailable    = newError(ErrorKind_Transient, "HostUnavailable", "host manager is unavailable")

	ErrTunnelAlreadyExists = newError(ErrorKind_Resource, "TunnelAlreadyExists", "vxlan id or network is already bound to a tunnel")
	ErrTunnelNotFound      = newError(ErrorKind_Resource, "TunnelNotFound", "no tunnel exists for the vxlan id")
	ErrNetworkNotReady     = newError(ErrorKind_Resource, "NetworkNotReady", "network has no active tunnel")
	ErrNetworkNotFound     = newError(ErrorKind_Resource, "NetworkNotFound", "network does not exist")
	ErrImageNotFound       = newError(ErrorKind_Resource, "ImageNotFound", "image could not be found or pulled")
	ErrContainerNotFound   = newError(ErrorKind_Resource, "ContainerNotFound", "container does not exist")
	ErrWorkloadNotFound    = newError(ErrorKind_Resource, "WorkloadNotFound", "workload does not exist")
)

// CodeOf returns the taxonomy label carried by err, or "" if err is not a federation error.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// ErrorFromCode maps a label back to its sentinel error. Unknown labels return nil.
func ErrorFromCode(code string) error {
	if e, ok := knownErrors[code]; ok {
		return e
	}
	return nil
}

func IsTransient(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == ErrorKind_Transient
	}
	return false
}

func IsProtocolError(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == ErrorKind_Protocol
	}
	return false
}
