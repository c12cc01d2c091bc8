package pkg

import "errors"

// USB protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrTransaction indicates that a transaction error (CRC, timeout, bit
	// stuffing) exhausted the controller's retry budget.
	ErrTransaction = errors.New("transaction error")

	// ErrBabble indicates the device sent more data than the packet allowed.
	ErrBabble = errors.New("babble detected")

	// ErrDataBuffer indicates a controller data buffer overrun or underrun.
	ErrDataBuffer = errors.New("data buffer error")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrAlreadyRunning indicates the stack is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the stack is not running.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNoResources indicates insufficient resources (e.g., pending transfer slots).
	ErrNoResources = errors.New("no resources available")
)

// Host controller errors.
var (
	// ErrPoolExhausted indicates no free descriptor slot. The caller may
	// retry after other transfers complete.
	ErrPoolExhausted = errors.New("descriptor pool exhausted")

	// ErrScheduleTooLate indicates a periodic request targeted a frame the
	// controller may already have fetched. The caller must pick a later frame.
	ErrScheduleTooLate = errors.New("periodic schedule window missed")

	// ErrControllerFault indicates a host system error. The controller
	// instance is halted and must be reinitialized by its owner.
	ErrControllerFault = errors.New("host controller fault")
)

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess          TransferStatus = iota // Transfer completed successfully
	TransferStatusError                                  // Transfer failed with error
	TransferStatusStall                                  // Endpoint stalled
	TransferStatusTransactionError                       // Retry budget exhausted
	TransferStatusTimeout                                // Transfer timed out
	TransferStatusCancelled                              // Transfer was cancelled
	TransferStatusPoolExhausted                          // No descriptor available
	TransferStatusTooLate                                // Periodic window missed
	TransferStatusControllerFault                        // Host system error
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusTransactionError:
		return "transaction error"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusPoolExhausted:
		return "pool exhausted"
	case TransferStatusTooLate:
		return "too late"
	case TransferStatusControllerFault:
		return "controller fault"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusTransactionError:
		return ErrTransaction
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusPoolExhausted:
		return ErrPoolExhausted
	case TransferStatusTooLate:
		return ErrScheduleTooLate
	case TransferStatusControllerFault:
		return ErrControllerFault
	default:
		return ErrProtocol
	}
}

// Recoverable reports whether the caller may retry a transfer that ended with
// this status. Only a controller fault requires the controller's owner to act.
func (s TransferStatus) Recoverable() bool {
	return s != TransferStatusControllerFault
}

// StatusOf maps an error returned by a transfer to its outcome.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrControllerFault):
		return TransferStatusControllerFault
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrTransaction),
		errors.Is(err, ErrBabble),
		errors.Is(err, ErrDataBuffer):
		return TransferStatusTransactionError
	case errors.Is(err, ErrTimeout):
		return TransferStatusTimeout
	case errors.Is(err, ErrCancelled):
		return TransferStatusCancelled
	case errors.Is(err, ErrPoolExhausted):
		return TransferStatusPoolExhausted
	case errors.Is(err, ErrScheduleTooLate):
		return TransferStatusTooLate
	default:
		return TransferStatusError
	}
}
