// Package errors provides structured error handling for Factline.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage and journal errors
//   - 3XX: Network and remote-protocol errors
//   - 4XX: Validation (argument) errors
//   - 5XX: Internal and compute errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates backing store and journal errors.
	CategoryStorage Category = "STORAGE"
	// CategoryNetwork indicates network and remote-protocol errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors. Validation
	// errors are rejected before any write and never become retryable.
	CategoryValidation Category = "VALIDATION"
	// CategoryCompute indicates errors raised by format translators or
	// cross-reference lookups during the pipeline's compute stage.
	CategoryCompute Category = "COMPUTE"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeStorageOpen        = "ERR_201_STORAGE_OPEN"
	ErrCodeStorageUnavailable = "ERR_202_STORAGE_UNAVAILABLE"
	ErrCodeStorageTx          = "ERR_203_STORAGE_TX"
	ErrCodeJournalAppend      = "ERR_204_JOURNAL_APPEND"
	ErrCodeJournalCorrupt     = "ERR_205_JOURNAL_CORRUPT"

	// Network errors (300-399)
	ErrCodeNetworkTimeout = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeRPCUnavailable = "ERR_302_RPC_UNAVAILABLE"
	ErrCodeRPCProtocol    = "ERR_303_RPC_PROTOCOL"

	// Validation errors (400-499)
	ErrCodeInvalidInput     = "ERR_401_INVALID_INPUT"
	ErrCodeDuplicateKey     = "ERR_402_DUPLICATE_KEY"
	ErrCodeUnknownKind      = "ERR_403_UNKNOWN_KIND"
	ErrCodeNotMergeable     = "ERR_404_NOT_MERGEABLE"
	ErrCodeInvalidPartition = "ERR_405_INVALID_PARTITION"
	ErrCodeToolNotFound     = "ERR_406_TOOL_NOT_FOUND"

	// Internal errors (500-599)
	ErrCodeInternal      = "ERR_501_INTERNAL"
	ErrCodeComputeFailed = "ERR_502_COMPUTE_FAILED"
	ErrCodeLookupLagging = "ERR_503_LOOKUP_LAGGING"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	case '5':
		if code == ErrCodeComputeFailed || code == ErrCodeLookupLagging {
			return CategoryCompute
		}
		return CategoryInternal
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeConfigNotFound, ErrCodeConfigInvalid, ErrCodeStorageOpen:
		return SeverityFatal
	}
	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a transient error.
// Validation codes are deliberately absent: blind retry of a malformed
// batch is wasted work, while blind retry of a transient error is
// correct.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeStorageUnavailable, ErrCodeStorageTx,
		ErrCodeNetworkTimeout, ErrCodeRPCUnavailable, ErrCodeLookupLagging:
		return true
	default:
		return false
	}
}
