package models

// ErrorKind is the tagged kind of a pipeline error. Kinds are persisted in
// the state JSON and surfaced in run results; values must stay stable.
type ErrorKind string

// Stage-level error kinds (originate inside a step executor).
const (
	ErrKindAPICallFailed    ErrorKind = "api_call_failed"
	ErrKindEmptyResponse    ErrorKind = "empty_response"
	ErrKindParseFailed      ErrorKind = "parse_failed"
	ErrKindUnknownModel     ErrorKind = "unknown_model"
	ErrKindValidationFailed ErrorKind = "validation_failed"
	ErrKindCancelled        ErrorKind = "cancelled"
)

// Runner-level error kinds (originate in the lock/save/resume protocol).
const (
	ErrKindLockContended         ErrorKind = "lock_contended"
	ErrKindLockLostDuringSave    ErrorKind = "lock_lost_during_save"
	ErrKindTransientCorruption   ErrorKind = "transient_corruption"
	ErrKindPermanentlyCorrupted  ErrorKind = "permanently_corrupted"
	ErrKindMissingStateForResume ErrorKind = "missing_state_for_resume"
	ErrKindAlreadyExists         ErrorKind = "already_exists"
	ErrKindCacheError            ErrorKind = "cache_error"
)
