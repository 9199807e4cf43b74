package runner

import "errors"

// Sentinel errors for runner entry and the save protocol. Stage failures are
// not Go errors at this level; they are recorded in the run result and the
// persisted state.
var (
	// ErrLockContended indicates another worker owns the report lock. The
	// caller may retry later.
	ErrLockContended = errors.New("pipeline lock contended")

	// ErrLockLostDuringSave indicates lock verification failed before a
	// state save. Fatal: the state is deliberately not saved and the lock is
	// not released.
	ErrLockLostDuringSave = errors.New("pipeline lock lost before save")

	// ErrTransientCorruption indicates the persisted state failed schema
	// validation but the failure budget is not exhausted. The caller may
	// retry.
	ErrTransientCorruption = errors.New("pipeline state failed validation")

	// ErrMissingStateForResume indicates a resume was requested but no state
	// exists for the report.
	ErrMissingStateForResume = errors.New("no pipeline state to resume from")

	// ErrAlreadyExists indicates a fresh run was requested for a report that
	// already has a non-failed state.
	ErrAlreadyExists = errors.New("pipeline state already exists")
)
