package engine

import "fmt"

// Kind classifies why a ladder could not complete.
type Kind string

const (
	// SetupFailure covers session, instrument, payout and order entry problems.
	SetupFailure Kind = "setup_failure"
	// TimingFailure covers unusable entry or martingale times and aborted waits.
	TimingFailure Kind = "timing_failure"
	// OutcomeUnknown means no closed trade matched the one just placed.
	OutcomeUnknown Kind = "outcome_unknown"
)

// Failure ends a ladder as failed. Reason is persisted on the signal.
type Failure struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(kind Kind, err error, format string, args ...interface{}) *Failure {
	return &Failure{
		Kind:   kind,
		Reason: fmt.Sprintf(format, args...),
		Err:    err,
	}
}

// persisted is the reason written to the store.
func (f *Failure) persisted() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	}
	return f.Reason
}
