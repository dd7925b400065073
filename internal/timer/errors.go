package timer

import "github.com/cockroachdb/errors"

// Failure classes. Test with errors.Is.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrTransientScheduling  = errors.New("transient scheduling error")
	ErrPersistence          = errors.New("persistence error")
	ErrCallback             = errors.New("callback error")
	ErrFatalReconciliation  = errors.New("fatal reconciliation error")
)

var (
	ErrInvalidInterval = errors.Mark(errors.New("invalid interval"), ErrInvalidConfiguration)
	ErrInvalidEntity   = errors.Mark(errors.New("invalid entity id"), ErrInvalidConfiguration)
	ErrNotFound        = errors.New("timer not found")
	ErrNotReady        = errors.New("timer registry not ready: recovery has not run")
	ErrClosed          = errors.New("timer registry closed")
)

func schedulingErr(err error, op string) error {
	return errors.Mark(errors.Wrap(err, op), ErrTransientScheduling)
}

func persistenceErr(err error, op string) error {
	return errors.Mark(errors.Wrap(err, op), ErrPersistence)
}
