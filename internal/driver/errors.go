package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// OpError is one failed engine operation. Transient failures are retried
// by Apply; permanent ones abort the remaining plan.
type OpError struct {
	Op        string
	Target    string
	Err       error
	Transient bool
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying against the engine.
func IsTransient(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Transient
	}
	return transient(err)
}

// transient classifies raw engine errors. Anything that looks like a bad
// request stays permanent; daemon hiccups and timeouts are retried.
func transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errdefs.IsInvalidArgument(err),
		errdefs.IsNotFound(err),
		errdefs.IsPermissionDenied(err),
		errdefs.IsNotImplemented(err):
		return false
	}
	return true
}
