package discovery

import (
	"errors"

	"github.com/flowmesh/discovery/internal/errs"
)

// Error is the single error type every public call returns.
type Error = errs.Error

// ErrorKind enumerates the closed error taxonomy.
type ErrorKind = errs.Kind

const (
	ErrInvalidArgument    = errs.KindInvalidArgument
	ErrInvalidConfig      = errs.KindInvalidConfig
	ErrTimeout            = errs.KindTimeout
	ErrInstanceNotFound   = errs.KindInstanceNotFound
	ErrRouteRuleNotMatch  = errs.KindRouteRuleNotMatch
	ErrServiceNotFound    = errs.KindServiceNotFound
	ErrNetworkFailed      = errs.KindNetworkFailed
	ErrServerError        = errs.KindServerError
	ErrServerUnknownError = errs.KindServerUnknownError
	ErrPluginError        = errs.KindPluginError
	ErrCallAfterFork      = errs.KindCallAfterFork
	ErrNotInit            = errs.KindNotInit
)

// KindOf extracts the ErrorKind from any error returned by this
// library; unknown errors report the zero Kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return errs.KindUnknown
}
