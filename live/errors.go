package live

import (
	"errors"
	"fmt"
)

// errors.go provides the error taxonomy for the live package
//
// error type checking:
//   content errors can be checked with errors.Is(err, ErrKind) for any of the kinds below,
//   or with errors.As(err, &contentError) to get the detail

// content errors. These are logged and abort the smallest affected scope.
var (
	ErrMalformedTree     = errors.New("malformed rendered tree")
	ErrMissingComponent  = errors.New("no component for cid")
	ErrComponentRoot     = errors.New("only element tags are allowed at the root of components")
	ErrComponentNotFound = errors.New("no element found for component")
	ErrMissingStableId   = errors.New("append/prepend children require ids")
	ErrDuplicateId       = errors.New("multiple ids detected")
	ErrUnknownHook       = errors.New("unknown hook")
	ErrNoTargets         = errors.New("no phx-target found matching selector")
	ErrInvalidDebounce   = errors.New("invalid throttle/debounce value")
)

// protocol errors
var (
	ErrClientOutdated = errors.New("client outdated")
	ErrJoinCrashed    = errors.New("join crashed")
)

// transport errors
var (
	ErrTimeout        = errors.New("timeout")
	ErrChannelClosed  = errors.New("channel closed")
	ErrNotConnected   = errors.New("socket not connected")
	ErrNavigateStatus = errors.New("navigation fetch failed")
)

type ContentError struct {
	Kind   error
	Detail string
}

func contentErrorf(kind error, format string, a ...any) *ContentError {
	return &ContentError{
		Kind:   kind,
		Detail: fmt.Sprintf(format, a...),
	}
}

func (self *ContentError) Error() string {
	if self.Detail == "" {
		return self.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", self.Kind, self.Detail)
}

func (self *ContentError) Unwrap() error {
	return self.Kind
}

func IsContentError(err error) bool {
	var contentError *ContentError
	return errors.As(err, &contentError)
}
