package vm

import "github.com/pkg/errors"

// Status errors returned by the MMU packages. Callers compare with
// errors.Is, as the errors are usually wrapped with context.
var (
	ErrNoMemory        = errors.New("out of memory")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidOffset   = errors.New("invalid offset")
	ErrInvalidDevice   = errors.New("invalid device")
	ErrUnavailable     = errors.New("unavailable")
)
