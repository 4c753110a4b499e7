package push

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrChannelFault is the fatal status set when a channel fails to execute a
// push.
var ErrChannelFault = errors.New("channel fault")

var global = struct {
	sync.Mutex
	err   error
	fatal chan struct{}
}{fatal: make(chan struct{})}

// GlobalStatus returns the process-wide fatal status, or nil if the devices
// are healthy.
func GlobalStatus() error {
	global.Lock()
	defer global.Unlock()

	return global.err
}

// SetGlobalStatus records a fatal error. Every pending and future wait
// returns it until ResetGlobalStatus is called. The first error wins.
func SetGlobalStatus(err error) {
	if err == nil {
		return
	}

	global.Lock()
	defer global.Unlock()

	if global.err != nil {
		return
	}

	global.err = err
	close(global.fatal)
}

// ResetGlobalStatus clears the fatal status.
func ResetGlobalStatus() {
	global.Lock()
	defer global.Unlock()

	if global.err == nil {
		return
	}

	global.err = nil
	global.fatal = make(chan struct{})
}

func fatalSignal() <-chan struct{} {
	global.Lock()
	defer global.Unlock()

	return global.fatal
}
