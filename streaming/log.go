package streaming

import (
	"fmt"
	"runtime/debug"

	"github.com/golang/glog"
)

// Logging convention in this package:
//   Info:  connect/disconnect, subscribe/unsubscribe, backpressure closures.
//          Silent otherwise.
//   Warning/Error: unrecoverable faults, recovered panics.
//   V(2):  per-packet tracing. Too frequent for the default log level.

// guard runs do and recovers any panic, logging it and invoking onPanic
// (if non-nil) with an error value. It wraps Client.Connect's attempt
// goroutine and the Server's listener goroutines; the Peer read/write
// loops, the Connection dispatch loop and the HTTP command-interface
// request goroutine are not wrapped, so a panic there is not recovered.
func guard(tag string, onPanic func(error), do func()) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			glog.Errorf("%s: recovered panic: %s\n%s", tag, err, debug.Stack())
			if onPanic != nil {
				onPanic(err)
			}
		}
	}()
	do()
}
