// Package driver defines the CAN hardware boundary the transport core talks
// to, plus three implementations: a Linux SocketCAN device, an slcan adapter
// behind a serial port, and an in-memory loopback bus used by the sim backend
// and the tests. All implementations are non-blocking: Send reports busy
// instead of waiting and Recv reports "none pending" instead of blocking.
package driver

import (
	"context"
	"errors"

	"github.com/lorenzodimauro97/klipper/internal/can"
)

// ErrBusy signals a transient inability to accept a frame (hardware mailbox
// or queue full). Callers defer to a later wake; every other error is a hard
// fault.
var ErrBusy = errors.New("driver: busy")

// ErrClosed is returned once a device has been shut down.
var ErrClosed = errors.New("driver: closed")

// Driver is the raw frame boundary consumed by the transport core.
type Driver interface {
	// Send queues one frame for transmission. nil means accepted; ErrBusy
	// means rejected-but-retryable.
	Send(fr can.Frame) error
	// Recv fetches one pending frame. ok is false when none is pending.
	Recv(fr *can.Frame) (ok bool, err error)
	// SetFilter reconfigures reception: the admin channel always passes, plus
	// the given data identifier when id != 0.
	SetFilter(id uint32) error
	// Reboot prepares the device for a restart (terminal from the transport's
	// point of view; the supervisor restarts the process).
	Reboot() error
	Close() error
}

// Pumper is implemented by drivers that can block waiting for receive
// readiness. The node's main loop runs Pump on its own goroutine; notify must
// be cheap and safe to call from there.
type Pumper interface {
	Pump(ctx context.Context, notify func())
}
