//go:build linux

package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lorenzodimauro97/klipper/internal/can"
)

// SocketCAN is a raw AF_CAN socket in non-blocking mode implementing Driver.
type SocketCAN struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// OpenSocketCAN binds a non-blocking raw CAN socket to iface with the
// admin-only receive filter installed.
func OpenSocketCAN(iface string) (*SocketCAN, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	d := &SocketCAN{fd: fd}
	if err := d.SetFilter(0); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return d, nil
}

// Send writes one classic CAN frame; a full tx queue maps to ErrBusy.
func (d *SocketCAN) Send(fr can.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	// struct can_frame (linux/can.h): id u32, dlc u8, 3B pad, 8B data.
	// Kernel expects host byte order; common targets are little-endian.
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.ID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	if _, err := unix.Write(d.fd, buf[:]); err != nil {
		if err == unix.EAGAIN || err == unix.ENOBUFS {
			return ErrBusy
		}
		return fmt.Errorf("socketcan write: %w", err)
	}
	return nil
}

// Recv reads one pending frame; ok is false when the socket has none.
func (d *SocketCAN) Recv(fr *can.Frame) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("socketcan read: %w", err)
	}
	if n != unix.CAN_MTU {
		return false, fmt.Errorf("socketcan short read: %d", n)
	}
	fr.ID = binary.LittleEndian.Uint32(buf[0:4]) & can.CAN_SFF_MASK
	dlc := buf[4]
	if dlc > can.MaxDataLen {
		dlc = can.MaxDataLen
	}
	fr.Len = dlc
	copy(fr.Data[:], buf[8:8+dlc])
	return true, nil
}

// SetFilter installs kernel-side filters: the admin channel always, plus the
// assigned data identifier when nonzero.
func (d *SocketCAN) SetFilter(id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	filters := []unix.CanFilter{{Id: can.AdminID, Mask: can.CAN_SFF_MASK | unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG}}
	if id != 0 {
		filters = append(filters, unix.CanFilter{Id: id, Mask: can.CAN_SFF_MASK | unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG})
	}
	if err := unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters); err != nil {
		return fmt.Errorf("socketcan set filter: %w", err)
	}
	return nil
}

// Reboot closes the socket; the supervisor restarts the process, which is the
// closest analogue of a controller reset on a hosted node.
func (d *SocketCAN) Reboot() error { return d.Close() }

// Pump polls the socket for readability and forwards edges to notify.
func (d *SocketCAN) Pump(ctx context.Context, notify func()) {
	for {
		if ctx.Err() != nil {
			return
		}
		d.mu.Lock()
		fd := d.fd
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, 500)
		if err != nil && err != unix.EINTR {
			return
		}
		if n > 0 {
			notify()
			// Give the run loop a chance to drain before polling again.
			time.Sleep(time.Millisecond)
		}
	}
}

// Close releases the socket.
func (d *SocketCAN) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}
