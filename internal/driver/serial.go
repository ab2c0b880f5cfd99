package driver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/lorenzodimauro97/klipper/internal/can"
	"github.com/lorenzodimauro97/klipper/internal/logging"
	"github.com/lorenzodimauro97/klipper/internal/metrics"
)

// txQueueDepth bounds the single-writer transmit queue; overflow maps to
// ErrBusy so the chunker defers to a later wake instead of blocking.
const txQueueDepth = 32

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Serial drives an slcan-speaking CAN adapter behind a serial port. Reads are
// decoded on an internal goroutine into a pending queue; writes funnel
// through a single writer goroutine so Send never blocks the run loop.
type Serial struct {
	port    Port
	filter  atomic.Uint32
	pending chan can.Frame
	avail   chan struct{}
	txq     chan []byte
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// OpenSerial opens the slcan adapter at name/baud.
func OpenSerial(name string, baud int, readTimeout time.Duration) (*Serial, error) {
	port, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	return NewSerial(port), nil
}

// NewSerial wraps an already-open port (fakes in tests).
func NewSerial(port Port) *Serial {
	s := &Serial{
		port:    port,
		pending: make(chan can.Frame, queueDepth),
		avail:   make(chan struct{}, 1),
		txq:     make(chan []byte, txQueueDepth),
		done:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *Serial) readLoop() {
	defer s.wg.Done()
	var line strings.Builder
	buf := make([]byte, 256)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		n, err := s.port.Read(buf)
		if err != nil && err != io.EOF {
			logging.L().Warn("slcan_read_error", "error", err)
			metrics.IncError(metrics.ErrDriverRead)
			return
		}
		for _, b := range buf[:n] {
			if b != '\r' && b != '\n' {
				line.WriteByte(b)
				continue
			}
			if fr, ok := ParseSlcan(line.String()); ok && s.accepts(fr.ID) {
				select {
				case s.pending <- fr:
					select {
					case s.avail <- struct{}{}:
					default:
					}
				default:
					// Receive FIFO full; the bus does not wait.
				}
			}
			line.Reset()
		}
	}
}

func (s *Serial) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case p := <-s.txq:
			if _, err := s.port.Write(p); err != nil {
				logging.L().Warn("slcan_write_error", "error", err)
				metrics.IncError(metrics.ErrDriverSend)
			}
		}
	}
}

func (s *Serial) accepts(id uint32) bool {
	if id == can.AdminID {
		return true
	}
	f := s.filter.Load()
	return f != 0 && id == f
}

// Send encodes fr as an slcan line and queues it for the writer goroutine.
func (s *Serial) Send(fr can.Frame) error {
	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case s.txq <- EncodeSlcan(fr):
		return nil
	default:
		return ErrBusy
	}
}

// Recv pops one decoded frame; ok is false when none is pending.
func (s *Serial) Recv(fr *can.Frame) (bool, error) {
	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if closed {
		return false, ErrClosed
	}
	select {
	case f := <-s.pending:
		*fr = f
		return true, nil
	default:
		return false, nil
	}
}

// SetFilter updates the software receive filter. slcan adapters forward all
// traffic, so filtering happens in the read loop.
func (s *Serial) SetFilter(id uint32) error {
	s.filter.Store(id)
	return nil
}

// Reboot closes the adapter; the supervisor restarts the process.
func (s *Serial) Reboot() error { return s.Close() }

// Pump forwards receive-readiness edges to notify.
func (s *Serial) Pump(ctx context.Context, notify func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.avail:
			notify()
		}
	}
}

// Close stops both IO goroutines and closes the port.
func (s *Serial) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.closeMu.Unlock()
	err := s.port.Close()
	s.wg.Wait()
	return err
}
