// Package canbus implements the node side of serial-over-CAN transport: a
// UUID-based enumeration handshake that assigns the node its bus address,
// fragmentation of command messages into 8-byte frames on the way out, and
// reassembly plus message-boundary detection on the way in. One node owns one
// Transport; its tasks run on the cooperative scheduler and never block.
package canbus

import (
	"bytes"
	"errors"
	"log/slog"
	"runtime"

	"github.com/lorenzodimauro97/klipper/internal/buffer"
	"github.com/lorenzodimauro97/klipper/internal/can"
	"github.com/lorenzodimauro97/klipper/internal/command"
	"github.com/lorenzodimauro97/klipper/internal/driver"
	"github.com/lorenzodimauro97/klipper/internal/logging"
	"github.com/lorenzodimauro97/klipper/internal/metrics"
	"github.com/lorenzodimauro97/klipper/internal/sched"
)

// Admin channel wire contract. Command codes and response tags are bit-exact
// protocol constants and must not be renumbered.
const (
	CmdQueryUnassigned = 0x00
	CmdQuery           = 0x01
	CmdSetID           = 0x02
	CmdReboot          = 0x03
	RespNeedID         = 0x20
	RespHaveID         = 0x21
)

// UUIDLen is the fixed length of a node identifier.
const UUIDLen = 6

// Buffer capacities. ReceiveWindow is advertised to hosts: it is the largest
// reassembly window a remote sender may rely on.
const (
	TransmitBufSize = 96
	ReceiveWindow   = 192
)

// EncodeID packs an assigned bus address into its 1-byte wire form; 0 means
// unassigned.
func EncodeID(id uint32) uint8 {
	if id == 0 {
		return 0
	}
	return uint8((id - 0x100) >> 1)
}

// DecodeID is the inverse of EncodeID for nonzero encodings.
func DecodeID(enc uint8) uint32 {
	return uint32(enc)<<1 + 0x100
}

// RetryPolicy governs identity response sends on the admin channel. The node
// has no other useful work while establishing identity, so the default is to
// retry a busy driver until it accepts; schedulers that need a bound can cap
// the attempts.
type RetryPolicy struct {
	// MaxAttempts caps busy retries; 0 retries until accepted.
	MaxAttempts int
	// Yield runs between attempts (defaults to runtime.Gosched).
	Yield func()
}

var errUUIDSet = errors.New("canbus: uuid already set")

// Transport is the per-node CAN transport state: identity, both pipelines and
// the admin protocol machine. All mutation happens on the scheduler's
// cooperative context.
type Transport struct {
	drv   driver.Driver
	s     *sched.Scheduler
	disp  command.Dispatcher
	log   *slog.Logger
	retry RetryPolicy

	uuid     [UUIDLen]byte
	haveUUID bool
	assigned uint32

	tx *buffer.Linear
	rx *buffer.Linear

	txWake *sched.Wake
	rxWake *sched.Wake
}

// Option configures a Transport.
type Option func(*Transport)

// WithDispatcher sets the command dispatcher receiving complete messages.
func WithDispatcher(d command.Dispatcher) Option { return func(t *Transport) { t.disp = d } }

// WithLogger overrides the default global logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithRetryPolicy sets the admin response retry policy.
func WithRetryPolicy(p RetryPolicy) Option { return func(t *Transport) { t.retry = p } }

// WithBufferSizes overrides the transmit/receive capacities (tests only; the
// advertised window is the default).
func WithBufferSizes(tx, rx int) Option {
	return func(t *Transport) {
		t.tx = buffer.New(tx)
		t.rx = buffer.New(rx)
	}
}

// New wires a Transport onto the scheduler: both pipeline tasks and the
// shutdown hook are registered here.
func New(drv driver.Driver, s *sched.Scheduler, opts ...Option) *Transport {
	t := &Transport{
		drv: drv,
		s:   s,
		log: logging.L(),
		tx:  buffer.New(TransmitBufSize),
		rx:  buffer.New(ReceiveWindow),
	}
	for _, o := range opts {
		o(t)
	}
	t.txWake = s.RegisterTask("canbus_tx", t.TxTask)
	t.rxWake = s.RegisterTask("canbus_rx", t.RxTask)
	s.RegisterShutdown(t.shutdown)
	return t
}

// NotifyTx marks the transmit task runnable.
func (t *Transport) NotifyTx() { t.s.Notify(t.txWake) }

// NotifyRx marks the receive task runnable.
func (t *Transport) NotifyRx() { t.s.Notify(t.rxWake) }

// Assigned returns the current bus address (0 = unassigned).
func (t *Transport) Assigned() uint32 { return t.assigned }

// UUID returns the node identifier.
func (t *Transport) UUID() [UUIDLen]byte { return t.uuid }

// TxPending reports whether unsent bytes remain in the transmit buffer.
func (t *Transport) TxPending() bool { return t.tx.Len() > 0 }

// SetUUID installs the node identifier exactly once, re-arms the receive task
// and announces the node's presence so bus observers learn of a fresh node
// without polling.
func (t *Transport) SetUUID(uuid [UUIDLen]byte) error {
	if t.haveUUID {
		return errUUIDSet
	}
	t.uuid = uuid
	t.haveUUID = true
	t.NotifyRx()
	t.sendIdentity()
	metrics.SetNodeInfo(formatUUID(uuid))
	t.log.Info("canbus_uuid_set", "uuid", formatUUID(uuid), "rx_window", ReceiveWindow)
	return nil
}

// SendMessage encodes one outgoing message into the transmit buffer and wakes
// the chunker. Best effort: with no room even after compaction the message is
// dropped silently, because the transport has no flow-control signal to lean
// on and a retrying caller would deadlock the fixed buffer.
func (t *Transport) SendMessage(enc command.Encoder) {
	region := t.tx.Reserve(enc.MaxSize())
	if region == nil {
		metrics.IncTxDroppedMessage()
		t.log.Debug("tx_drop_no_space", "need", enc.MaxSize(), "unread", t.tx.Len())
		return
	}
	n := enc.Encode(region)
	t.tx.Commit(n)
	t.NotifyTx()
}

// TxTask slices buffered bytes into frames of at most 8 bytes addressed to
// assigned+1. It stops at the first rejected send and waits for the next
// wake; with no address assigned the buffer contents are meaningless and are
// discarded.
func (t *Transport) TxTask() {
	if !t.txWake.CheckAndClear() {
		return
	}
	id := t.assigned
	if id == 0 {
		if t.tx.Len() > 0 {
			metrics.IncTxDiscard()
		}
		t.tx.Reset()
		return
	}
	for t.tx.Len() > 0 {
		chunk := t.tx.Peek(can.MaxDataLen)
		if err := t.drv.Send(can.NewFrame(id+1, chunk)); err != nil {
			if !errors.Is(err, driver.ErrBusy) {
				metrics.IncError(metrics.ErrDriverSend)
				t.log.Warn("tx_send_error", "error", err)
			}
			break
		}
		metrics.IncTxFrame()
		t.tx.Advance(len(chunk))
	}
}

// RxTask drains every pending hardware frame, routing data frames into the
// receive buffer and admin frames to the protocol machine, then runs message
// boundary detection on the accumulated bytes.
func (t *Transport) RxTask() {
	if !t.rxWake.CheckAndClear() {
		return
	}
	for {
		var fr can.Frame
		ok, err := t.drv.Recv(&fr)
		if err != nil {
			if !errors.Is(err, driver.ErrClosed) {
				metrics.IncError(metrics.ErrDriverRead)
				t.log.Warn("rx_read_error", "error", err)
			}
			break
		}
		if !ok {
			break
		}
		switch {
		case fr.ID != 0 && fr.ID == t.assigned:
			stored := t.rx.Append(fr.Payload())
			metrics.IncRxFrame()
			metrics.AddRxDroppedBytes(int(fr.Len) - stored)
		case fr.ID == can.AdminID:
			if halted := t.processAdmin(fr.Payload()); halted {
				// Self-eviction: nothing in this buffer may be processed.
				return
			}
		}
	}
	if t.disp == nil {
		return
	}
	consumed := t.disp.FindAndDispatch(t.rx.Unread())
	if consumed > 0 {
		if rest := t.rx.Consume(consumed); rest > 0 {
			// A second complete message may already be buffered.
			t.NotifyRx()
		}
	}
}

// shutdown re-arms both tasks so a halting scheduler lets them observe the
// terminal state.
func (t *Transport) shutdown() {
	t.NotifyTx()
	t.NotifyRx()
}

// matchUUID verifies a command carries this node's UUID at the fixed offset.
func (t *Transport) matchUUID(data []byte) bool {
	return len(data) >= 1+UUIDLen && bytes.Equal(data[1:1+UUIDLen], t.uuid[:])
}

// processAdmin handles one admin channel command. Unrecognized or short
// frames are ignored. The returned flag reports a terminal halt (collision
// eviction or a host-requested reboot).
func (t *Transport) processAdmin(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	switch data[0] {
	case CmdQueryUnassigned:
		metrics.IncAdminCommand(metrics.CmdQueryUnassigned)
		if t.assigned == 0 {
			t.sendIdentity()
		}
	case CmdQuery:
		metrics.IncAdminCommand(metrics.CmdQuery)
		if t.matchUUID(data) {
			t.sendIdentity()
		}
	case CmdSetID:
		metrics.IncAdminCommand(metrics.CmdSetID)
		return t.processSetID(data)
	case CmdReboot:
		metrics.IncAdminCommand(metrics.CmdReboot)
		if t.matchUUID(data) {
			if err := t.drv.Reboot(); err != nil {
				metrics.IncError(metrics.ErrDriverReboot)
				t.log.Warn("reboot_error", "error", err)
			}
			t.s.Fatal("reboot requested on admin channel")
			return true
		}
	default:
		metrics.IncMalformed()
	}
	return false
}

// processSetID applies an address assignment or detects a collision: a
// foreign UUID being handed this node's current address means two nodes would
// share a channel, so this node vacates it, announces the vacancy and halts.
func (t *Transport) processSetID(data []byte) bool {
	if len(data) < 1+UUIDLen+1 {
		metrics.IncMalformed()
		return false
	}
	newID := DecodeID(data[1+UUIDLen])
	switch {
	case t.matchUUID(data):
		if newID != t.assigned {
			t.setAddress(newID)
		}
		t.sendIdentity()
	case newID == t.assigned:
		metrics.IncCollision()
		t.setAddress(0)
		t.sendIdentity()
		t.s.Fatal("Another CAN node assigned this ID")
		return true
	}
	return false
}

// setAddress updates the assigned address and the hardware receive filter.
func (t *Transport) setAddress(id uint32) {
	t.assigned = id
	metrics.SetAssignedAddress(id)
	if err := t.drv.SetFilter(id); err != nil {
		metrics.IncError(metrics.ErrDriverFilter)
		t.log.Warn("set_filter_error", "error", err, "id", id)
	}
	if id == 0 {
		t.log.Info("canid_cleared")
	} else {
		t.log.Info("canid_assigned", "id", id)
	}
}

// sendIdentity emits one identity response frame on the admin response
// channel: tag, UUID, encoded current address. A busy driver is retried per
// the policy; enumeration responses must land even before a data channel
// exists. Hard driver faults abort the response.
func (t *Transport) sendIdentity() {
	var payload [8]byte
	if t.assigned != 0 {
		payload[0] = RespHaveID
	} else {
		payload[0] = RespNeedID
	}
	copy(payload[1:], t.uuid[:])
	payload[7] = EncodeID(t.assigned)
	fr := can.NewFrame(can.AdminRespID, payload[:])

	attempts := 0
	for {
		err := t.drv.Send(fr)
		if err == nil {
			metrics.IncAdminResponse()
			return
		}
		if !errors.Is(err, driver.ErrBusy) {
			metrics.IncError(metrics.ErrDriverSend)
			t.log.Warn("identity_send_error", "error", err)
			return
		}
		attempts++
		if t.retry.MaxAttempts > 0 && attempts >= t.retry.MaxAttempts {
			t.log.Warn("identity_send_exhausted", "attempts", attempts)
			return
		}
		if t.retry.Yield != nil {
			t.retry.Yield()
		} else {
			runtime.Gosched()
		}
	}
}

func formatUUID(u [UUIDLen]byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 0, UUIDLen*2)
	for _, b := range u {
		out = append(out, hex[b>>4], hex[b&0x0F])
	}
	return string(out)
}
