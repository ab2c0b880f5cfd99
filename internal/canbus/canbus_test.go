package canbus

import (
	"bytes"
	"errors"
	"testing"

	"github.com/lorenzodimauro97/klipper/internal/can"
	"github.com/lorenzodimauro97/klipper/internal/command"
	"github.com/lorenzodimauro97/klipper/internal/driver"
	"github.com/lorenzodimauro97/klipper/internal/sched"
)

var testUUID = [UUIDLen]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02}

// fakeDriver records sends and serves queued frames, with injectable busy
// rejections.
type fakeDriver struct {
	sent      []can.Frame
	queue     []can.Frame
	filters   []uint32
	busyN     int // reject the next N sends with ErrBusy
	busyAfter int // if > 0, reject once this many frames were accepted
	sendErr   error
	reboots   int
}

func (d *fakeDriver) Send(fr can.Frame) error {
	if d.busyN > 0 {
		d.busyN--
		return driver.ErrBusy
	}
	if d.busyAfter > 0 && len(d.sent) >= d.busyAfter {
		return driver.ErrBusy
	}
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, fr)
	return nil
}

func (d *fakeDriver) Recv(fr *can.Frame) (bool, error) {
	if len(d.queue) == 0 {
		return false, nil
	}
	*fr = d.queue[0]
	d.queue = d.queue[1:]
	return true, nil
}

func (d *fakeDriver) SetFilter(id uint32) error {
	d.filters = append(d.filters, id)
	return nil
}

func (d *fakeDriver) Reboot() error { d.reboots++; return nil }
func (d *fakeDriver) Close() error  { return nil }

func (d *fakeDriver) push(fr can.Frame) { d.queue = append(d.queue, fr) }

// rawEncoder writes a fixed byte string, standing in for the command codec.
type rawEncoder struct{ data []byte }

func (e rawEncoder) MaxSize() int          { return len(e.data) }
func (e rawEncoder) Encode(dst []byte) int { return copy(dst, e.data) }

// captureDispatcher consumes everything it is given and records the calls.
type captureDispatcher struct {
	calls   [][]byte
	consume bool
}

func (c *captureDispatcher) FindAndDispatch(buf []byte) int {
	if len(buf) == 0 {
		return 0
	}
	c.calls = append(c.calls, append([]byte{}, buf...))
	if !c.consume {
		return 0
	}
	return len(buf)
}

func newTestTransport(t *testing.T, opts ...Option) (*Transport, *fakeDriver, *sched.Scheduler) {
	t.Helper()
	fake := &fakeDriver{}
	s := sched.New()
	tr := New(fake, s, opts...)
	if err := tr.SetUUID(testUUID); err != nil {
		t.Fatalf("SetUUID: %v", err)
	}
	fake.sent = nil // drop the boot announcement
	return tr, fake, s
}

func adminFrame(cmd uint8, uuid [UUIDLen]byte, extra ...byte) can.Frame {
	payload := append([]byte{cmd}, uuid[:]...)
	payload = append(payload, extra...)
	return can.NewFrame(can.AdminID, payload)
}

func assign(t *testing.T, tr *Transport, fake *fakeDriver, enc uint8) {
	t.Helper()
	fake.push(adminFrame(CmdSetID, testUUID, enc))
	tr.NotifyRx()
	tr.RxTask()
	if tr.Assigned() != DecodeID(enc) {
		t.Fatalf("address not assigned: got %#x want %#x", tr.Assigned(), DecodeID(enc))
	}
	fake.sent = nil
	fake.filters = nil
}

func wireBytes(frames []can.Frame) []byte {
	var out []byte
	for _, fr := range frames {
		out = append(out, fr.Payload()...)
	}
	return out
}

func TestEncodeDecodeIDRoundTrip(t *testing.T) {
	for enc := 1; enc <= 0xFF; enc++ {
		id := DecodeID(uint8(enc))
		if got := EncodeID(id); got != uint8(enc) {
			t.Fatalf("round trip failed for %#x: decode=%#x encode=%#x", enc, id, got)
		}
	}
	if EncodeID(0) != 0 {
		t.Fatalf("unassigned must encode as 0")
	}
}

func TestSetUUIDAnnouncesOnce(t *testing.T) {
	fake := &fakeDriver{}
	tr := New(fake, sched.New())
	if err := tr.SetUUID(testUUID); err != nil {
		t.Fatalf("SetUUID: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected 1 announcement, got %d", len(fake.sent))
	}
	want := append([]byte{RespNeedID}, testUUID[:]...)
	want = append(want, 0)
	if fr := fake.sent[0]; fr.ID != can.AdminRespID || !bytes.Equal(fr.Payload(), want) {
		t.Fatalf("announcement: id=%#x payload=%v", fr.ID, fr.Payload())
	}
	if err := tr.SetUUID(testUUID); err == nil {
		t.Fatalf("second SetUUID must fail")
	}
}

func TestTxChunksInOrder(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	assign(t, tr, fake, 5)

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	tr.SendMessage(rawEncoder{payload})
	tr.TxTask()

	if len(fake.sent) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(fake.sent))
	}
	wantID := tr.Assigned() + 1
	for i, fr := range fake.sent {
		if fr.ID != wantID {
			t.Fatalf("frame %d id=%#x want %#x", i, fr.ID, wantID)
		}
		if fr.Len > can.MaxDataLen {
			t.Fatalf("frame %d oversized: %d", i, fr.Len)
		}
	}
	if got := wireBytes(fake.sent); !bytes.Equal(got, payload) {
		t.Fatalf("wire bytes out of order:\n got %v\nwant %v", got, payload)
	}
	if lens := []uint8{fake.sent[0].Len, fake.sent[1].Len, fake.sent[2].Len}; lens[0] != 8 || lens[1] != 8 || lens[2] != 4 {
		t.Fatalf("chunk sizes: %v", lens)
	}
}

func TestTxMultipleMessagesFIFO(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	assign(t, tr, fake, 5)

	tr.SendMessage(rawEncoder{[]byte{1, 2, 3}})
	tr.SendMessage(rawEncoder{[]byte{4, 5}})
	tr.SendMessage(rawEncoder{[]byte{6}})
	tr.TxTask()

	if got := wireBytes(fake.sent); !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("fifo order violated: %v", got)
	}
}

func TestTxCursorResetAfterDrain(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	assign(t, tr, fake, 5)

	tr.SendMessage(rawEncoder{make([]byte, 90)})
	tr.TxTask()
	fake.sent = nil

	// Fully drained: a second 90-byte message must fit again from offset 0.
	tr.SendMessage(rawEncoder{make([]byte, 90)})
	tr.TxTask()
	if got := len(wireBytes(fake.sent)); got != 90 {
		t.Fatalf("buffer was not reused after drain: sent %d bytes", got)
	}
}

func TestTxBusyStopsAndResumes(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	assign(t, tr, fake, 5)

	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(0xA0 + i)
	}
	tr.SendMessage(rawEncoder{payload})
	fake.busyN = 1
	tr.TxTask()
	if len(fake.sent) != 0 {
		t.Fatalf("sent %d frames past a busy driver", len(fake.sent))
	}
	if !tr.TxPending() {
		t.Fatalf("pending bytes lost on busy")
	}
	// Next wake resumes exactly where it stopped.
	tr.NotifyTx()
	tr.TxTask()
	if got := wireBytes(fake.sent); !bytes.Equal(got, payload) {
		t.Fatalf("resume after busy: %v", got)
	}
}

func TestTxPartialBusyKeepsRemainder(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	assign(t, tr, fake, 5)

	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(0x40 + i)
	}
	tr.SendMessage(rawEncoder{payload})
	fake.busyAfter = 1 // first frame leaves, second is rejected
	tr.TxTask()
	if got := wireBytes(fake.sent); !bytes.Equal(got, payload[:8]) {
		t.Fatalf("first chunk: %v", got)
	}
	if !tr.TxPending() {
		t.Fatalf("remainder dropped after partial drain")
	}
	fake.busyAfter = 0
	tr.NotifyTx()
	tr.TxTask()
	if got := wireBytes(fake.sent); !bytes.Equal(got, payload) {
		t.Fatalf("remainder corrupted: %v", got)
	}
}

func TestTxDiscardedWithoutAddress(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	tr.SendMessage(rawEncoder{[]byte{1, 2, 3}})
	tr.TxTask()
	if len(fake.sent) != 0 {
		t.Fatalf("unaddressed node transmitted %d frames", len(fake.sent))
	}
	if tr.TxPending() {
		t.Fatalf("buffer not discarded without an address")
	}
}

func TestSendMessageDropsWhenFull(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	assign(t, tr, fake, 5)

	tr.SendMessage(rawEncoder{make([]byte, 60)})
	tr.SendMessage(rawEncoder{make([]byte, 60)}) // cannot fit: dropped
	tr.TxTask()
	if got := len(wireBytes(fake.sent)); got != 60 {
		t.Fatalf("expected only first message on wire, got %d bytes", got)
	}
}

func TestSendMessageCompactsAroundUnsentTail(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	assign(t, tr, fake, 5)

	first := make([]byte, 60)
	for i := range first {
		first[i] = byte(i)
	}
	tr.SendMessage(rawEncoder{first})
	fake.busyAfter = 1 // one frame leaves, 52 unsent bytes remain mid-buffer
	tr.TxTask()

	second := make([]byte, 40)
	for i := range second {
		second[i] = byte(0x80 + i)
	}
	// 60 + 40 overruns the raw capacity but 52 unsent + 40 fits once the
	// consumed prefix is reclaimed.
	tr.SendMessage(rawEncoder{second})
	fake.busyAfter = 0
	tr.NotifyTx()
	tr.TxTask()
	if got := wireBytes(fake.sent); !bytes.Equal(got, append(first, second...)) {
		t.Fatalf("compaction corrupted stream: %d bytes", len(got))
	}
}

func TestRxReassemblesSplitMessage(t *testing.T) {
	disp := &captureDispatcher{consume: true}
	tr, fake, _ := newTestTransport(t, WithDispatcher(disp))
	assign(t, tr, fake, 5)

	msg := make([]byte, 30)
	for i := range msg {
		msg[i] = byte(i * 3)
	}
	addr := tr.Assigned()
	for off := 0; off < len(msg); off += can.MaxDataLen {
		end := off + can.MaxDataLen
		if end > len(msg) {
			end = len(msg)
		}
		fake.push(can.NewFrame(addr, msg[off:end]))
	}
	tr.NotifyRx()
	tr.RxTask()

	if len(disp.calls) != 1 {
		t.Fatalf("dispatcher calls: %d", len(disp.calls))
	}
	if !bytes.Equal(disp.calls[0], msg) {
		t.Fatalf("reassembly mismatch:\n got %v\nwant %v", disp.calls[0], msg)
	}
}

func TestRxBufferNeverOverflows(t *testing.T) {
	disp := &captureDispatcher{consume: false}
	tr, fake, _ := newTestTransport(t, WithDispatcher(disp))
	assign(t, tr, fake, 5)

	addr := tr.Assigned()
	chunk := make([]byte, can.MaxDataLen)
	for i := 0; i < 40; i++ { // 320 bytes into a 192 byte window
		fake.push(can.NewFrame(addr, chunk))
	}
	tr.NotifyRx()
	tr.RxTask()
	if got := tr.rx.Len(); got != ReceiveWindow {
		t.Fatalf("receive fill: got %d want %d", got, ReceiveWindow)
	}
}

func TestRxIgnoresForeignAndUnassigned(t *testing.T) {
	disp := &captureDispatcher{consume: true}
	tr, fake, _ := newTestTransport(t, WithDispatcher(disp))

	// Unassigned: even frames on some other data channel are ignored.
	fake.push(can.NewFrame(0x104, []byte{1, 2}))
	tr.NotifyRx()
	tr.RxTask()
	if len(disp.calls) != 0 || tr.rx.Len() != 0 {
		t.Fatalf("unassigned node buffered data")
	}

	assign(t, tr, fake, 5)
	fake.push(can.NewFrame(tr.Assigned()+2, []byte{3, 4})) // foreign channel
	tr.NotifyRx()
	tr.RxTask()
	if tr.rx.Len() != 0 {
		t.Fatalf("foreign frame buffered")
	}
}

func TestRxSecondMessageTriggersRewake(t *testing.T) {
	var f command.Framer
	reg := command.NewRegistry()
	var got [][]byte
	reg.Register(0x42, func(args []byte) { got = append(got, append([]byte{}, args...)) })
	tr, fake, _ := newTestTransport(t, WithDispatcher(reg))
	assign(t, tr, fake, 5)

	var wire []byte
	for _, b := range []byte{0x11, 0x22} {
		enc, err := f.Message([]byte{0x42, b})
		if err != nil {
			t.Fatalf("Message: %v", err)
		}
		dst := make([]byte, enc.MaxSize())
		wire = append(wire, dst[:enc.Encode(dst)]...)
	}
	addr := tr.Assigned()
	for off := 0; off < len(wire); off += can.MaxDataLen {
		end := off + can.MaxDataLen
		if end > len(wire) {
			end = len(wire)
		}
		fake.push(can.NewFrame(addr, wire[off:end]))
	}
	tr.NotifyRx()
	tr.RxTask()
	if len(got) != 1 {
		t.Fatalf("first pass dispatched %d messages", len(got))
	}
	// The remainder re-armed the task; the next run completes the second
	// message without new hardware input.
	tr.RxTask()
	if len(got) != 2 {
		t.Fatalf("second message not dispatched on rewake: %d", len(got))
	}
	if !bytes.Equal(got[0], []byte{0x11}) || !bytes.Equal(got[1], []byte{0x22}) {
		t.Fatalf("dispatch payloads: %v", got)
	}
}

func TestQueryUnassignedGatedOnAddress(t *testing.T) {
	tr, fake, _ := newTestTransport(t)

	fake.push(can.NewFrame(can.AdminID, []byte{CmdQueryUnassigned}))
	tr.NotifyRx()
	tr.RxTask()
	if len(fake.sent) != 1 || fake.sent[0].Data[0] != RespNeedID {
		t.Fatalf("unassigned node must answer QUERY_UNASSIGNED: %v", fake.sent)
	}

	assign(t, tr, fake, 5)
	fake.push(can.NewFrame(can.AdminID, []byte{CmdQueryUnassigned}))
	tr.NotifyRx()
	tr.RxTask()
	if len(fake.sent) != 0 {
		t.Fatalf("assigned node answered QUERY_UNASSIGNED")
	}
}

func TestQueryMatchesUUIDOnly(t *testing.T) {
	tr, fake, _ := newTestTransport(t)

	other := testUUID
	other[0] ^= 0xFF
	fake.push(adminFrame(CmdQuery, other))
	fake.push(adminFrame(CmdQuery, testUUID))
	tr.NotifyRx()
	tr.RxTask()
	if len(fake.sent) != 1 {
		t.Fatalf("expected exactly 1 response, got %d", len(fake.sent))
	}
	want := append([]byte{RespNeedID}, testUUID[:]...)
	want = append(want, 0)
	if !bytes.Equal(fake.sent[0].Payload(), want) {
		t.Fatalf("query response: %v", fake.sent[0].Payload())
	}
}

func TestSetIDAssignsAndReportsNewAddress(t *testing.T) {
	tr, fake, _ := newTestTransport(t)

	fake.push(adminFrame(CmdSetID, testUUID, 5))
	tr.NotifyRx()
	tr.RxTask()

	if tr.Assigned() != DecodeID(5) {
		t.Fatalf("assigned: got %#x want %#x", tr.Assigned(), DecodeID(5))
	}
	if len(fake.filters) != 1 || fake.filters[0] != DecodeID(5) {
		t.Fatalf("filter reconfiguration: %v", fake.filters)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected exactly 1 HAVE_CANID response, got %d", len(fake.sent))
	}
	want := append([]byte{RespHaveID}, testUUID[:]...)
	want = append(want, 5)
	if !bytes.Equal(fake.sent[0].Payload(), want) {
		t.Fatalf("response payload: %v", fake.sent[0].Payload())
	}
}

func TestSetIDSameAddressSkipsFilter(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	assign(t, tr, fake, 5)

	fake.push(adminFrame(CmdSetID, testUUID, 5))
	tr.NotifyRx()
	tr.RxTask()
	if len(fake.filters) != 0 {
		t.Fatalf("filter rewritten for unchanged address: %v", fake.filters)
	}
	if len(fake.sent) != 1 || fake.sent[0].Data[0] != RespHaveID {
		t.Fatalf("reassignment must still be acknowledged: %v", fake.sent)
	}
}

func TestSetIDShortFrameIgnored(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	payload := append([]byte{CmdSetID}, testUUID[:]...) // 7 bytes, no address
	fake.push(can.NewFrame(can.AdminID, payload))
	tr.NotifyRx()
	tr.RxTask()
	if len(fake.sent) != 0 || tr.Assigned() != 0 {
		t.Fatalf("short SET_CANID processed: sent=%d assigned=%#x", len(fake.sent), tr.Assigned())
	}
}

func TestCollisionEvictsAndHalts(t *testing.T) {
	tr, fake, s := newTestTransport(t)
	assign(t, tr, fake, 5)

	foreign := testUUID
	foreign[5] ^= 0x01
	fake.push(adminFrame(CmdSetID, foreign, 5))
	// A data frame queued behind the collision must never be processed.
	fake.push(can.NewFrame(DecodeID(5), []byte{0xBA, 0xD0}))
	tr.NotifyRx()
	tr.RxTask()

	if tr.Assigned() != 0 {
		t.Fatalf("address not cleared on collision: %#x", tr.Assigned())
	}
	if len(fake.filters) != 1 || fake.filters[0] != 0 {
		t.Fatalf("filter not cleared: %v", fake.filters)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected exactly 1 vacancy announcement, got %d", len(fake.sent))
	}
	want := append([]byte{RespNeedID}, testUUID[:]...)
	want = append(want, 0)
	if !bytes.Equal(fake.sent[0].Payload(), want) {
		t.Fatalf("vacancy response: %v", fake.sent[0].Payload())
	}
	if !s.Halted() {
		t.Fatalf("scheduler not halted after eviction")
	}
	if tr.rx.Len() != 0 {
		t.Fatalf("frames processed after eviction")
	}
}

func TestForeignSetIDDifferentAddressIgnored(t *testing.T) {
	tr, fake, s := newTestTransport(t)
	assign(t, tr, fake, 5)

	foreign := testUUID
	foreign[0] ^= 0x01
	fake.push(adminFrame(CmdSetID, foreign, 6))
	tr.NotifyRx()
	tr.RxTask()
	if s.Halted() || tr.Assigned() != DecodeID(5) || len(fake.sent) != 0 {
		t.Fatalf("unrelated assignment disturbed this node")
	}
}

func TestRebootRequiresMatchingUUID(t *testing.T) {
	tr, fake, s := newTestTransport(t)

	foreign := testUUID
	foreign[2] ^= 0x01
	fake.push(adminFrame(CmdReboot, foreign))
	tr.NotifyRx()
	tr.RxTask()
	if fake.reboots != 0 || s.Halted() {
		t.Fatalf("foreign reboot executed")
	}

	fake.push(adminFrame(CmdReboot, testUUID))
	tr.NotifyRx()
	tr.RxTask()
	if fake.reboots != 1 || !s.Halted() {
		t.Fatalf("reboot not executed: reboots=%d halted=%v", fake.reboots, s.Halted())
	}
}

func TestUnknownAdminCommandIgnored(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	fake.push(can.NewFrame(can.AdminID, []byte{0x7F, 1, 2, 3}))
	fake.push(can.NewFrame(can.AdminID, nil)) // empty admin frame
	tr.NotifyRx()
	tr.RxTask()
	if len(fake.sent) != 0 {
		t.Fatalf("unknown command produced output: %v", fake.sent)
	}
}

func TestIdentityRetriesBusyDriver(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	fake.busyN = 3
	fake.push(can.NewFrame(can.AdminID, []byte{CmdQueryUnassigned}))
	tr.NotifyRx()
	tr.RxTask()
	if len(fake.sent) != 1 {
		t.Fatalf("identity response lost to a busy driver: %d", len(fake.sent))
	}
}

func TestIdentityRetryCapHonored(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	tr.retry = RetryPolicy{MaxAttempts: 2}
	fake.busyN = 10
	fake.push(can.NewFrame(can.AdminID, []byte{CmdQueryUnassigned}))
	tr.NotifyRx()
	tr.RxTask()
	if len(fake.sent) != 0 {
		t.Fatalf("capped retry still delivered a response")
	}
	if fake.busyN != 10-2 {
		t.Fatalf("attempts made: %d want 2", 10-fake.busyN)
	}
}

func TestIdentityAbortsOnHardFault(t *testing.T) {
	tr, fake, _ := newTestTransport(t)
	fake.sendErr = errors.New("bus off")
	fake.push(can.NewFrame(can.AdminID, []byte{CmdQueryUnassigned}))
	tr.NotifyRx()
	tr.RxTask() // must not spin forever
	if len(fake.sent) != 0 {
		t.Fatalf("response sent through a faulted driver")
	}
}

// TestEnumerationScenario walks the boot sequence from the protocol contract:
// a fresh node answers QUERY_UNASSIGNED with NEED_CANID, then SET_CANID with
// encoded address 5 assigns 0x10A and is acknowledged with HAVE_CANID.
func TestEnumerationScenario(t *testing.T) {
	tr, fake, _ := newTestTransport(t)

	fake.push(can.NewFrame(can.AdminID, []byte{CmdQueryUnassigned}))
	tr.NotifyRx()
	tr.RxTask()
	wantNeed := append([]byte{RespNeedID}, testUUID[:]...)
	wantNeed = append(wantNeed, 0)
	if len(fake.sent) != 1 || !bytes.Equal(fake.sent[0].Payload(), wantNeed) {
		t.Fatalf("query_unassigned response: %v", fake.sent)
	}
	fake.sent = nil

	fake.push(adminFrame(CmdSetID, testUUID, 5))
	tr.NotifyRx()
	tr.RxTask()
	if tr.Assigned() != 0x10A {
		t.Fatalf("assigned address: got %#x want 0x10A", tr.Assigned())
	}
	wantHave := append([]byte{RespHaveID}, testUUID[:]...)
	wantHave = append(wantHave, 5)
	if len(fake.sent) != 1 || !bytes.Equal(fake.sent[0].Payload(), wantHave) {
		t.Fatalf("set_canid response: %v", fake.sent)
	}
	if len(fake.filters) != 1 || fake.filters[0] != 0x10A {
		t.Fatalf("filter: %v", fake.filters)
	}
}
