package main

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/lorenzodimauro97/klipper/internal/canbus"
	"github.com/lorenzodimauro97/klipper/internal/command"
)

// Built-in command set available on every node once it is addressed. The
// opcode space below 0x10 is reserved for these; applications register theirs
// above it.
const (
	opEcho       = 0x01
	opEchoResp   = 0x02
	opStatus     = 0x03
	opStatusResp = 0x04
)

func registerNodeCommands(reg *command.Registry, tr *canbus.Transport, framer *command.Framer, l *slog.Logger) {
	start := time.Now()
	reply := func(payload []byte) {
		enc, err := framer.Message(payload)
		if err != nil {
			l.Warn("reply_too_large", "error", err, "len", len(payload))
			return
		}
		tr.SendMessage(enc)
	}
	reg.Register(opEcho, func(args []byte) {
		reply(append([]byte{opEchoResp}, args...))
	})
	reg.Register(opStatus, func(args []byte) {
		// [tag, encoded address, receive window, uptime seconds BE32]
		var payload [7]byte
		payload[0] = opStatusResp
		payload[1] = canbus.EncodeID(tr.Assigned())
		payload[2] = canbus.ReceiveWindow
		binary.BigEndian.PutUint32(payload[3:], uint32(time.Since(start)/time.Second))
		reply(payload[:])
	})
}
