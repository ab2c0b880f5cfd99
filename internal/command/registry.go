package command

import (
	"log/slog"

	"github.com/lorenzodimauro97/klipper/internal/logging"
	"github.com/lorenzodimauro97/klipper/internal/metrics"
)

// Handler processes the arguments of one decoded command. args excludes the
// opcode byte.
type Handler func(args []byte)

// Registry maps command opcodes to handlers and implements Dispatcher over
// the message-block format. Unknown opcodes and empty payloads are counted
// and dropped; the consuming scan still advances so the stream stays aligned.
type Registry struct {
	handlers map[uint8]Handler
	log      *slog.Logger
}

// NewRegistry creates an empty dispatch registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[uint8]Handler),
		log:      logging.L(),
	}
}

// Register installs the handler for an opcode, replacing any previous one.
func (r *Registry) Register(op uint8, fn Handler) {
	r.handlers[op] = fn
}

// FindAndDispatch scans buf for one complete block and invokes the matching
// handler. It returns the number of bytes consumed (0 when the buffer holds
// only a partial block).
func (r *Registry) FindAndDispatch(buf []byte) int {
	payload, consumed := FindBlock(buf)
	if consumed == 0 {
		return 0
	}
	if payload == nil {
		metrics.IncMalformed()
		r.log.Debug("block_resync", "skipped", consumed)
		return consumed
	}
	metrics.IncDispatched()
	if len(payload) == 0 {
		// Empty block: a keepalive, nothing to dispatch.
		return consumed
	}
	fn, ok := r.handlers[payload[0]]
	if !ok {
		metrics.IncMalformed()
		r.log.Debug("unknown_opcode", "op", payload[0])
		return consumed
	}
	fn(payload[1:])
	return consumed
}
