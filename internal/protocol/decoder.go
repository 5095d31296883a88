package protocol

import (
	"fmt"
	"log/slog"

	"github.com/tendant/simple-renderfarm/pkg/schema"
)

// Result is what the decoder produced for one message: either a control
// message, a paired payload event, or nothing (header or dropped message).
type Result struct {
	Control schema.ServerMessage
	Event   *Event
}

// Decoder consumes the server-to-client message stream and pairs every
// payload with the header immediately before it.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	logger     *slog.Logger
	awaiting   *Target
	violations int
	onViolate  func(reason string)
}

// NewDecoder returns a decoder with no pending header.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// OnViolation installs fn to be called with a short reason for every
// protocol violation.
func (d *Decoder) OnViolation(fn func(reason string)) {
	d.onViolate = fn
}

func (d *Decoder) violation(reason string) {
	d.violations++
	if d.onViolate != nil {
		d.onViolate(reason)
	}
}

// Decode processes one channel message. Protocol violations are logged and
// counted; they never return an error. Errors are reserved for text that
// cannot be parsed at all.
func (d *Decoder) Decode(m Message) (Result, error) {
	switch m.Kind {
	case Binary:
		ev, ok := d.Payload(m.Data)
		if !ok {
			return Result{}, nil
		}
		return Result{Event: &ev}, nil
	case Text:
		msg, err := schema.DecodeServerMessage(m.Data)
		if err != nil {
			return Result{}, fmt.Errorf("decode text message: %w", err)
		}
		switch msg := msg.(type) {
		case schema.FrameHeader:
			d.Header(FrameTarget(msg.Index))
			return Result{}, nil
		case schema.AnimationHeader:
			d.Header(AnimationTarget())
			return Result{}, nil
		case schema.JobSnapshot, schema.ProcessesSnapshot:
			return Result{Control: msg}, nil
		default:
			return Result{}, fmt.Errorf("decode text message: unhandled %T", msg)
		}
	default:
		return Result{}, fmt.Errorf("decode message: unexpected kind %s", m.Kind)
	}
}

// Header records that the next binary message describes t. A header that
// arrives while another is still waiting replaces it.
func (d *Decoder) Header(t Target) {
	if d.awaiting != nil {
		d.violation("header_before_payload")
		d.logger.Warn("header arrived before previous payload, dropping stale header",
			"stale", d.awaiting.String(), "header", t.String())
	}
	d.awaiting = &t
}

// Payload pairs data with the waiting header. A payload with no header is
// discarded and reported as false.
func (d *Decoder) Payload(data []byte) (Event, bool) {
	if d.awaiting == nil {
		d.violation("payload_without_header")
		d.logger.Warn("payload without header, discarding", "bytes", len(data))
		return Event{}, false
	}
	ev := Event{Target: *d.awaiting, Image: data}
	d.awaiting = nil
	return ev, true
}

// Awaiting returns the header still waiting for its payload, if any.
func (d *Decoder) Awaiting() (Target, bool) {
	if d.awaiting == nil {
		return Target{}, false
	}
	return *d.awaiting, true
}

// Violations returns how many protocol violations have been seen.
func (d *Decoder) Violations() int { return d.violations }
