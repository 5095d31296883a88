// Package protocol pairs header messages with the binary payload that
// follows them on a channel, and builds outbound units that keep each pair
// together.
package protocol

import (
	"fmt"

	"github.com/tendant/simple-renderfarm/pkg/schema"
)

// Kind distinguishes structured text messages from opaque binary ones.
type Kind int

const (
	Text Kind = iota + 1
	Binary
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Binary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one message delivered by the channel.
type Message struct {
	Kind Kind
	Data []byte
}

// Target identifies what a payload describes: a frame index or the animation.
type Target struct {
	Animation bool
	Index     int
}

// FrameTarget targets frame index.
func FrameTarget(index int) Target { return Target{Index: index} }

// AnimationTarget targets the assembled animation.
func AnimationTarget() Target { return Target{Animation: true} }

func (t Target) String() string {
	if t.Animation {
		return "animation"
	}
	return fmt.Sprintf("frame %d", t.Index)
}

// Event is a decoded payload together with the header it was paired with.
type Event struct {
	Target Target
	Image  []byte
}

// Outbound is a unit handed to the channel writer. When Payload is non-nil
// it must be written immediately after Text with nothing in between.
type Outbound struct {
	Text    []byte
	Payload []byte
}

// Paired reports whether o carries a header and its payload.
func (o Outbound) Paired() bool { return o.Payload != nil }

// ControlOutbound encodes a message that carries no payload.
func ControlOutbound(m schema.ServerMessage) (Outbound, error) {
	switch m.(type) {
	case schema.FrameHeader, schema.AnimationHeader:
		return Outbound{}, fmt.Errorf("control outbound: %T is a header", m)
	}
	text, err := schema.EncodeServerMessage(m)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{Text: text}, nil
}

// FrameOutbound pairs a {frame: n} header with the frame image.
func FrameOutbound(index int, image []byte) (Outbound, error) {
	return paired(schema.FrameHeader{Index: index}, image)
}

// AnimationOutbound pairs a {gif: null} header with the animation bytes.
func AnimationOutbound(image []byte) (Outbound, error) {
	return paired(schema.AnimationHeader{}, image)
}

func paired(header schema.ServerMessage, payload []byte) (Outbound, error) {
	text, err := schema.EncodeServerMessage(header)
	if err != nil {
		return Outbound{}, err
	}
	if payload == nil {
		payload = []byte{}
	}
	return Outbound{Text: text, Payload: payload}, nil
}

// Messages flattens o into the channel messages it produces, in order.
func (o Outbound) Messages() []Message {
	msgs := []Message{{Kind: Text, Data: o.Text}}
	if o.Paired() {
		msgs = append(msgs, Message{Kind: Binary, Data: o.Payload})
	}
	return msgs
}
