// pkg/schema/messages.go
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned when a text message matches none of the known shapes.
var ErrUnknownMessage = errors.New("unknown message shape")

// WorkerState is the lifecycle state of a render worker.
type WorkerState string

const (
	WorkerPending WorkerState = "pending"
	WorkerReady   WorkerState = "ready"
	WorkerWorking WorkerState = "working"
	WorkerError   WorkerState = "error"
)

// ClientMessage is a control message sent by a client to the server.
// Implementations: AddWorker, KillWorker, SubmitJob.
type ClientMessage interface {
	isClientMessage()
}

type AddWorker struct{}

type KillWorker struct {
	ID string
}

type SubmitJob struct {
	Job Job
}

func (AddWorker) isClientMessage()  {}
func (KillWorker) isClientMessage() {}
func (SubmitJob) isClientMessage()  {}

// ServerMessage is a text message sent by the server to a client.
// FrameHeader and AnimationHeader announce the binary message that follows.
type ServerMessage interface {
	isServerMessage()
}

type JobSnapshot struct {
	Fields []JobField `json:"jobFields"`
	Job    Job        `json:"job"`
}

type ProcessInfo struct {
	State WorkerState `json:"state"`
	Frame *int        `json:"frame,omitempty"`
	Error string      `json:"error,omitempty"`
}

type ProcessesSnapshot struct {
	Processes map[string]ProcessInfo `json:"processes"`
}

type FrameHeader struct {
	Index int `json:"frame"`
}

type AnimationHeader struct{}

func (JobSnapshot) isServerMessage()       {}
func (ProcessesSnapshot) isServerMessage() {}
func (FrameHeader) isServerMessage()       {}
func (AnimationHeader) isServerMessage()   {}

// EncodeClientMessage renders m in its wire shape.
func EncodeClientMessage(m ClientMessage) ([]byte, error) {
	switch m := m.(type) {
	case AddWorker:
		return []byte(`{"addWorker":null}`), nil
	case KillWorker:
		return json.Marshal(map[string]string{"killWorker": m.ID})
	case SubmitJob:
		return json.Marshal(m.Job)
	default:
		return nil, fmt.Errorf("encode client message %T: %w", m, ErrUnknownMessage)
	}
}

// DecodeClientMessage parses a client text message.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode client message: %w", err)
	}
	if _, ok := keys["addWorker"]; ok {
		return AddWorker{}, nil
	}
	if raw, ok := keys["killWorker"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("decode killWorker: %w", err)
		}
		return KillWorker{ID: id}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var job Job
	if err := dec.Decode(&job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return SubmitJob{Job: job}, nil
}

// EncodeServerMessage renders m in its wire shape.
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	switch m := m.(type) {
	case JobSnapshot:
		return json.Marshal(m)
	case ProcessesSnapshot:
		if m.Processes == nil {
			m.Processes = map[string]ProcessInfo{}
		}
		return json.Marshal(m)
	case FrameHeader:
		return json.Marshal(m)
	case AnimationHeader:
		return []byte(`{"gif":null}`), nil
	default:
		return nil, fmt.Errorf("encode server message %T: %w", m, ErrUnknownMessage)
	}
}

// DecodeServerMessage parses a server text message.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}

	switch {
	case has(keys, "frame"):
		var h FrameHeader
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("decode frame header: %w", err)
		}
		return h, nil
	case has(keys, "gif"):
		return AnimationHeader{}, nil
	case has(keys, "processes"):
		var s ProcessesSnapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode processes: %w", err)
		}
		if s.Processes == nil {
			s.Processes = map[string]ProcessInfo{}
		}
		return s, nil
	case has(keys, "job"):
		var s JobSnapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode job snapshot: %w", err)
		}
		return s, nil
	default:
		return nil, ErrUnknownMessage
	}
}

func has(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}
