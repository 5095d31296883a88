// pkg/schema/worker.go
package schema

// Messages exchanged between the farm and its render workers over NATS.
// They are msgpack encoded because results carry raw image bytes.

// WorkerHello is published by a worker once it is able to accept frames.
type WorkerHello struct {
	WorkerID string `msgpack:"worker_id"`
	Host     string `msgpack:"host,omitempty"`
}

// RenderRequest assigns one frame of a job generation to a worker.
type RenderRequest struct {
	WorkerID   string  `msgpack:"worker_id"`
	Generation uint64  `msgpack:"generation"`
	Index      int     `msgpack:"index"`
	Job        Job     `msgpack:"job"`
	Pan        float32 `msgpack:"pan"`
}

// RenderResult carries a rendered frame (PNG) or the reason it failed.
type RenderResult struct {
	WorkerID   string `msgpack:"worker_id"`
	Generation uint64 `msgpack:"generation"`
	Index      int    `msgpack:"index"`
	Image      []byte `msgpack:"image,omitempty"`
	Error      string `msgpack:"error,omitempty"`
	RenderMs   int64  `msgpack:"render_ms"`
}

// Retire asks a worker to exit once its current frame, if any, is published.
type Retire struct {
	WorkerID string `msgpack:"worker_id"`
}
