package ingest

import (
	"github.com/MrWong99/voxid/internal/app"
	"github.com/MrWong99/voxid/internal/failure"
	"github.com/MrWong99/voxid/internal/health"
	"github.com/MrWong99/voxid/internal/identity"
)

// Inbound message types sent by the diarization engine.
const (
	TypeEmbedding = "embedding"
	TypeSegment   = "segment"
	TypeError     = "error"
	TypeResult    = "result"
	TypeEnd       = "end"
)

// Outbound message types sent back over the stream.
const (
	TypeResolution   = "resolution"
	TypeHealth       = "health"
	TypeNotification = "notification"
	TypeSummary      = "summary"
)

// Inbound is one engine message. Which fields are set depends on Type.
type Inbound struct {
	Type string `json:"type"`

	// embedding
	Vector       []float32 `json:"vector,omitempty"`
	Label        string    `json:"label,omitempty"`
	Start        float64   `json:"start,omitempty"`
	End          float64   `json:"end,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	Model        string    `json:"model,omitempty"`
	QualityScore *float64  `json:"quality_score,omitempty"`

	// segment, also uses Start and End
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// result
	Result *failure.Result `json:"result,omitempty"`
}

// Outbound is one message pushed to the engine side.
type Outbound struct {
	Type         string                `json:"type"`
	Resolution   *identity.Resolution  `json:"resolution,omitempty"`
	Health       *health.Event         `json:"health,omitempty"`
	Notification *failure.Notification `json:"notification,omitempty"`
	Summary      *app.Summary          `json:"summary,omitempty"`

	// Error carries protocol errors (Type "error") and the cause of a
	// failed resolution.
	Error string `json:"error,omitempty"`
}
