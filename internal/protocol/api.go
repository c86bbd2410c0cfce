// Package protocol defines the API request/response types. CBOR encoding
// uses the json tags.
package protocol

import (
	"github.com/livesync/livesync/internal/models"
)

const (
	// ServerVersion is reported by GET /api/rojo.
	ServerVersion = "0.5.0"
	// ProtocolVersion changes whenever a response shape changes.
	ProtocolVersion = 3
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

// ServerInfoResponse is returned by GET /api/rojo.
type ServerInfoResponse struct {
	ServerVersion    string    `json:"serverVersion"`
	ProtocolVersion  int       `json:"protocolVersion"`
	SessionID        string    `json:"sessionId"`
	ProjectName      string    `json:"projectName"`
	ExpectedPlaceIDs []int64   `json:"expectedPlaceIds,omitempty"`
	RootInstanceID   models.ID `json:"rootInstanceId"`
	MessageCursor    uint64    `json:"messageCursor"`
}

// ReadResponse is returned by GET /api/read and GET /api/read/{ids}.
type ReadResponse struct {
	SessionID     string                        `json:"sessionId"`
	MessageCursor uint64                        `json:"messageCursor"`
	RootID        models.ID                     `json:"rootInstanceId,omitempty"`
	Instances     map[models.ID]models.Instance `json:"instances"`
}

// Message is one applied PatchSet as sent to subscribers.
type Message struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Patch     models.PatchSet `json:"patch"`
}

// SubscribeResponse is returned by GET /api/subscribe/{cursor}. Messages is
// empty when the poll timed out.
type SubscribeResponse struct {
	SessionID     string    `json:"sessionId"`
	MessageCursor uint64    `json:"messageCursor"`
	Messages      []Message `json:"messages"`
}
