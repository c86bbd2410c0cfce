// Package api serves the live tree and its change log over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/livesync/livesync/internal/auth"
	"github.com/livesync/livesync/internal/events"
	"github.com/livesync/livesync/internal/logging"
	"github.com/livesync/livesync/internal/metrics"
	"github.com/livesync/livesync/internal/models"
	"github.com/livesync/livesync/internal/protocol"
	"github.com/livesync/livesync/internal/session"
)

// MaxPollTimeout bounds the timeout a subscriber may ask for.
const MaxPollTimeout = 5 * time.Minute

// DefaultKeepAlive is how often an idle stream sends a comment line.
const DefaultKeepAlive = 15 * time.Second

const contentTypeCBOR = "application/cbor"

// Pool gzip writers to reduce allocations on read endpoints.
var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// Deterministic encoding keeps map order stable across responses.
var cborMode, _ = cbor.CoreDetEncOptions().EncMode()

// Session is the part of session.LiveSession the server needs.
type Session interface {
	SessionID() session.ID
	Info() session.Info
	FullSnapshot() (models.TreeSnapshot, uint64)
	ReadInstances(ids []models.ID) (map[models.ID]models.Instance, uint64)
	Subscribe(ctx context.Context, cursor uint64, timeout time.Duration) ([]events.Message, uint64, error)
	Follow(cursor uint64) *events.Subscription
}

// Server is the HTTP server.
type Server struct {
	session     Session
	auth        *auth.Auth
	pollTimeout time.Duration
	keepAlive   time.Duration
}

// NewServer creates a new server. pollTimeout is used for subscribe
// requests that do not name their own timeout.
func NewServer(sess Session, authHandler *auth.Auth, pollTimeout time.Duration) *Server {
	if authHandler == nil {
		authHandler = auth.New("")
	}
	return &Server{
		session:     sess,
		auth:        authHandler,
		pollTimeout: min(pollTimeout, MaxPollTimeout),
		keepAlive:   DefaultKeepAlive,
	}
}

// Handler returns the HTTP handler with auth, logging and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	protected := func(h http.HandlerFunc) http.Handler {
		return s.auth.Middleware(h)
	}
	mux.Handle("GET /api/rojo", protected(s.handleInfo))
	mux.Handle("GET /api/read", protected(s.handleReadAll))
	mux.Handle("GET /api/read/{ids}", protected(s.handleRead))
	mux.Handle("GET /api/subscribe/{cursor}", protected(s.handleSubscribe))
	mux.Handle("GET /api/stream/{cursor}", protected(s.handleStream))

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, protocol.HealthResponse{
		Status:    "ok",
		SessionID: s.session.SessionID().String(),
	}, false)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := s.session.Info()
	s.respond(w, r, http.StatusOK, protocol.ServerInfoResponse{
		ServerVersion:    protocol.ServerVersion,
		ProtocolVersion:  protocol.ProtocolVersion,
		SessionID:        info.SessionID.String(),
		ProjectName:      info.ProjectName,
		ExpectedPlaceIDs: info.ServePlaceIDs,
		RootInstanceID:   info.RootID,
		MessageCursor:    info.Cursor,
	}, false)
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	snap, cursor := s.session.FullSnapshot()
	s.respond(w, r, http.StatusOK, protocol.ReadResponse{
		SessionID:     s.session.SessionID().String(),
		MessageCursor: cursor,
		RootID:        snap.RootID,
		Instances:     snap.Instances,
	}, true)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.PathValue("ids"))
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid instance ids", err.Error())
		return
	}

	instances, cursor := s.session.ReadInstances(ids)
	s.respond(w, r, http.StatusOK, protocol.ReadResponse{
		SessionID:     s.session.SessionID().String(),
		MessageCursor: cursor,
		Instances:     instances,
	}, true)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	cursor, ok := s.checkCursor(w, r)
	if !ok {
		return
	}
	sessionID := s.session.SessionID()

	timeout, err := s.parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid timeout", err.Error())
		return
	}

	msgs, next, err := s.session.Subscribe(r.Context(), cursor, timeout)
	switch {
	case err == nil, errors.Is(err, events.ErrTimeout):
	case errors.Is(err, events.ErrResyncRequired):
		s.sendError(w, r, http.StatusConflict, "resync required", "cursor outside the retained window")
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logging.FromContext(r.Context()).Debug("subscriber went away", zap.Uint64("cursor", cursor))
		return
	default:
		logging.FromContext(r.Context()).Error("subscribe failed", zap.Uint64("cursor", cursor), zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "subscribe failed", "")
		return
	}

	resp := protocol.SubscribeResponse{
		SessionID:     sessionID.String(),
		MessageCursor: next,
		Messages:      make([]protocol.Message, 0, len(msgs)),
	}
	for _, msg := range msgs {
		resp.Messages = append(resp.Messages, wireMessage(msg))
	}
	s.respond(w, r, http.StatusOK, resp, false)
}

// handleStream pushes every message after the cursor as a server-sent
// event until the client leaves or falls out of the retained window.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	cursor, ok := s.checkCursor(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logging.FromContext(r.Context()).Warn("streaming not supported", zap.Error(err))
		return
	}

	sub := s.session.Follow(cursor)
	defer sub.Close()

	ctx := r.Context()
	for {
		msgs, err := sub.Next(ctx, s.keepAlive)
		switch {
		case err == nil:
		case errors.Is(err, events.ErrTimeout):
			fmt.Fprint(w, ": keepalive\n\n")
			rc.Flush()
			continue
		case errors.Is(err, events.ErrResyncRequired):
			fmt.Fprint(w, "event: resync\ndata: {}\n\n")
			rc.Flush()
			return
		default:
			return
		}

		for _, msg := range msgs {
			data, err := json.Marshal(wireMessage(msg))
			if err != nil {
				logging.FromContext(ctx).Error("failed to encode message", zap.Uint64("sequence", msg.Sequence), zap.Error(err))
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: patch\ndata: %s\n\n", msg.Sequence, data)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// checkCursor parses the cursor path value and rejects requests from
// another session. It writes the error response itself.
func (s *Server) checkCursor(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	cursor, err := strconv.ParseUint(r.PathValue("cursor"), 10, 64)
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid cursor", err.Error())
		return 0, false
	}
	if !s.session.SessionID().Matches(r.URL.Query().Get("session")) {
		metrics.RecordResync()
		s.sendError(w, r, http.StatusConflict, "resync required", "session mismatch")
		return 0, false
	}
	return cursor, true
}

func wireMessage(msg events.Message) protocol.Message {
	return protocol.Message{
		Sequence:  msg.Sequence,
		Timestamp: msg.Timestamp.UnixMilli(),
		Patch:     msg.PatchSet,
	}
}

// parseTimeout accepts a Go duration ("500ms") or a number of seconds.
func (s *Server) parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return s.pollTimeout, nil
	}
	timeout, err := time.ParseDuration(raw)
	if err != nil {
		secs, serr := strconv.ParseFloat(raw, 64)
		if serr != nil {
			return 0, err
		}
		timeout = time.Duration(secs * float64(time.Second))
	}
	if timeout < 0 {
		return 0, errors.New("timeout must not be negative")
	}
	return min(timeout, MaxPollTimeout), nil
}

func parseIDs(raw string) ([]models.ID, error) {
	var ids []models.ID
	for _, part := range strings.Split(raw, ",") {
		if part == "" {
			continue
		}
		id, err := models.ParseID(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("no ids given")
	}
	return ids, nil
}

// respond encodes v as CBOR when the client asks for it and as JSON
// otherwise. The body is gzipped when compress is set and the client
// accepts it.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, code int, v any, compress bool) {
	var (
		body        []byte
		err         error
		contentType = "application/json"
	)
	if acceptsCBOR(r) {
		contentType = contentTypeCBOR
		body, err = cborMode.Marshal(v)
	} else {
		body, err = json.Marshal(v)
	}
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to encode response", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Add("Vary", "Accept, Accept-Encoding")
	if compress && acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(code)
		gw := gzipPool.Get().(*gzip.Writer)
		gw.Reset(w)
		gw.Write(body)
		gw.Close()
		gzipPool.Put(gw)
		return
	}
	w.WriteHeader(code)
	w.Write(body)
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, code int, message, details string) {
	s.respond(w, r, code, protocol.ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	}, false)
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func acceptsCBOR(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), contentTypeCBOR)
}
