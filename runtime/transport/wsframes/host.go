// Package wsframes hosts agent sessions for a voice pipeline that talks to
// the agent over websockets.
//
// A pipeline opens one events socket per session and sends JSON envelopes:
// a start message first, then finished user turns, pipeline errors and
// metrics. The host answers with the composed turn message, the error
// classification, and say or generate_reply requests issued by the session.
//
// Video reaches the session through frames sockets, one per visual source.
// Every binary message on a frames socket is an encoded image (jpeg, png,
// gif or webp). Opening the socket subscribes the track; closing it ends the
// stream and clears the source.
//
// Routes:
//
//	GET /events                             events socket, server-assigned session ID
//	GET /sessions/{id}/events               events socket for session id
//	GET /sessions/{id}/frames/{source}      frames socket, source is camera or screen_share
//	GET /health                             host status
package wsframes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"golang.org/x/sync/semaphore"

	"github.com/Conversly/livekit-check/runtime/agentconfig"
	"github.com/Conversly/livekit-check/runtime/framebuffer"
	"github.com/Conversly/livekit-check/runtime/logger"
	"github.com/Conversly/livekit-check/runtime/media"
	"github.com/Conversly/livekit-check/runtime/session"
	"github.com/Conversly/livekit-check/runtime/types"
)

// DefaultMaxSessions bounds concurrently hosted sessions.
const DefaultMaxSessions = 32

const startTimeout = 10 * time.Second

// Close reasons recorded for sessions ended by the transport.
const (
	ReasonDisconnected = "participant_disconnected"
	ReasonConnLost     = "connection_lost"
	ReasonPipelineDone = "pipeline_closed"
	ReasonShutdown     = "shutdown"
)

// ErrHostClosed is returned by Shutdown when called twice.
var ErrHostClosed = errors.New("wsframes: host closed")

// SessionRequest is handed to the SessionFactory for every start message.
type SessionRequest struct {
	ID       string
	Start    StartPayload
	Pipeline session.Pipeline
}

// SessionFactory builds a session for a start message. The returned agent
// config is reported back to the pipeline.
type SessionFactory func(ctx context.Context, req SessionRequest) (*session.Session, *agentconfig.AgentConfig, error)

// Option configures a Host.
type Option func(*Host)

// WithMaxSessions bounds concurrently hosted sessions.
func WithMaxSessions(n int64) Option {
	return func(h *Host) {
		if n > 0 {
			h.maxSessions = n
		}
	}
}

// WithWriteWait sets the per-message write deadline.
func WithWriteWait(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.writeWait = d
		}
	}
}

// WithCheckOrigin sets the websocket origin check. The default accepts
// same-origin requests only.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Host) {
		h.upgrader.CheckOrigin = fn
	}
}

// Host accepts pipeline connections and runs one session per events socket.
type Host struct {
	factory     SessionFactory
	upgrader    websocket.Upgrader
	maxSessions int64
	slots       *semaphore.Weighted
	writeWait   time.Duration
	mux         *http.ServeMux

	ctx    context.Context //nolint:containedctx // parent of every hosted session
	cancel context.CancelFunc

	mu     sync.Mutex
	live   map[string]*hosted
	closed bool
	wg     sync.WaitGroup
}

// hosted is one live session and its frames sockets.
type hosted struct {
	sess        *session.Session
	handlers    session.Handlers
	participant string

	mu     sync.Mutex
	chat   types.ChatContext
	tracks map[framebuffer.VisualSource]*conn
}

// NewHost creates a Host that builds sessions with factory.
func NewHost(factory SessionFactory, opts ...Option) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		factory:     factory,
		maxSessions: DefaultMaxSessions,
		writeWait:   DefaultWriteWait,
		ctx:         ctx,
		cancel:      cancel,
		live:        make(map[string]*hosted),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.slots = semaphore.NewWeighted(h.maxSessions)

	h.mux = http.NewServeMux()
	h.mux.HandleFunc("GET /events", h.serveEvents)
	h.mux.HandleFunc("GET /sessions/{id}/events", h.serveEvents)
	h.mux.HandleFunc("GET /sessions/{id}/frames/{source}", h.serveFrames)
	h.mux.HandleFunc("GET /health", h.serveHealth)
	return h
}

// Handler returns the host's HTTP handler.
func (h *Host) Handler() http.Handler {
	return h.mux
}

// Session returns the live session with the given ID.
func (h *Host) Session(id string) (*session.Session, bool) {
	hs := h.lookup(id)
	if hs == nil {
		return nil, false
	}
	return hs.sess, true
}

// Len reports how many sessions are live.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, hs := range h.live {
		if hs != nil {
			n++
		}
	}
	return n
}

// Shutdown ends every hosted session and waits for their teardown, or for
// ctx to be done.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHostClosed
	}
	h.closed = true
	for _, hs := range h.live {
		if hs != nil {
			hs.sess.Close(ReasonShutdown)
		}
	}
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wsframes shutdown: %w", ctx.Err())
	}
}

func (h *Host) lookup(id string) *hosted {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live[id]
}

// reserve claims id for a session being set up.
func (h *Host) reserve(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHostClosed
	}
	if _, ok := h.live[id]; ok {
		return fmt.Errorf("session %s already exists", id)
	}
	h.live[id] = nil
	h.wg.Add(1)
	return nil
}

func (h *Host) release(id string) {
	h.mu.Lock()
	delete(h.live, id)
	h.mu.Unlock()
	h.wg.Done()
}

func (h *Host) serveEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = uuid.New().String()
	}

	if !h.slots.TryAcquire(1) {
		writeError(w, http.StatusServiceUnavailable, "session limit reached")
		return
	}
	defer h.slots.Release(1)

	if err := h.reserve(id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, ErrHostClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	defer h.release(id)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("events socket upgrade failed", "session_id", id, "error", err)
		return
	}
	c := newConn(ws, DefaultMaxEventSize, h.writeWait)
	ctx := logger.WithSessionID(h.ctx, id)

	start, err := readStart(c)
	if err != nil {
		logger.WarnContext(ctx, "rejecting events socket", "error", err)
		_ = c.sendPayload(TypeProtocolError, ProtocolErrorPayload{Type: TypeStart, Error: err.Error()})
		_ = c.close(websocket.ClosePolicyViolation, "start message required")
		return
	}

	pipeline := &remotePipeline{conn: c}
	sess, agent, err := h.factory(ctx, SessionRequest{ID: id, Start: start, Pipeline: pipeline})
	if err != nil {
		logger.ErrorContext(ctx, "session setup failed", "error", err)
		_ = c.sendPayload(TypeProtocolError, ProtocolErrorPayload{Type: TypeStart, Error: err.Error()})
		_ = c.close(websocket.CloseInternalServerErr, "session setup failed")
		return
	}

	hs := &hosted{
		sess:        sess,
		handlers:    sess.Handlers(),
		participant: start.Participant,
		tracks:      make(map[framebuffer.VisualSource]*conn),
	}
	h.mu.Lock()
	h.live[id] = hs
	h.mu.Unlock()

	if err := c.sendPayload(TypeStarted, started(id, start, agent)); err != nil {
		logger.WarnContext(ctx, "failed to send started message", "error", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sess.Run(ctx); err != nil {
			logger.ErrorContext(ctx, "session ended with error", "error", err)
		}
		report := sess.Report()
		_ = c.sendPayload(TypeClosed, ClosePayload{Reason: report.CloseReason})
		_ = c.close(websocket.CloseNormalClosure, report.CloseReason)
		hs.closeTracks()
	}()

	sess.Close(h.readEvents(ctx, c, hs))
	<-done
}

func readStart(c *conn) (StartPayload, error) {
	var start StartPayload
	_ = c.ws.SetReadDeadline(time.Now().Add(startTimeout))
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	typ, data, err := c.read()
	if err != nil {
		return start, fmt.Errorf("read start message: %w", err)
	}
	if typ != websocket.TextMessage {
		return start, errors.New("start message must be text")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return start, fmt.Errorf("decode start message: %w", err)
	}
	if env.Type != TypeStart {
		return start, fmt.Errorf("first message is %q, want %q", env.Type, TypeStart)
	}
	if err := json.Unmarshal(env.Payload, &start); err != nil {
		return start, fmt.Errorf("decode start payload: %w", err)
	}
	if start.Room == "" {
		return start, errors.New("start payload requires room")
	}
	return start, nil
}

func started(id string, start StartPayload, agent *agentconfig.AgentConfig) StartedPayload {
	if agent == nil {
		agent = agentconfig.Default()
	}
	kind := livekit.ParticipantInfo_STANDARD
	if start.ParticipantKind == "sip" {
		kind = livekit.ParticipantInfo_SIP
	}
	return StartedPayload{
		SessionID:         id,
		Outbound:          agent.IsOutbound(),
		Instructions:      agent.Instructions,
		STTLanguage:       agent.STTLanguage,
		TTSVoice:          agent.TTSVoice,
		TTSLanguage:       agent.TTSLanguage,
		NoiseCancellation: string(agent.NoiseCancellationFor(kind)),
	}
}

// readEvents dispatches envelopes until the socket closes and returns the
// close reason for the session.
func (h *Host) readEvents(ctx context.Context, c *conn, hs *hosted) string {
	for {
		typ, data, err := c.read()
		if err != nil {
			if normalClose(err) {
				return ReasonDisconnected
			}
			logger.DebugContext(ctx, "events socket read failed", "error", err)
			return ReasonConnLost
		}
		if typ != websocket.TextMessage {
			protocolError(ctx, c, "", errors.New("events socket accepts text messages only"))
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			protocolError(ctx, c, "", fmt.Errorf("decode envelope: %w", err))
			continue
		}
		if reason, done := h.dispatch(ctx, c, hs, env); done {
			return reason
		}
	}
}

func (h *Host) dispatch(ctx context.Context, c *conn, hs *hosted, env Envelope) (string, bool) {
	switch env.Type {
	case TypeTurnCompleted:
		var p TurnPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			protocolError(ctx, c, env.Type, err)
			return "", false
		}
		hs.turnCompleted(ctx, c, p)

	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			protocolError(ctx, c, env.Type, err)
			return "", false
		}
		cl := hs.handlers.OnError(ctx, p.PipelineError())
		_ = c.sendPayload(TypeErrorClassified, ErrorClassifiedPayload{
			Class:     cl.Class.String(),
			Category:  string(cl.Category),
			Rule:      cl.Rule,
			Signature: cl.Signature,
			Notified:  cl.Notify,
		})

	case TypeMetrics:
		var p MetricsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			protocolError(ctx, c, env.Type, err)
			return "", false
		}
		ev := p.Event()
		if ev == nil {
			protocolError(ctx, c, env.Type, fmt.Errorf("unknown metrics kind %q", p.Kind))
			return "", false
		}
		hs.handlers.OnMetrics(ctx, ev)

	case TypeClose:
		var p ClosePayload
		if len(env.Payload) > 0 {
			_ = json.Unmarshal(env.Payload, &p)
		}
		if p.Reason == "" {
			p.Reason = ReasonPipelineDone
		}
		return p.Reason, true

	default:
		protocolError(ctx, c, env.Type, fmt.Errorf("unknown message type %q", env.Type))
	}
	return "", false
}

func (hs *hosted) turnCompleted(ctx context.Context, c *conn, p TurnPayload) {
	msg := types.NewUserMessage(p.Text)
	msg.ID = p.TurnID

	hs.mu.Lock()
	defer hs.mu.Unlock()
	d, err := hs.handlers.OnTurnCompleted(ctx, &hs.chat, msg)
	if err != nil {
		protocolError(ctx, c, TypeTurnCompleted, err)
		return
	}
	hs.chat.Append(*msg)
	if err := c.sendPayload(TypeTurnComposed, turnComposed(d, msg)); err != nil {
		logger.WarnContext(ctx, "failed to send composed turn", "error", err)
	}
}

func protocolError(ctx context.Context, c *conn, typ string, err error) {
	logger.WarnContext(ctx, "bad message on events socket", "type", typ, "error", err)
	_ = c.sendPayload(TypeProtocolError, ProtocolErrorPayload{Type: typ, Error: err.Error()})
}

func (h *Host) serveFrames(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	source, err := framebuffer.ParseSource(r.PathValue("source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hs := h.lookup(id)
	if hs == nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("frames socket upgrade failed", "session_id", id, "error", err)
		return
	}
	c := newConn(ws, DefaultMaxFrameSize, h.writeWait)
	ctx := logger.WithSource(logger.WithSessionID(h.ctx, id), source.String())

	participant := r.URL.Query().Get("participant")
	if participant == "" {
		participant = hs.participant
	}
	track := newSocketTrack("TR_"+uuid.New().String()[:12], source, participant)

	// Claim the source before subscribing so the replaced socket's teardown
	// sees it is no longer current.
	if old := hs.setTrack(source, c); old != nil {
		_ = old.close(websocket.CloseNormalClosure, "replaced")
	}
	if err := hs.handlers.OnTrackSubscribed(ctx, track); err != nil {
		logger.WarnContext(ctx, "track subscription refused", "error", err)
		hs.clearTrack(source, c)
		_ = c.close(websocket.CloseTryAgainLater, "session is closing")
		return
	}

	h.ingest(ctx, c, track)

	track.end()
	if hs.clearTrack(source, c) {
		hs.handlers.OnTrackUnsubscribed(ctx, source, track.SID())
	}
	_ = c.close(websocket.CloseNormalClosure, "")
}

// ingest decodes binary messages into frames until the socket closes.
// Undecodable payloads are dropped.
func (h *Host) ingest(ctx context.Context, c *conn, track *socketTrack) {
	var dropped int
	for {
		typ, data, err := c.read()
		if err != nil {
			if !normalClose(err) {
				logger.DebugContext(ctx, "frames socket read failed", "error", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		img, _, err := media.DecodeImage(data)
		if err != nil {
			dropped++
			if dropped == 1 || dropped%100 == 0 {
				logger.WarnContext(ctx, "dropping undecodable frame", "dropped", dropped, "error", err)
			}
			continue
		}
		track.offer(framebuffer.NewFrame(img))
	}
}

// setTrack records c as the current socket for source and returns the one
// it replaces.
func (hs *hosted) setTrack(source framebuffer.VisualSource, c *conn) *conn {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	old := hs.tracks[source]
	hs.tracks[source] = c
	return old
}

// clearTrack forgets c if it is still the current socket for source.
func (hs *hosted) clearTrack(source framebuffer.VisualSource, c *conn) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.tracks[source] != c {
		return false
	}
	delete(hs.tracks, source)
	return true
}

func (hs *hosted) closeTracks() {
	hs.mu.Lock()
	conns := make([]*conn, 0, len(hs.tracks))
	for _, c := range hs.tracks {
		conns = append(conns, c)
	}
	hs.mu.Unlock()
	for _, c := range conns {
		_ = c.close(websocket.CloseNormalClosure, "session closed")
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	MaxSessions int64  `json:"max_sessions"`
}

func (h *Host) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Sessions: h.Len(), MaxSessions: h.maxSessions})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
