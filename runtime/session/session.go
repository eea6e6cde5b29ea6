// Package session supervises one agent session.
//
// A Session owns the frame buffer, the turn composer, the error handler and
// the usage aggregator of a single room job. Run starts a supervisor that
// runs every background task of the session; task errors and panics are
// classified where they occur, and a fatal classification tears the session
// down. Teardown closes the pipeline and the frame buffer, logs the usage
// summary, saves a session report and runs shutdown hooks once.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Conversly/livekit-check/runtime/agentconfig"
	"github.com/Conversly/livekit-check/runtime/events"
	"github.com/Conversly/livekit-check/runtime/framebuffer"
	"github.com/Conversly/livekit-check/runtime/logger"
	"github.com/Conversly/livekit-check/runtime/sessionerrors"
	"github.com/Conversly/livekit-check/runtime/statestore"
	"github.com/Conversly/livekit-check/runtime/turncontext"
	"github.com/Conversly/livekit-check/runtime/types"
	"github.com/Conversly/livekit-check/runtime/usage"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultCloseReason     = "shutdown"
)

var (
	// ErrNoPipeline is returned by New when Config.Pipeline is nil.
	ErrNoPipeline = errors.New("session: pipeline is required")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("session: already running")
	// ErrClosed is returned by Run when the session was closed before it started.
	ErrClosed = errors.New("session: closed")

	errSessionClosed = errors.New("session closed")
)

// Pipeline is the external voice pipeline the session drives.
type Pipeline interface {
	// Say speaks text outside the normal reply flow.
	Say(ctx context.Context, text string) error
	// GenerateReply asks the language model for a reply with extra instructions.
	GenerateReply(ctx context.Context, instructions string) error
	// Close stops the pipeline. It is called once during teardown.
	Close(ctx context.Context) error
}

// Dialer places the phone call of an outbound session.
type Dialer interface {
	Dial(ctx context.Context, room string, agent *agentconfig.AgentConfig) error
}

// Handlers is the table of session callbacks handed to the transport.
type Handlers struct {
	OnTurnCompleted     func(ctx context.Context, chat *types.ChatContext, msg *types.Message) (turncontext.Decision, error)
	OnError             func(ctx context.Context, err error) sessionerrors.Classification
	OnMetrics           func(ctx context.Context, ev usage.MetricsEvent)
	OnTrackSubscribed   func(ctx context.Context, track framebuffer.Track) error
	OnTrackUnsubscribed func(ctx context.Context, source framebuffer.VisualSource, trackSID string)
}

// Config configures a Session.
type Config struct {
	ID          string
	Room        string
	Participant string
	Agent       *agentconfig.AgentConfig
	Pipeline    Pipeline

	// Bus receives session events. Nil disables events.
	Bus *events.EventBus
	// Store receives the session report at teardown. Defaults to memory.
	Store statestore.Store
	// Classifier defaults to the built-in signature set.
	Classifier *sessionerrors.Classifier
	// Encoder overrides the composer's frame encoder.
	Encoder turncontext.FrameEncoder
	// Dialer places the call when the agent configuration is outbound.
	// Nil leaves dialing to the telephony API.
	Dialer Dialer

	MaxFailures        int
	FailureWindow      time.Duration
	ProgressEvery      uint64
	StabilizationDelay time.Duration
	ShutdownTimeout    time.Duration
	Metadata           map[string]string
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateClosing
	stateClosed
)

// Session supervises one agent session.
type Session struct {
	id          string
	room        string
	participant string
	agent       *agentconfig.AgentConfig
	pipeline    Pipeline
	dialer      Dialer
	store       statestore.Store
	emitter     *events.Emitter

	frames   *framebuffer.Buffer
	composer *turncontext.Composer
	errors   *sessionerrors.Handler
	usage    *usage.Aggregator

	stabilization   time.Duration
	shutdownTimeout time.Duration
	metadata        map[string]string

	mu         sync.Mutex
	state      state
	group      *errgroup.Group
	ctx        context.Context //nolint:containedctx // parent of tasks started with Go
	cancel     context.CancelCauseFunc
	reason     string
	startedAt  time.Time
	hooks      []func(context.Context) error
	turns      int
	turnImages map[string]int
	errorCount map[string]int
}

// New creates a Session from cfg.
func New(cfg Config) (*Session, error) {
	if cfg.Pipeline == nil {
		return nil, ErrNoPipeline
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Agent == nil {
		cfg.Agent = agentconfig.Default()
	}
	if cfg.Store == nil {
		cfg.Store = statestore.NewMemoryStore()
	}
	if cfg.Classifier == nil {
		c, err := sessionerrors.NewClassifier(sessionerrors.ClassifierConfig{})
		if err != nil {
			return nil, fmt.Errorf("session: default classifier: %w", err)
		}
		cfg.Classifier = c
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	emitter := events.NewEmitter(cfg.Bus, cfg.ID, cfg.Room)
	s := &Session{
		id:              cfg.ID,
		room:            cfg.Room,
		participant:     cfg.Participant,
		agent:           cfg.Agent,
		pipeline:        cfg.Pipeline,
		dialer:          cfg.Dialer,
		store:           cfg.Store,
		emitter:         emitter,
		usage:           usage.NewAggregator(),
		stabilization:   cfg.StabilizationDelay,
		shutdownTimeout: cfg.ShutdownTimeout,
		metadata:        maps.Clone(cfg.Metadata),
		turnImages:      make(map[string]int),
		errorCount:      make(map[string]int),
	}

	bufOpts := []framebuffer.Option{framebuffer.WithEmitter(emitter)}
	if cfg.ProgressEvery > 0 {
		bufOpts = append(bufOpts, framebuffer.WithProgressEvery(cfg.ProgressEvery))
	}
	s.frames = framebuffer.New(bufOpts...)

	composerOpts := []turncontext.Option{turncontext.WithEmitter(emitter)}
	if cfg.Encoder != nil {
		composerOpts = append(composerOpts, turncontext.WithEncoder(cfg.Encoder))
	}
	s.composer = turncontext.NewComposer(s.frames, composerOpts...)

	handlerOpts := []sessionerrors.HandlerOption{sessionerrors.WithEmitter(emitter)}
	if cfg.MaxFailures > 0 && cfg.FailureWindow > 0 {
		handlerOpts = append(handlerOpts, sessionerrors.WithFailureBudget(cfg.MaxFailures, cfg.FailureWindow))
	}
	s.errors = sessionerrors.NewHandler(cfg.Classifier, sessionerrors.Actions{
		Say: s.pipeline.Say,
		CloseSession: func(_ context.Context, reason string) error {
			s.Close(reason)
			return nil
		},
	}, handlerOpts...)

	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Frames returns the session's frame buffer.
func (s *Session) Frames() *framebuffer.Buffer { return s.frames }

// Usage returns the current usage summary.
func (s *Session) Usage() usage.Summary { return s.usage.Summary() }

// Handlers returns the callback table bound to this session.
func (s *Session) Handlers() Handlers {
	return Handlers{
		OnTurnCompleted:     s.OnUserTurnCompleted,
		OnError:             s.HandleError,
		OnMetrics:           s.CollectMetrics,
		OnTrackSubscribed:   s.OnTrackSubscribed,
		OnTrackUnsubscribed: s.OnTrackUnsubscribed,
	}
}

func (s *Session) logContext(ctx context.Context) context.Context {
	ctx = logger.WithSessionID(ctx, s.id)
	if s.room != "" {
		ctx = logger.WithRoom(ctx, s.room)
	}
	if s.participant != "" {
		ctx = logger.WithParticipant(ctx, s.participant)
	}
	return ctx
}

// Run supervises the session until ctx is done, Close is called, or a task
// fails with a fatal error. It tears the session down before returning and
// returns the fatal task error, if any.
func (s *Session) Run(ctx context.Context) error {
	ctx = s.logContext(ctx)
	runCtx, cancel := context.WithCancelCause(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	s.mu.Lock()
	if s.state != stateIdle {
		closed := s.state == stateClosed && s.startedAt.IsZero()
		s.mu.Unlock()
		cancel(nil)
		if closed {
			return ErrClosed
		}
		return ErrAlreadyRunning
	}
	s.state = stateRunning
	s.group, s.ctx, s.cancel = g, gctx, cancel
	s.startedAt = time.Now()
	s.mu.Unlock()

	logger.InfoContext(ctx, "agent session started", "outbound", s.agent.IsOutbound())
	s.emitter.SessionStarted(s.participant, s.agent.IsOutbound())

	// Keeps the group open until the session ends; no task can be added after.
	g.Go(func() error {
		<-gctx.Done()
		s.markClosing(defaultCloseReason)
		return nil
	})
	if s.dialer != nil && s.agent.IsOutbound() {
		s.Go("sip-dial", s.dial)
	}
	s.Go("greeting", s.onEnter)

	err := g.Wait()
	cancel(errSessionClosed)
	s.shutdown(context.WithoutCancel(ctx))
	return err
}

// Go runs fn as a supervised session task. Errors and panics are classified;
// a fatal classification ends the session. It reports false once the
// session is no longer running.
func (s *Session) Go(name string, fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning {
		return false
	}
	ctx := s.ctx
	s.group.Go(func() error { return s.guard(ctx, name, fn) })
	return true
}

func (s *Session) guard(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "session task panicked",
				"task", name, "panic", r, "stack", string(debug.Stack()))
			err = s.taskFailed(ctx, name, sessionerrors.FromPanic(r))
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		return s.taskFailed(ctx, name, err)
	}
	return nil
}

func (s *Session) taskFailed(ctx context.Context, name string, err error) error {
	if c := s.HandleError(ctx, err); c.Class == sessionerrors.Fatal {
		return fmt.Errorf("session task %s: %w", name, err)
	}
	return nil
}

// Close ends the session with reason. The first reason wins.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		s.reason = reason
	}
	switch s.state {
	case stateIdle:
		s.state = stateClosed
	case stateRunning:
		s.state = stateClosing
		s.cancel(errSessionClosed)
	default:
	}
}

func (s *Session) markClosing(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		s.reason = reason
	}
	if s.state == stateRunning {
		s.state = stateClosing
	}
}

// AddShutdownHook registers fn to run once at teardown, after the session
// report is saved. Hooks run in registration order.
func (s *Session) AddShutdownHook(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Session) onEnter(ctx context.Context) error {
	if !sleep(ctx, s.stabilization) {
		return nil
	}
	policy := s.agent.Greeting()
	if !policy.Enabled {
		logger.InfoContext(ctx, "outbound call, waiting for the callee to speak first")
		return nil
	}
	if !sleep(ctx, policy.Delay) {
		return nil
	}
	if err := s.pipeline.GenerateReply(ctx, policy.Instructions); err != nil {
		logger.WarnContext(ctx, "greeting failed", "error", err)
		return nil
	}
	s.emitter.SpeechNotice(policy.Instructions, "greeting")
	return nil
}

// dial places the outbound call once the room has settled. A failed dial
// is logged and the session keeps running, since the call can still be
// placed through the telephony API.
func (s *Session) dial(ctx context.Context) error {
	if !sleep(ctx, s.stabilization) {
		return nil
	}
	if err := s.dialer.Dial(ctx, s.room, s.agent); err != nil && ctx.Err() == nil {
		logger.ErrorContext(ctx, "outbound dial failed, continuing without it",
			"phone", logger.RedactPhoneNumber(s.agent.PhoneNumber), "error", err)
	}
	return nil
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// OnTrackSubscribed starts buffering a subscribed video track.
func (s *Session) OnTrackSubscribed(ctx context.Context, track framebuffer.Track) error {
	return s.frames.OnTrackSubscribed(s.logContext(ctx), track)
}

// OnTrackUnsubscribed drops the frame of a removed video track. An empty
// trackSID clears the source whichever track feeds it.
func (s *Session) OnTrackUnsubscribed(ctx context.Context, source framebuffer.VisualSource, trackSID string) {
	s.frames.OnTrackUnsubscribed(s.logContext(ctx), source, trackSID)
}

// OnUserTurnCompleted attaches the freshest frame to the finished user turn.
func (s *Session) OnUserTurnCompleted(ctx context.Context, chat *types.ChatContext, msg *types.Message) (turncontext.Decision, error) {
	d, err := s.composer.OnUserTurnCompleted(s.logContext(ctx), chat, msg)
	if err != nil {
		return d, err
	}
	s.mu.Lock()
	s.turns++
	if d.Attached {
		s.turnImages[d.Source.String()]++
	}
	s.mu.Unlock()
	return d, nil
}

// HandleError classifies a pipeline error and applies the outcome.
func (s *Session) HandleError(ctx context.Context, err error) sessionerrors.Classification {
	c := s.errors.Handle(s.logContext(ctx), err)
	s.mu.Lock()
	s.errorCount[string(c.Category)]++
	s.mu.Unlock()
	return c
}

// CollectMetrics adds a per-turn metrics event to the usage totals and logs it.
func (s *Session) CollectMetrics(ctx context.Context, ev usage.MetricsEvent) {
	if ev == nil {
		return
	}
	ctx = s.logContext(ctx)
	s.usage.Collect(ev)
	s.emitter.MetricsCollected(string(ev.Kind()), ev.Fields())

	//exhaustive:ignore
	switch m := ev.(type) {
	case usage.LLMMetrics:
		logger.LLMMetrics(ctx, m.Model, m.TTFT, m.PromptTokens, m.CompletionTokens, m.TokensPerSecond)
	case usage.TTSMetrics:
		logger.TTSMetrics(ctx, m.TTFB, m.Characters)
	case usage.STTMetrics:
		logger.STTMetrics(ctx, m.AudioDuration)
	}
}

// Report builds the session report as of now.
func (s *Session) Report() *statestore.SessionReport {
	summary := s.usage.Summary()

	s.mu.Lock()
	defer s.mu.Unlock()
	meta := maps.Clone(s.metadata)
	if meta == nil {
		meta = make(map[string]string)
	}
	meta["stt_language"] = s.agent.STTLanguage
	meta["tts_voice"] = s.agent.TTSVoice
	return &statestore.SessionReport{
		SessionID:   s.id,
		Room:        s.room,
		Participant: s.participant,
		Outbound:    s.agent.IsOutbound(),
		StartedAt:   s.startedAt,
		EndedAt:     time.Now(),
		CloseReason: s.reason,
		Usage:       summary,
		Turns:       s.turns,
		TurnImages:  maps.Clone(s.turnImages),
		Errors:      maps.Clone(s.errorCount),
		Metadata:    meta,
	}
}

func (s *Session) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	if err := s.pipeline.Close(ctx); err != nil {
		logger.WarnContext(ctx, "failed to close pipeline", "error", err)
	}
	s.frames.Close()

	summary := s.usage.Summary()
	logger.InfoContext(ctx, "usage summary", append([]any{"summary", summary.String()}, summary.Attrs()...)...)

	report := s.Report()
	if err := s.store.Save(ctx, report); err != nil {
		logger.WarnContext(ctx, "failed to save session report", "error", err)
	}
	s.emitter.SessionClosed(report.CloseReason, report.Duration(), summary)

	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.state = stateClosed
	s.mu.Unlock()

	for i, hook := range hooks {
		if err := hook(ctx); err != nil {
			logger.WarnContext(ctx, "shutdown hook failed", "hook", i, "error", err)
		}
	}
	logger.InfoContext(ctx, "agent session closed",
		"reason", report.CloseReason, "duration", report.Duration().Round(time.Millisecond), "turns", report.Turns)
}
