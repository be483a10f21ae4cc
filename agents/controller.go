package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	realtime "github.com/bt-bridge/primer-realtime"
	"github.com/bt-bridge/primer-realtime/ephemeral"
	"github.com/bt-bridge/primer-realtime/shared"
	"github.com/bt-bridge/primer-realtime/store"
	"go.uber.org/zap"
)

const (
	DefaultGraceWindow       = 5 * time.Second
	DefaultInactivityTimeout = 15 * time.Second

	AgentName = "Primer"

	DefaultInstructions = "You are Primer, a friendly and patient AI tutor for children. " +
		"You explain things in simple, engaging ways and encourage curiosity and learning. " +
		"You are kind, supportive, and always make learning fun."

	DefaultGreeting = "Hello! Please introduce yourself and let me know you're ready to help me learn."
)

// User-facing notices.
const (
	NoticeMissingKey   = "Please set your OpenAI API key in settings first!"
	NoticeSessionError = "Realtime session error. Please check the logs for details."
	NoticeConnLost     = "The connection to Primer was lost. Press connect to talk again."
)

var languageDirectives = map[store.Locale]string{
	store.LocaleEnglish: "Always speak English, using short sentences and words a young child knows.",
	store.LocalePolish: "Zawsze mów po polsku, krótkimi zdaniami i słowami zrozumiałymi dla małego dziecka. " +
		"Always answer in Polish, even if the child mixes in English words.",
}

// Transport is an open realtime session. *realtime.Session implements it.
// The controller never holds its lock while calling a Transport, so an
// implementation may deliver session events synchronously from any method.
type Transport interface {
	SetMicMuted(muted bool) error
	RequestResponse(instructions string) error
	SendMessage(text string) error
	Interrupt() error
	StartUserTurn() error
	CommitUserTurn() error
	Close() error
}

// Dialer opens a Transport authorized by an ephemeral key. Events of the
// new session must be delivered to handler, one at a time, in order.
type Dialer interface {
	Dial(ctx context.Context, key string, agent *realtime.AgentConfig, handler realtime.AgentEventHandler) (Transport, error)
}

type CredentialSource interface {
	Load() (store.Credentials, error)
}

type Exchanger interface {
	Exchange(ctx context.Context, apiKey string) (*ephemeral.Credential, error)
}

// Notifier surfaces a message the user has to see.
type Notifier interface {
	Alert(message string)
}

type NotifierFunc func(message string)

func (f NotifierFunc) Alert(message string) { f(message) }

// Observer is told about every state change, synchronously and in order.
// It must not call Connect, Disconnect, Interrupt or the push-to-talk
// methods itself; State and Status are safe.
type Observer func(state State)

type Options struct {
	Credentials CredentialSource
	Exchanger   Exchanger
	Dialer      Dialer
	Notifier    Notifier
	Observer    Observer

	// GraceWindow keeps the microphone muted after connecting while the
	// greeting plays. Zero disables it.
	GraceWindow       time.Duration
	InactivityTimeout time.Duration
	Greeting          string

	Model              string
	Voice              string
	TranscriptionModel string
	// TurnDetection tunes automatic mode. Nil uses the defaults.
	TurnDetection *realtime.TurnDetection
	Tools         []realtime.Tool
}

func DefaultOptions() Options {
	return Options{
		GraceWindow:       DefaultGraceWindow,
		InactivityTimeout: DefaultInactivityTimeout,
		Greeting:          DefaultGreeting,
	}
}

// Controller owns the single conversation: it opens and tears down the
// realtime session and keeps the conversation State in step with the
// session's events.
type Controller struct {
	logger shared.LoggerAdapter
	opts   Options

	mu        sync.Mutex
	callMu    sync.Mutex
	phase     phase
	gen       uint64
	transport Transport
	manual    bool
	inGrace   bool
	dialErr   error
	cancel    context.CancelFunc

	graceTimer      *time.Timer
	inactivityTimer *time.Timer
	inactivitySeq   uint64

	transcript string
	response   string

	state  atomic.Int32
	status atomic.Int32
}

func NewController(logger shared.LoggerAdapter, opts Options) (*Controller, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Credentials == nil || opts.Exchanger == nil || opts.Dialer == nil {
		return nil, errors.New("credentials, exchanger and dialer are required")
	}
	if opts.GraceWindow < 0 {
		opts.GraceWindow = 0
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	if opts.Greeting == "" {
		opts.Greeting = DefaultGreeting
	}
	if opts.TurnDetection == nil {
		opts.TurnDetection = realtime.DefaultTurnDetection()
	}
	return &Controller{
		logger: logger.With(zap.String("component", "controller")),
		opts:   opts,
	}, nil
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) Status() realtime.ConnectionStatus {
	switch phase(c.status.Load()) {
	case phaseConnecting:
		return realtime.ConnectionStatusConnecting
	case phaseConnected:
		return realtime.ConnectionStatusConnected
	default:
		return realtime.ConnectionStatusDisconnected
	}
}

func (c *Controller) LatestTranscript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript
}

func (c *Controller) LatestResponse() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// Connect opens a session. It returns nil without doing anything while a
// session is already open or being opened.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != phaseIdle {
		c.mu.Unlock()
		c.logger.Debug("connect ignored, session already active")
		return nil
	}
	c.gen++
	gen := c.gen
	c.setPhase(phaseConnecting)
	c.dialErr = nil
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	creds, err := c.opts.Credentials.Load()
	if err != nil {
		c.abort(gen, fmt.Sprintf("Failed to connect: %v", err))
		return fmt.Errorf("loading credentials: %w", err)
	}
	if creds.APIKey == "" {
		c.abort(gen, NoticeMissingKey)
		return shared.ErrNoAPIKey
	}

	secret, err := c.opts.Exchanger.Exchange(ctx, creds.APIKey)
	if err != nil {
		if !c.abort(gen, fmt.Sprintf("Failed to connect: %v", err)) {
			return shared.ErrStaleAttempt
		}
		c.logger.Error("ephemeral key exchange failed", err)
		if !errors.Is(err, shared.ErrExchangeFailed) {
			err = fmt.Errorf("%w: %w", shared.ErrExchangeFailed, err)
		}
		return err
	}
	if !c.current(gen) {
		return shared.ErrStaleAttempt
	}

	agent := c.agentConfig(creds)
	transport, err := c.opts.Dialer.Dial(ctx, secret.Value, agent, func(event realtime.AgentEvent) {
		c.handle(gen, event)
	})
	if err != nil {
		if !c.abort(gen, fmt.Sprintf("Failed to connect: %v", err)) {
			return shared.ErrStaleAttempt
		}
		c.logger.Error("opening realtime session failed", err)
		return fmt.Errorf("%w: %w", shared.ErrTransport, err)
	}

	c.mu.Lock()
	if c.gen != gen || c.phase != phaseConnecting {
		c.mu.Unlock()
		c.closeTransport(transport)
		return shared.ErrStaleAttempt
	}
	if c.dialErr != nil {
		err := c.dialErr
		c.mu.Unlock()
		c.closeTransport(transport)
		c.abort(gen, NoticeSessionError)
		return fmt.Errorf("%w: %w", shared.ErrTransport, err)
	}
	c.transport = transport
	c.manual = creds.PushToTalk
	c.cancel = nil
	c.setPhase(phaseConnected)
	c.logger.Info(
		"session opened",
		zap.Bool("push_to_talk", c.manual),
		zap.String("locale", string(creds.Locale)),
	)

	pending := calls{c.micCall(true)}
	if c.opts.GraceWindow > 0 {
		c.inGrace = true
		c.setState(StateMuted)
		c.graceTimer = time.AfterFunc(c.opts.GraceWindow, func() { c.onGraceElapsed(gen) })
	} else {
		pending = append(pending, c.micCall(c.manual))
		c.setState(StateListening)
	}
	greeting := c.opts.Greeting
	pending = append(pending, func() {
		if err := transport.SendMessage(greeting); err != nil {
			c.logger.Warn("requesting greeting failed", zap.Error(err))
		}
	})
	c.mu.Unlock()
	c.run(pending)
	return nil
}

// Disconnect tears everything down. Calling it again, or while idle, is
// harmless.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	transport := c.reset()
	c.mu.Unlock()
	if transport != nil {
		c.logger.Info("session closed by user")
	}
	c.closeTransport(transport)
}

// Interrupt stops the assistant mid-answer.
func (c *Controller) Interrupt() error {
	c.mu.Lock()
	if c.phase != phaseConnected {
		c.mu.Unlock()
		return shared.ErrNoSession
	}
	transport := c.transport
	c.setState(c.restingState())
	c.mu.Unlock()

	var err error
	c.run(calls{func() { err = transport.Interrupt() }})
	if err != nil {
		c.logger.Warn("interrupt failed", zap.Error(err))
	}
	return err
}

// StartPushToTalk opens a manual turn. It ends the grace window early.
func (c *Controller) StartPushToTalk() error {
	err := c.manualTurn(StateListening, Transport.StartUserTurn)
	if err != nil && !errors.Is(err, shared.ErrNoSession) && !errors.Is(err, shared.ErrNotPushToTalk) {
		return fmt.Errorf("starting user turn: %w", err)
	}
	return err
}

// StopPushToTalk hands the recorded turn to the assistant.
func (c *Controller) StopPushToTalk() error {
	err := c.manualTurn(StateThinking, Transport.CommitUserTurn)
	if err != nil && !errors.Is(err, shared.ErrNoSession) && !errors.Is(err, shared.ErrNotPushToTalk) {
		return fmt.Errorf("committing user turn: %w", err)
	}
	return err
}

// manualTurn moves to next and then runs call on the transport. When call
// fails and nothing else has moved the state since, the previous state is
// restored.
func (c *Controller) manualTurn(next State, call func(Transport) error) error {
	c.mu.Lock()
	if c.phase != phaseConnected {
		c.mu.Unlock()
		return shared.ErrNoSession
	}
	if !c.manual {
		c.mu.Unlock()
		return shared.ErrNotPushToTalk
	}
	if next == StateListening {
		c.stopGrace()
	}
	transport, gen, prev := c.transport, c.gen, c.State()
	c.setState(next)
	c.mu.Unlock()

	var err error
	c.run(calls{func() { err = call(transport) }})
	if err == nil {
		return nil
	}
	c.mu.Lock()
	if c.gen == gen && c.phase == phaseConnected && c.State() == next {
		c.setState(prev)
	}
	c.mu.Unlock()
	return err
}

func (c *Controller) agentConfig(creds store.Credentials) *realtime.AgentConfig {
	instructions := creds.SystemPrompt
	if instructions == "" {
		instructions = DefaultInstructions
	}
	locale := creds.Locale
	if _, ok := languageDirectives[locale]; !ok {
		locale = store.DefaultLocale
	}
	agent := &realtime.AgentConfig{
		Name:               AgentName,
		Model:              c.opts.Model,
		Instructions:       instructions + "\n\n" + languageDirectives[locale],
		Voice:              c.opts.Voice,
		TranscriptionModel: c.opts.TranscriptionModel,
		Tools:              c.opts.Tools,
	}
	if !creds.PushToTalk {
		td := *c.opts.TurnDetection
		agent.TurnDetection = &td
	}
	return agent
}

// handle runs every session event through the state machine. Events of a
// superseded attempt are dropped.
func (c *Controller) handle(gen uint64, event realtime.AgentEvent) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.phase == phaseConnecting {
		if err := fatalError(event); err != nil && c.dialErr == nil {
			c.dialErr = err
		}
		c.mu.Unlock()
		return
	}
	if c.phase != phaseConnected {
		c.mu.Unlock()
		return
	}

	var td *teardown
	switch event.Type {
	case realtime.AgentEventConnectionChange:
		td = c.onConnectionChange(event.Status)
	case realtime.AgentEventAgentStart:
		c.onAgentStart()
	case realtime.AgentEventAgentEnd:
		c.logger.Debug("response finished", zap.String("response_id", event.ResponseId))
	case realtime.AgentEventAudioStart:
		c.onAudioStart()
	case realtime.AgentEventAudioStopped:
		c.onAudioStopped()
	case realtime.AgentEventAudioInterrupted:
		c.onAudioInterrupted()
	case realtime.AgentEventHistoryAdded, realtime.AgentEventHistoryUpdated:
		c.onHistory(event)
	case realtime.AgentEventToolStart:
		c.logger.Info("tool call started", zap.String("tool", event.Tool.Name))
	case realtime.AgentEventToolEnd:
		c.logger.Info("tool call finished", zap.String("tool", event.Tool.Name))
	case realtime.AgentEventError:
		td = c.onError(event.Err)
	default:
		c.logger.Trace("unhandled agent event", zap.String("type", string(event.Type)))
	}
	c.mu.Unlock()
	c.finish(td)
}

func fatalError(event realtime.AgentEvent) error {
	switch {
	case event.Type == realtime.AgentEventError:
		return event.Err
	case event.Type == realtime.AgentEventConnectionChange &&
		event.Status == realtime.ConnectionStatusDisconnected:
		return errors.New("connection lost")
	}
	return nil
}

func (c *Controller) onConnectionChange(status realtime.ConnectionStatus) *teardown {
	switch status {
	case realtime.ConnectionStatusConnected:
		if s := c.State(); s == StateMuted || s == StateListening {
			c.setState(c.restingState())
		}
	case realtime.ConnectionStatusConnecting:
		c.logger.Info("realtime connection not ready, waiting for it to recover")
	case realtime.ConnectionStatusDisconnected:
		c.logger.Warn("realtime connection lost")
		return c.teardown(NoticeConnLost)
	}
	return nil
}

func (c *Controller) onAgentStart() {
	c.setState(StateThinking)
}

func (c *Controller) onAudioStart() {
	c.setState(StateSpeaking)
}

func (c *Controller) onAudioStopped() {
	if c.State() != StateSpeaking {
		return
	}
	c.setState(c.restingState())
}

func (c *Controller) onAudioInterrupted() {
	switch c.State() {
	case StateSpeaking, StateThinking:
		c.setState(c.restingState())
	}
}

func (c *Controller) onHistory(event realtime.AgentEvent) {
	items := event.History
	if event.Item != nil {
		items = []realtime.HistoryItem{*event.Item}
	}
	for _, item := range items {
		if item.Kind != realtime.ItemTypeMessage || item.Text == "" {
			continue
		}
		switch item.Role {
		case realtime.RoleUser:
			c.transcript = item.Text
		case realtime.RoleAssistant:
			c.response = item.Text
		}
	}
}

func (c *Controller) onError(err error) *teardown {
	c.logger.Error("realtime session error", err)
	return c.teardown(NoticeSessionError)
}

func (c *Controller) onGraceElapsed(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || !c.inGrace {
		c.mu.Unlock()
		return
	}
	c.graceTimer = nil
	c.inGrace = false
	c.logger.Debug("grace window elapsed")
	var pending calls
	if !c.manual {
		pending = append(pending, c.micCall(false))
	}
	if c.State() == StateMuted {
		c.setState(StateListening)
	}
	c.mu.Unlock()
	c.run(pending)
}

func (c *Controller) onInactivity(gen, seq uint64) {
	c.mu.Lock()
	if c.gen != gen || c.inactivitySeq != seq || c.inactivityTimer == nil {
		c.mu.Unlock()
		return
	}
	c.inactivityTimer = nil
	if c.State() != StateListening {
		c.mu.Unlock()
		return
	}
	c.logger.Info("no activity, closing session", zap.Duration("after", c.opts.InactivityTimeout))
	td := c.teardown("")
	c.mu.Unlock()
	c.finish(td)
}

// restingState is where the conversation goes when nobody is talking.
func (c *Controller) restingState() State {
	if c.inGrace {
		return StateMuted
	}
	return StateListening
}

// setState records a transition and tells the observer. Leaving speaking
// for listening in automatic mode arms the inactivity timer; any other
// transition disarms it.
func (c *Controller) setState(next State) {
	prev := c.State()
	if prev == next {
		return
	}
	c.state.Store(int32(next))
	c.logger.Debug("state changed", zap.Stringer("from", prev), zap.Stringer("to", next))

	if prev == StateSpeaking && next == StateListening && !c.manual && c.phase == phaseConnected {
		c.armInactivity()
	} else {
		c.stopInactivity()
	}
	if c.opts.Observer != nil {
		c.opts.Observer(next)
	}
}

func (c *Controller) armInactivity() {
	c.stopInactivity()
	c.inactivitySeq++
	gen, seq := c.gen, c.inactivitySeq
	c.inactivityTimer = time.AfterFunc(c.opts.InactivityTimeout, func() { c.onInactivity(gen, seq) })
}

func (c *Controller) stopInactivity() {
	if c.inactivityTimer != nil {
		c.inactivityTimer.Stop()
		c.inactivityTimer = nil
	}
}

func (c *Controller) stopGrace() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.inGrace = false
}

// InactivityArmed reports whether the inactivity timer is pending.
func (c *Controller) InactivityArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inactivityTimer != nil
}

// calls are transport operations collected under c.mu and run in order
// once it is released.
type calls []func()

func (c *Controller) run(pending calls) {
	if len(pending) == 0 {
		return
	}
	c.callMu.Lock()
	defer c.callMu.Unlock()
	for _, call := range pending {
		if call != nil {
			call()
		}
	}
}

func (c *Controller) micCall(muted bool) func() {
	transport := c.transport
	if transport == nil {
		return nil
	}
	return func() {
		if err := transport.SetMicMuted(muted); err != nil {
			c.logger.Warn("setting microphone mute failed", zap.Error(err))
		}
	}
}

func (c *Controller) setPhase(p phase) {
	c.phase = p
	c.status.Store(int32(p))
}

type teardown struct {
	transport Transport
	notice    string
}

// teardown resets the controller to idle and returns what must be done
// once the lock is released.
func (c *Controller) teardown(notice string) *teardown {
	return &teardown{transport: c.reset(), notice: notice}
}

// reset invalidates the current attempt and returns the transport to close.
func (c *Controller) reset() Transport {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.stopGrace()
	c.stopInactivity()
	transport := c.transport
	c.transport = nil
	c.manual = false
	c.dialErr = nil
	c.transcript = ""
	c.response = ""
	c.setPhase(phaseIdle)
	c.setState(StateIdle)
	return transport
}

func (c *Controller) finish(td *teardown) {
	if td == nil {
		return
	}
	c.closeTransport(td.transport)
	if td.notice != "" {
		c.alert(td.notice)
	}
}

func (c *Controller) closeTransport(t Transport) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		c.logger.Warn("closing realtime session failed", zap.Error(err))
	}
}

func (c *Controller) alert(message string) {
	c.logger.Info("alert", zap.String("message", message))
	if c.opts.Notifier != nil {
		c.opts.Notifier.Alert(message)
	}
}

// abort ends a connect attempt that failed before a session was open. It
// reports false when the attempt was already superseded.
func (c *Controller) abort(gen uint64, notice string) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	transport := c.reset()
	c.mu.Unlock()
	c.closeTransport(transport)
	c.alert(notice)
	return true
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.phase == phaseConnecting
}
