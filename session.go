package realtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bt-bridge/primer-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type AgentEventType string

const (
	AgentEventConnectionChange AgentEventType = "connection_change"
	AgentEventAgentStart       AgentEventType = "agent_start"
	AgentEventAgentEnd         AgentEventType = "agent_end"
	AgentEventAudioStart       AgentEventType = "audio_start"
	AgentEventAudioStopped     AgentEventType = "audio_stopped"
	AgentEventAudioInterrupted AgentEventType = "audio_interrupted"
	AgentEventHistoryUpdated   AgentEventType = "history_updated"
	AgentEventHistoryAdded     AgentEventType = "history_added"
	AgentEventToolStart        AgentEventType = "agent_tool_start"
	AgentEventToolEnd          AgentEventType = "agent_tool_end"
	AgentEventError            AgentEventType = "error"
)

type ConnectionStatus string

const (
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

// connectionStatusOf maps the peer connection state. A disconnected peer
// connection is reported as connecting since ICE may still recover it; only
// failed and closed end the session.
func connectionStatusOf(state webrtc.PeerConnectionState) ConnectionStatus {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStatusConnected
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		return ConnectionStatusDisconnected
	default:
		return ConnectionStatusConnecting
	}
}

type HistoryItem struct {
	Id     string `json:"id"`
	Kind   string `json:"kind"`
	Role   string `json:"role,omitempty"`
	Text   string `json:"text,omitempty"`
	Status string `json:"status,omitempty"`
}

// AgentEvent is what a Session reports to its owner. Only the fields
// relevant to Type are set.
type AgentEvent struct {
	Type       AgentEventType
	Status     ConnectionStatus
	ResponseId string
	Item       *HistoryItem
	History    []HistoryItem
	Tool       *ToolCall
	ToolOutput string
	Err        error
}

type AgentEventHandler func(event AgentEvent)

// Sender carries client events to the server. *Client implements it.
type Sender interface {
	Send(event *ClientEvent) error
}

// MicGate suppresses outgoing microphone audio while muted.
type MicGate struct {
	muted atomic.Bool
}

func (g *MicGate) SetMuted(muted bool) {
	g.muted.Store(muted)
}

func (g *MicGate) Muted() bool {
	return g.muted.Load()
}

// Session translates the wire events of one realtime call into
// AgentEvents, keeps the conversation history and runs function tools.
type Session struct {
	logger  shared.LoggerAdapter
	agent   *AgentConfig
	sender  Sender
	closer  io.Closer
	mic     *MicGate
	handler AgentEventHandler
	tools   map[string]Tool

	mu           sync.Mutex
	history      []HistoryItem
	index        map[string]int
	responding   bool
	audioPlaying bool
	closed       bool

	toolCtx    context.Context
	toolCancel context.CancelFunc
	toolWG     sync.WaitGroup
}

func NewSession(
	logger shared.LoggerAdapter,
	agent *AgentConfig,
	sender Sender,
	closer io.Closer,
	mic *MicGate,
	handler AgentEventHandler,
) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if agent == nil {
		return nil, shared.ErrNoConfig
	}
	if sender == nil {
		return nil, shared.ErrClientNotInitialized
	}
	if handler == nil {
		return nil, shared.ErrNoEventHandler
	}
	if mic == nil {
		mic = new(MicGate)
	}
	s := &Session{
		logger:  logger.With(zap.String("agent", agent.Name)),
		agent:   agent,
		sender:  sender,
		closer:  closer,
		mic:     mic,
		handler: handler,
		tools:   make(map[string]Tool, len(agent.Tools)),
		index:   make(map[string]int),
	}
	for _, tool := range agent.Tools {
		s.tools[tool.Definition().Name] = tool
	}
	s.toolCtx, s.toolCancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Session) emit(event AgentEvent) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.handler(event)
}

// HandleConnectionState is registered as the Client's state handler.
func (s *Session) HandleConnectionState(state webrtc.PeerConnectionState) {
	s.emit(AgentEvent{
		Type:   AgentEventConnectionChange,
		Status: connectionStatusOf(state),
	})
}

// HandleServerEvent is registered as the Client's event handler. Events
// are expected one at a time, in arrival order.
func (s *Session) HandleServerEvent(event *ServerEvent) {
	switch event.Type {
	case ServerEventTypeResponseCreated:
		s.setFlag(&s.responding, true)
		s.emit(AgentEvent{Type: AgentEventAgentStart, ResponseId: event.Response.Id})
	case ServerEventTypeResponseDone:
		s.setFlag(&s.responding, false)
		s.emit(AgentEvent{Type: AgentEventAgentEnd, ResponseId: event.Response.Id})
	case ServerEventTypeOutputAudioBufferStarted:
		s.setFlag(&s.audioPlaying, true)
		s.emit(AgentEvent{Type: AgentEventAudioStart, ResponseId: event.ResponseId})
	case ServerEventTypeOutputAudioBufferStopped:
		if s.setFlag(&s.audioPlaying, false) {
			s.emit(AgentEvent{Type: AgentEventAudioStopped, ResponseId: event.ResponseId})
		}
	case ServerEventTypeOutputAudioBufferCleared:
		if s.setFlag(&s.audioPlaying, false) {
			s.emit(AgentEvent{Type: AgentEventAudioInterrupted, ResponseId: event.ResponseId})
		}
	case ServerEventTypeConversationItemAdded:
		item := s.upsert(event.Item)
		s.emit(AgentEvent{Type: AgentEventHistoryAdded, Item: &item})
		s.emit(AgentEvent{Type: AgentEventHistoryUpdated, History: s.History()})
	case ServerEventTypeConversationItemDone:
		s.upsert(event.Item)
		s.emit(AgentEvent{Type: AgentEventHistoryUpdated, History: s.History()})
	case ServerEventTypeConversationItemInputAudioTranscriptionCompleted,
		ServerEventTypeResponseOutputAudioTranscriptDone:
		if s.setText(event.ItemId, event.Transcript) {
			s.emit(AgentEvent{Type: AgentEventHistoryUpdated, History: s.History()})
		}
	case ServerEventTypeResponseFunctionCallArgumentsDone:
		s.runTool(ToolCall{
			CallId:    event.CallId,
			Name:      event.Name,
			Arguments: event.Arguments,
		})
	case ServerEventTypeError:
		s.emit(AgentEvent{
			Type: AgentEventError,
			Err:  fmt.Errorf("%w: %w", shared.ErrTransport, event.Error),
		})
	case ServerEventTypeSessionCreated, ServerEventTypeSessionUpdated:
		s.logger.Debug("session configured", zap.String("type", string(event.Type)))
	default:
		s.logger.Trace("ignoring event", zap.String("type", string(event.Type)))
	}
}

// setFlag stores v and reports whether the value changed.
func (s *Session) setFlag(flag *bool, v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := *flag != v
	*flag = v
	return changed
}

func (s *Session) upsert(item *Item) HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := HistoryItem{
		Id:     item.Id,
		Kind:   item.Type,
		Role:   item.Role,
		Text:   item.Text(),
		Status: item.Status,
	}
	if item.Type == ItemTypeFunctionCall {
		h.Text = item.Name
	}
	if i, ok := s.index[item.Id]; ok {
		if h.Text == "" {
			h.Text = s.history[i].Text
		}
		s.history[i] = h
		return h
	}
	s.index[item.Id] = len(s.history)
	s.history = append(s.history, h)
	return h
}

func (s *Session) setText(itemId, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[itemId]
	if !ok || text == "" {
		return false
	}
	s.history[i].Text = text
	return true
}

// History returns a copy of the conversation so far.
func (s *Session) History() []HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) runTool(call ToolCall) {
	s.emit(AgentEvent{Type: AgentEventToolStart, Tool: &call})
	tool, ok := s.tools[call.Name]
	s.toolWG.Add(1)
	go func() {
		defer s.toolWG.Done()
		var output string
		if ok {
			output = tool.Call(s.toolCtx, call.Arguments)
		} else {
			s.logger.Warn("model called unknown tool", zap.String("tool", call.Name))
			output = unknownToolOutput(call.Name)
		}
		if err := s.sendToolOutput(call, output); err != nil {
			s.logger.Error("sending tool output", err, zap.String("tool", call.Name))
			return
		}
		s.emit(AgentEvent{Type: AgentEventToolEnd, Tool: &call, ToolOutput: output})
	}()
}

func unknownToolOutput(name string) string {
	out, err := sonic.MarshalString(map[string]string{
		"status":  "error",
		"message": fmt.Sprintf("%s: %s", shared.ErrUnknownTool, name),
	})
	if err != nil {
		return `{"status":"error"}`
	}
	return out
}

func (s *Session) sendToolOutput(call ToolCall, output string) error {
	create := NewClientEvent(ClientEventTypeConversationItemCreate)
	create.Item = FunctionCallOutputItem(call.CallId, output)
	if err := s.send(create); err != nil {
		return err
	}
	return s.send(NewClientEvent(ClientEventTypeResponseCreate))
}

func (s *Session) send(event *ClientEvent) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return shared.ErrSessionClosed
	}
	return s.sender.Send(event)
}

// RequestResponse asks the assistant to speak without user input, e.g.
// the greeting right after connecting.
func (s *Session) RequestResponse(instructions string) error {
	event := NewClientEvent(ClientEventTypeResponseCreate)
	if instructions != "" {
		event.Response = &ResponseCreate{Instructions: instructions}
	}
	return s.send(event)
}

// SendMessage adds a user text message and asks for a response.
func (s *Session) SendMessage(text string) error {
	create := NewClientEvent(ClientEventTypeConversationItemCreate)
	create.Item = UserMessageItem(text)
	if err := s.send(create); err != nil {
		return err
	}
	return s.send(NewClientEvent(ClientEventTypeResponseCreate))
}

// Interrupt cancels the in-flight response and drops buffered assistant
// audio. Cancelling with nothing in flight is a server error, so only
// what is active is cancelled.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	responding, playing := s.responding, s.audioPlaying
	s.mu.Unlock()
	if responding {
		if err := s.send(NewClientEvent(ClientEventTypeResponseCancel)); err != nil {
			return err
		}
	}
	if playing {
		if err := s.send(NewClientEvent(ClientEventTypeOutputAudioBufferClear)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) SetMicMuted(muted bool) error {
	s.mic.SetMuted(muted)
	return nil
}

// StartUserTurn opens a manual turn: stale input is dropped and the mic
// goes live.
func (s *Session) StartUserTurn() error {
	if err := s.send(NewClientEvent(ClientEventTypeInputAudioBufferClear)); err != nil {
		return err
	}
	s.mic.SetMuted(false)
	return nil
}

// CommitUserTurn closes a manual turn and asks for the answer.
func (s *Session) CommitUserTurn() error {
	s.mic.SetMuted(true)
	if err := s.send(NewClientEvent(ClientEventTypeInputAudioBufferCommit)); err != nil {
		return err
	}
	return s.send(NewClientEvent(ClientEventTypeResponseCreate))
}

func (s *Session) UpdateSession(session map[string]any) error {
	event := NewClientEvent(ClientEventTypeSessionUpdate)
	event.Session = session
	return s.send(event)
}

// Close stops event delivery, abandons running tools and closes the
// underlying transport. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.toolCancel()
	s.mic.SetMuted(true)
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return fmt.Errorf("closing transport: %w", err)
		}
	}
	return nil
}

// Wait blocks until running tool calls have returned.
func (s *Session) Wait() {
	s.toolWG.Wait()
}
