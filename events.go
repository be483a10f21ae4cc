package realtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types consumed by Session. Anything else is logged and dropped.
const (
	ServerEventTypeError                                            ServerEventType = "error"
	ServerEventTypeSessionCreated                                   ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                                   ServerEventType = "session.updated"
	ServerEventTypeConversationItemAdded                            ServerEventType = "conversation.item.added"
	ServerEventTypeConversationItemDone                             ServerEventType = "conversation.item.done"
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeInputAudioBufferSpeechStarted                    ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped                    ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeOutputAudioBufferStarted                         ServerEventType = "output_audio_buffer.started"
	ServerEventTypeOutputAudioBufferStopped                         ServerEventType = "output_audio_buffer.stopped"
	ServerEventTypeOutputAudioBufferCleared                         ServerEventType = "output_audio_buffer.cleared"
	ServerEventTypeResponseCreated                                  ServerEventType = "response.created"
	ServerEventTypeResponseDone                                     ServerEventType = "response.done"
	ServerEventTypeResponseOutputAudioTranscriptDone                ServerEventType = "response.output_audio_transcript.done"
	ServerEventTypeResponseFunctionCallArgumentsDone                ServerEventType = "response.function_call_arguments.done"
	ServerEventTypeRatelimitsUpdated                                ServerEventType = "rate_limits.updated"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferCommit ClientEventType = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear  ClientEventType = "input_audio_buffer.clear"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeResponseCancel         ClientEventType = "response.cancel"
	ClientEventTypeOutputAudioBufferClear ClientEventType = "output_audio_buffer.clear"
)

// Item kinds and roles as they appear on the wire.
const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type Item struct {
	Id        string        `json:"id,omitempty"`
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Status    string        `json:"status,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallId    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// Text returns the first textual payload of the item, either typed text or
// an audio transcript.
func (i *Item) Text() string {
	for _, part := range i.Content {
		if part.Text != "" {
			return part.Text
		}
		if part.Transcript != "" {
			return part.Transcript
		}
	}
	return ""
}

type Response struct {
	Id            string         `json:"id"`
	Status        string         `json:"status"`
	StatusDetails map[string]any `json:"status_details,omitempty"`
	Output        []Item         `json:"output,omitempty"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventId string `json:"event_id,omitempty"`
}

func (e *ErrorDetail) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ServerEvent is a flattened view over every server event this package
// understands. Fields that an event type does not carry stay zero.
type ServerEvent struct {
	EventId      string          `json:"event_id"`
	Type         ServerEventType `json:"type"`
	ResponseId   string          `json:"response_id,omitempty"`
	ItemId       string          `json:"item_id,omitempty"`
	OutputIndex  int             `json:"output_index,omitempty"`
	ContentIndex int             `json:"content_index,omitempty"`
	CallId       string          `json:"call_id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Arguments    string          `json:"arguments,omitempty"`
	Transcript   string          `json:"transcript,omitempty"`
	Item         *Item           `json:"item,omitempty"`
	Response     *Response       `json:"response,omitempty"`
	Session      map[string]any  `json:"session,omitempty"`
	Error        *ErrorDetail    `json:"error,omitempty"`
}

func DecodeServerEvent(data []byte) (*ServerEvent, error) {
	event := new(ServerEvent)
	if err := sonic.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("unmarshaling server event: %w", err)
	}
	if event.Type == "" {
		return nil, errors.New("missing type")
	}
	switch event.Type {
	case ServerEventTypeError:
		if event.Error == nil {
			return nil, errors.New("missing error")
		}
	case ServerEventTypeConversationItemAdded, ServerEventTypeConversationItemDone:
		if event.Item == nil {
			return nil, errors.New("missing item")
		}
	case ServerEventTypeResponseCreated, ServerEventTypeResponseDone:
		if event.Response == nil {
			return nil, errors.New("missing response")
		}
	case ServerEventTypeResponseFunctionCallArgumentsDone:
		if event.CallId == "" {
			return nil, errors.New("missing call_id")
		}
	}
	return event, nil
}

type ResponseCreate struct {
	Instructions    string `json:"instructions,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
}

type ClientEvent struct {
	EventId  string          `json:"event_id"`
	Type     ClientEventType `json:"type"`
	Session  map[string]any  `json:"session,omitempty"`
	Item     *Item           `json:"item,omitempty"`
	Response *ResponseCreate `json:"response,omitempty"`
}

func NewClientEvent(t ClientEventType) *ClientEvent {
	return &ClientEvent{
		EventId: "evt_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:    t,
	}
}

func (e *ClientEvent) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	return sonic.Marshal(e)
}

func UserMessageItem(text string) *Item {
	return &Item{
		Type:    ItemTypeMessage,
		Role:    RoleUser,
		Content: []ContentPart{{Type: "input_text", Text: text}},
	}
}

func FunctionCallOutputItem(callId, output string) *Item {
	return &Item{
		Type:   ItemTypeFunctionCallOutput,
		CallId: callId,
		Output: output,
	}
}
