package realtime

import (
	"time"

	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/openai/openai-go/v3/responses"
)

const (
	DefaultModel              = "gpt-realtime"
	DefaultVoice              = "alloy"
	DefaultTranscriptionModel = "gpt-4o-mini-transcribe"
)

// TurnDetection holds the server VAD parameters used in automatic
// turn-taking mode.
type TurnDetection struct {
	Threshold       float64
	PrefixPadding   time.Duration
	SilenceDuration time.Duration
}

// DefaultTurnDetection is tuned to avoid false interruptions from a child
// pausing mid-sentence.
func DefaultTurnDetection() *TurnDetection {
	return &TurnDetection{
		Threshold:       0.6,
		PrefixPadding:   500 * time.Millisecond,
		SilenceDuration: 1000 * time.Millisecond,
	}
}

// AgentConfig is everything the assistant needs for one session.
// A nil TurnDetection selects manual (push-to-talk) mode.
type AgentConfig struct {
	Name               string
	Model              string
	Instructions       string
	Voice              string
	TranscriptionModel string
	TurnDetection      *TurnDetection
	Tools              []Tool
}

func (a *AgentConfig) Manual() bool {
	return a.TurnDetection == nil
}

// SessionParam renders the config as the session part of the call request.
func (a *AgentConfig) SessionParam() *realtime.RealtimeSessionCreateRequestParam {
	model := a.Model
	if model == "" {
		model = DefaultModel
	}
	voice := a.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	transcription := a.TranscriptionModel
	if transcription == "" {
		transcription = DefaultTranscriptionModel
	}
	input := realtime.RealtimeAudioConfigInputParam{
		Transcription: realtime.AudioTranscriptionParam{
			Model: realtime.AudioTranscriptionModel(transcription),
		},
	}
	if td := a.TurnDetection; td != nil {
		input.TurnDetection = realtime.RealtimeAudioInputTurnDetectionUnionParam{
			OfServerVad: &realtime.RealtimeAudioInputTurnDetectionServerVadParam{
				Threshold:         param.NewOpt(td.Threshold),
				PrefixPaddingMs:   param.NewOpt(td.PrefixPadding.Milliseconds()),
				SilenceDurationMs: param.NewOpt(td.SilenceDuration.Milliseconds()),
				CreateResponse:    param.NewOpt(true),
				InterruptResponse: param.NewOpt(true),
			},
		}
	}
	session := &realtime.RealtimeSessionCreateRequestParam{
		Model: model,
		Audio: realtime.RealtimeAudioConfigParam{
			Input: input,
			Output: realtime.RealtimeAudioConfigOutputParam{
				Voice: realtime.RealtimeAudioConfigOutputVoice(voice),
			},
		},
	}
	if a.Instructions != "" {
		session.Instructions = param.NewOpt(a.Instructions)
	}
	if len(a.Tools) > 0 {
		session.ToolChoice = realtime.RealtimeToolChoiceConfigUnionParam{
			OfToolChoiceMode: param.NewOpt(responses.ToolChoiceOptionsAuto),
		}
		for _, tool := range a.Tools {
			def := tool.Definition()
			session.Tools = append(session.Tools, realtime.RealtimeToolsConfigUnionParam{
				OfFunction: &realtime.RealtimeFunctionToolParam{
					Type:        realtime.RealtimeFunctionToolTypeFunction,
					Name:        param.NewOpt(def.Name),
					Description: param.NewOpt(def.Description),
					Parameters:  def.Parameters,
				},
			})
		}
	}
	return session
}

// ManualTurnUpdate disables server turn detection. An omitted
// turn_detection in the call request means the server default (server
// VAD), so manual mode has to null it explicitly after the channel opens.
func (a *AgentConfig) ManualTurnUpdate() map[string]any {
	return map[string]any{
		"type": "realtime",
		"audio": map[string]any{
			"input": map[string]any{
				"turn_detection": nil,
			},
		},
	}
}
