package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	realtime "github.com/bt-bridge/primer-realtime"
	"github.com/bt-bridge/primer-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
)

const BackgroundToolName = "generate_background_image"

const (
	DefaultImageModel = "dall-e-3"

	DefaultBackgroundPrompt = "A soft, storybook-like meadow at golden hour with rolling hills, " +
		"a few friendly clouds and gentle pastel colours."

	backgroundSafetyClause = "Create a family-friendly, gentle scene that works as a subtle " +
		"interface background without overwhelming the content."
)

// Failure reasons reported back to the assistant.
const (
	ReasonMissingCredential = "missing_credential"
	ReasonRequestFailed     = "request_failed"
	ReasonMissingImageData  = "missing_image_data"
)

type Orientation string

const (
	OrientationLandscape Orientation = "landscape"
	OrientationPortrait  Orientation = "portrait"
	OrientationSquare    Orientation = "square"
)

// Sizing is the viewport bucket an image is generated for.
type Sizing struct {
	Width       int
	Height      int
	Ratio       float64
	Size        openai.ImageGenerateParamsSize
	Orientation Orientation
}

// SizingFor buckets a viewport: ratio >= 1.2 is landscape, <= 0.8 portrait
// and anything between square.
func SizingFor(width, height int) Sizing {
	width, height = max(width, 1), max(height, 1)
	ratio := float64(width) / float64(height)
	s := Sizing{Width: width, Height: height, Ratio: ratio}
	switch {
	case ratio >= 1.2:
		s.Size, s.Orientation = openai.ImageGenerateParamsSize1792x1024, OrientationLandscape
	case ratio <= 0.8:
		s.Size, s.Orientation = openai.ImageGenerateParamsSize1024x1792, OrientationPortrait
	default:
		s.Size, s.Orientation = openai.ImageGenerateParamsSize1024x1024, OrientationSquare
	}
	return s
}

func defaultSizing() Sizing {
	return Sizing{
		Width:       1024,
		Height:      1024,
		Ratio:       1,
		Size:        openai.ImageGenerateParamsSize1024x1024,
		Orientation: OrientationSquare,
	}
}

type BackgroundArgs struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
}

// ParseBackgroundArgs accepts the JSON arguments of a tool call. Anything
// that is not a JSON object is taken as the prompt itself.
func ParseBackgroundArgs(raw string) BackgroundArgs {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return BackgroundArgs{}
	}
	var fields map[string]any
	if err := sonic.UnmarshalString(raw, &fields); err != nil {
		return BackgroundArgs{Prompt: raw}
	}
	var args BackgroundArgs
	if v, ok := fields["prompt"].(string); ok {
		args.Prompt = strings.TrimSpace(v)
	}
	if v, ok := fields["style"].(string); ok {
		args.Style = strings.TrimSpace(v)
	}
	return args
}

// BuildBackgroundPrompt assembles the image prompt from the assistant's
// description, the optional style and the viewport shape.
func BuildBackgroundPrompt(args BackgroundArgs, sizing Sizing, fallback string) string {
	main := args.Prompt
	if main == "" {
		main = fallback
	}
	sections := []string{main}
	if args.Style != "" {
		sections = append(sections, "Style preference: "+args.Style)
	}
	sections = append(sections,
		backgroundSafetyClause,
		fmt.Sprintf("Match an %s layout with an aspect ratio close to %.2f:1 to avoid stretching.", sizing.Orientation, sizing.Ratio),
	)
	return strings.Join(sections, "\n\n")
}

// ImageHandler receives a decoded image. A nil image means the last
// generation failed and any previous background should be cleared.
type ImageHandler func(image []byte, sizing Sizing)

type BackgroundOptions struct {
	// APIKey returns the long-lived key; images are not covered by the
	// ephemeral realtime secret.
	APIKey func() (string, error)
	// Viewport reports the current surface size. Nil assumes a square.
	Viewport func() (width, height int)
	OnImage  ImageHandler

	Model         string
	BaseURL       string
	HTTPClient    *http.Client
	DefaultPrompt string
}

// BackgroundTool lets the assistant paint a new scene behind the orb.
type BackgroundTool struct {
	logger shared.LoggerAdapter
	opts   BackgroundOptions
}

func NewBackgroundTool(logger shared.LoggerAdapter, opts BackgroundOptions) *BackgroundTool {
	if opts.Model == "" {
		opts.Model = DefaultImageModel
	}
	if opts.DefaultPrompt == "" {
		opts.DefaultPrompt = DefaultBackgroundPrompt
	}
	return &BackgroundTool{
		logger: logger.With(zap.String("tool", BackgroundToolName)),
		opts:   opts,
	}
}

func (b *BackgroundTool) Definition() realtime.ToolDefinition {
	return realtime.ToolDefinition{
		Name: BackgroundToolName,
		Description: "Generate a gentle, storybook-like background illustration for the Primer interface. " +
			"Use this when a learner asks for a new scene or when you want to refresh the ambience.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{
					"type": "string",
					"description": "Detailed description of the background to create. Mention characters, " +
						"settings, colours, or moods that should appear in the scene.",
				},
				"style": map[string]any{
					"type": "string",
					"description": "Optional art direction or stylistic guidance, such as 'watercolour', " +
						"'paper cut-out', or 'soft gradients'.",
				},
			},
			"required":             []string{"prompt"},
			"additionalProperties": false,
		},
	}
}

type backgroundResult struct {
	Status      string  `json:"status"`
	Size        string  `json:"size,omitempty"`
	Orientation string  `json:"orientation,omitempty"`
	AspectRatio float64 `json:"aspectRatio,omitempty"`
	PromptUsed  string  `json:"promptUsed,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Message     string  `json:"message,omitempty"`
}

func (r backgroundResult) String() string {
	out, err := sonic.MarshalString(r)
	if err != nil {
		return `{"status":"error","message":"encoding tool result failed"}`
	}
	return out
}

func failure(reason, message string) string {
	return backgroundResult{Status: "error", Reason: reason, Message: message}.String()
}

func (b *BackgroundTool) sizing() Sizing {
	if b.opts.Viewport == nil {
		return defaultSizing()
	}
	return SizingFor(b.opts.Viewport())
}

// Call never fails: every outcome, good or bad, is a JSON result for the
// assistant.
func (b *BackgroundTool) Call(ctx context.Context, arguments string) string {
	var key string
	if b.opts.APIKey != nil {
		var err error
		if key, err = b.opts.APIKey(); err != nil {
			b.logger.Error("loading API key", err)
		}
	}
	if key == "" {
		return failure(ReasonMissingCredential, "Missing API key")
	}

	args := ParseBackgroundArgs(arguments)
	sizing := b.sizing()
	prompt := BuildBackgroundPrompt(args, sizing, b.opts.DefaultPrompt)
	b.logger.Info("generating background",
		zap.String("size", string(sizing.Size)),
		zap.String("orientation", string(sizing.Orientation)),
		zap.Float64("ratio", sizing.Ratio),
	)

	image, reason, err := b.generate(ctx, key, prompt, sizing)
	if err != nil {
		b.logger.Error("generating background failed", err, zap.String("reason", reason))
		b.deliver(nil, sizing)
		return failure(reason, err.Error())
	}
	b.deliver(image, sizing)
	return backgroundResult{
		Status:      "success",
		Size:        string(sizing.Size),
		Orientation: string(sizing.Orientation),
		AspectRatio: math.Round(sizing.Ratio*100) / 100,
		PromptUsed:  prompt,
	}.String()
}

func (b *BackgroundTool) deliver(image []byte, sizing Sizing) {
	if b.opts.OnImage != nil {
		b.opts.OnImage(image, sizing)
	}
}

func (b *BackgroundTool) generate(ctx context.Context, key, prompt string, sizing Sizing) ([]byte, string, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if b.opts.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(b.opts.BaseURL))
	}
	if b.opts.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(b.opts.HTTPClient))
	}
	client := openai.NewClient(opts...)

	resp, err := client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(b.opts.Model),
		Size:           sizing.Size,
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, ReasonRequestFailed, fmt.Errorf("image generation failed: %d %s", apiErr.StatusCode, apiErr.Message)
		}
		return nil, ReasonRequestFailed, fmt.Errorf("image generation failed: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, ReasonMissingImageData, errors.New("image generation response did not include image data")
	}
	image, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, ReasonMissingImageData, fmt.Errorf("decoding image data: %w", err)
	}
	return image, "", nil
}

// SaveBackgrounds returns an ImageHandler writing every image as a PNG into
// dir.
func SaveBackgrounds(logger shared.LoggerAdapter, dir string) ImageHandler {
	return func(image []byte, sizing Sizing) {
		if image == nil {
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("creating background dir", err, zap.String("dir", dir))
			return
		}
		name := fmt.Sprintf("background-%s-%s.png", time.Now().Format("20060102-150405"), sizing.Orientation)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, image, 0o644); err != nil {
			logger.Error("saving background", err, zap.String("path", path))
			return
		}
		logger.Info("background saved", zap.String("path", path))
	}
}
