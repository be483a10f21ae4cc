package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bt-bridge/primer-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizingFor(t *testing.T) {
	tests := []struct {
		name        string
		width       int
		height      int
		size        openai.ImageGenerateParamsSize
		orientation Orientation
	}{
		{name: "Ratio 2.0", width: 2000, height: 1000, size: "1792x1024", orientation: OrientationLandscape},
		{name: "Ratio 0.5", width: 500, height: 1000, size: "1024x1792", orientation: OrientationPortrait},
		{name: "Ratio 1.0", width: 800, height: 800, size: "1024x1024", orientation: OrientationSquare},
		{name: "Exactly 1.2", width: 1200, height: 1000, size: "1792x1024", orientation: OrientationLandscape},
		{name: "Exactly 0.8", width: 800, height: 1000, size: "1024x1792", orientation: OrientationPortrait},
		{name: "Just under 1.2", width: 1190, height: 1000, size: "1024x1024", orientation: OrientationSquare},
		{name: "Zero height", width: 1280, height: 0, size: "1792x1024", orientation: OrientationLandscape},
		{name: "Zero everything", width: 0, height: 0, size: "1024x1024", orientation: OrientationSquare},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := SizingFor(tt.width, tt.height)
			assert.Equal(t, tt.size, s.Size)
			assert.Equal(t, tt.orientation, s.Orientation)
		})
	}
}

func TestParseBackgroundArgs(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected BackgroundArgs
	}{
		{name: "Empty", raw: "", expected: BackgroundArgs{}},
		{name: "JSON", raw: `{"prompt":" a castle ","style":"watercolour"}`, expected: BackgroundArgs{Prompt: "a castle", Style: "watercolour"}},
		{name: "Plain text", raw: "a dragon in the clouds", expected: BackgroundArgs{Prompt: "a dragon in the clouds"}},
		{name: "Wrong types", raw: `{"prompt":3,"style":true}`, expected: BackgroundArgs{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseBackgroundArgs(tt.raw))
		})
	}
}

func TestBuildBackgroundPrompt(t *testing.T) {
	sizing := SizingFor(1600, 1000)

	prompt := BuildBackgroundPrompt(BackgroundArgs{Prompt: "a castle", Style: "watercolour"}, sizing, "fallback")
	sections := strings.Split(prompt, "\n\n")
	require.Len(t, sections, 4)
	assert.Equal(t, "a castle", sections[0])
	assert.Equal(t, "Style preference: watercolour", sections[1])
	assert.Contains(t, sections[2], "family-friendly")
	assert.Equal(t, "Match an landscape layout with an aspect ratio close to 1.60:1 to avoid stretching.", sections[3])

	prompt = BuildBackgroundPrompt(BackgroundArgs{}, sizing, "fallback")
	assert.True(t, strings.HasPrefix(prompt, "fallback\n\n"))
	assert.NotContains(t, prompt, "Style preference")
}

type imageServer struct {
	mu      sync.Mutex
	request map[string]any
	auth    string
}

func newImageServer(t *testing.T, status int, body string) (*imageServer, string) {
	t.Helper()
	s := new(imageServer)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		raw, _ := io.ReadAll(r.Body)
		_ = sonic.Unmarshal(raw, &req)
		s.mu.Lock()
		s.request = req
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return s, srv.URL + "/v1"
}

func decodeResult(t *testing.T, out string) map[string]any {
	t.Helper()
	var result map[string]any
	require.NoError(t, sonic.UnmarshalString(out, &result))
	return result
}

func newTool(baseURL string, key string, width, height int, onImage ImageHandler) *BackgroundTool {
	return NewBackgroundTool(shared.NewNopLogger(), BackgroundOptions{
		APIKey:   func() (string, error) { return key, nil },
		Viewport: func() (int, int) { return width, height },
		OnImage:  onImage,
		BaseURL:  baseURL,
	})
}

func TestBackgroundToolSuccess(t *testing.T) {
	png := []byte("\x89PNG fake image")
	srv, baseURL := newImageServer(t, http.StatusOK,
		`{"created":1,"data":[{"b64_json":"`+base64.StdEncoding.EncodeToString(png)+`"}]}`)

	var got []byte
	var gotSizing Sizing
	tool := newTool(baseURL, "sk-test", 1000, 2000, func(image []byte, sizing Sizing) {
		got, gotSizing = image, sizing
	})

	result := decodeResult(t, tool.Call(context.Background(), `{"prompt":"a lighthouse"}`))

	assert.Equal(t, "success", result["status"])
	assert.Equal(t, "1024x1792", result["size"])
	assert.Equal(t, "portrait", result["orientation"])
	assert.Equal(t, 0.5, result["aspectRatio"])
	assert.True(t, strings.HasPrefix(result["promptUsed"].(string), "a lighthouse"))
	assert.Equal(t, png, got)
	assert.Equal(t, OrientationPortrait, gotSizing.Orientation)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "Bearer sk-test", srv.auth)
	assert.Equal(t, "dall-e-3", srv.request["model"])
	assert.Equal(t, "1024x1792", srv.request["size"])
	assert.Equal(t, "b64_json", srv.request["response_format"])
}

func TestBackgroundToolMissingCredential(t *testing.T) {
	_, baseURL := newImageServer(t, http.StatusOK, `{}`)
	called := false
	tool := newTool(baseURL, "", 100, 100, func([]byte, Sizing) { called = true })

	result := decodeResult(t, tool.Call(context.Background(), `{"prompt":"x"}`))

	assert.Equal(t, "error", result["status"])
	assert.Equal(t, ReasonMissingCredential, result["reason"])
	assert.False(t, called)
}

func TestBackgroundToolCredentialLookupFails(t *testing.T) {
	tool := NewBackgroundTool(shared.NewNopLogger(), BackgroundOptions{
		APIKey: func() (string, error) { return "", errors.New("keyring locked") },
	})
	result := decodeResult(t, tool.Call(context.Background(), "x"))
	assert.Equal(t, ReasonMissingCredential, result["reason"])
}

func TestBackgroundToolRequestFailed(t *testing.T) {
	_, baseURL := newImageServer(t, http.StatusBadRequest,
		`{"error":{"message":"content policy","type":"invalid_request_error","code":"content_policy_violation","param":null}}`)
	var cleared bool
	tool := newTool(baseURL, "sk-test", 100, 100, func(image []byte, _ Sizing) { cleared = image == nil })

	result := decodeResult(t, tool.Call(context.Background(), `{"prompt":"x"}`))

	assert.Equal(t, "error", result["status"])
	assert.Equal(t, ReasonRequestFailed, result["reason"])
	assert.Contains(t, result["message"], "400")
	assert.True(t, cleared)
}

func TestBackgroundToolMissingImageData(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "No data", body: `{"created":1,"data":[]}`},
		{name: "Empty b64", body: `{"created":1,"data":[{"url":"https://example.com/x.png"}]}`},
		{name: "Bad base64", body: `{"created":1,"data":[{"b64_json":"!!!"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, baseURL := newImageServer(t, http.StatusOK, tt.body)
			tool := newTool(baseURL, "sk-test", 100, 100, nil)

			result := decodeResult(t, tool.Call(context.Background(), `{"prompt":"x"}`))

			assert.Equal(t, "error", result["status"])
			assert.Equal(t, ReasonMissingImageData, result["reason"])
		})
	}
}

func TestBackgroundToolDefinition(t *testing.T) {
	def := NewBackgroundTool(shared.NewNopLogger(), BackgroundOptions{}).Definition()
	assert.Equal(t, BackgroundToolName, def.Name)
	assert.Equal(t, []string{"prompt"}, def.Parameters["required"])
}

func TestSaveBackgrounds(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bg")
	save := SaveBackgrounds(shared.NewNopLogger(), dir)

	save(nil, defaultSizing())
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	save([]byte("png"), defaultSizing())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "square")
}
