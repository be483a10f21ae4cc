package realtime

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bt-bridge/primer-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseUrl string) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), shared.NewNopLogger(), "ek_test", baseUrl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(context.Background(), nil, "ek_test", "")
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewClient(context.Background(), shared.NewNopLogger(), "", "")
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
	_, err = NewClient(context.Background(), shared.NewNopLogger(), "ek_test", "://bad")
	assert.Error(t, err)
}

func TestClientHandlersRegisterOnce(t *testing.T) {
	c := newTestClient(t, "")

	require.NoError(t, c.RegisterEventHandler(func(*ServerEvent) {}))
	assert.ErrorIs(t, c.RegisterEventHandler(func(*ServerEvent) {}), shared.ErrEHandlerAlreadySet)

	require.NoError(t, c.RegisterStateHandler(func(webrtc.PeerConnectionState) {}))
	assert.ErrorIs(t, c.RegisterStateHandler(func(webrtc.PeerConnectionState) {}), shared.ErrSHandlerAlreadySet)

	assert.Error(t, c.RegisterTrackRemoteHandler(nil))
}

func TestClientStartRequiresConfigAndHandler(t *testing.T) {
	c := newTestClient(t, "")
	assert.ErrorIs(t, c.Start(), shared.ErrNoConfig)

	require.NoError(t, c.SetConfig((&AgentConfig{}).SessionParam()))
	assert.ErrorIs(t, c.Start(), shared.ErrNoEventHandler)
}

type callServer struct {
	mu      sync.Mutex
	auth    string
	sdp     string
	session map[string]any
}

func TestClientStartPostsOfferAndSession(t *testing.T) {
	cs := new(callServer)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime/calls" {
			http.NotFound(w, r)
			return
		}
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.auth = r.Header.Get("Authorization")
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err == nil {
			mr := multipart.NewReader(r.Body, params["boundary"])
			for {
				part, err := mr.NextPart()
				if err != nil {
					break
				}
				data, _ := io.ReadAll(part)
				switch part.FormName() {
				case "sdp":
					cs.sdp = string(data)
				case "session":
					_ = sonic.Unmarshal(data, &cs.session)
				}
			}
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"expired"}}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL+"/v1")
	require.NoError(t, c.SetConfig((&AgentConfig{}).SessionParam()))
	require.NoError(t, c.RegisterEventHandler(func(*ServerEvent) {}))

	err := c.Start()

	require.Error(t, err)
	assert.ErrorContains(t, err, "401")
	assert.ErrorContains(t, c.Err(), "creating call")
	select {
	case <-c.Done():
	default:
		t.Fatal("client should be done after a failed call")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	assert.Equal(t, "Bearer ek_test", cs.auth)
	assert.True(t, strings.HasPrefix(cs.sdp, "v=0"))
	assert.Equal(t, DefaultModel, cs.session["model"])
}

func TestClientCloseIsIdempotent(t *testing.T) {
	c := newTestClient(t, "")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	<-c.Done()
	assert.ErrorIs(t, c.Send(NewClientEvent(ClientEventTypeResponseCreate)), context.Canceled)
}
