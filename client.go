package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sync"

	"github.com/bt-bridge/primer-realtime/shared"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type TrackRemoteHandler func(track *webrtc.TrackRemote)
type TrackLocalHandler func(track *webrtc.TrackLocalStaticSample)

type EventHandler func(event *ServerEvent)
type StateHandler func(state webrtc.PeerConnectionState)

const dataChannelLabel = "oai-events"

// Client is the WebRTC leg of a realtime call: one peer connection carrying
// the microphone track, the assistant audio track and the events channel.
type Client struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	key     string
	cfg     *realtime.RealtimeSessionCreateRequestParam

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	running bool

	audioL   *webrtc.TrackLocalStaticSample
	audioTLH TrackLocalHandler  // track.Kind() == webrtc.RTPCodecTypeAudio
	audioTRH TrackRemoteHandler // track.Kind() == webrtc.RTPCodecTypeAudio
	eh       EventHandler
	sh       StateHandler

	state     webrtc.PeerConnectionState
	connected <-chan struct{}
	opened    <-chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Close cancels an in-flight call creation and tears the peer connection
// down. It is safe to call more than once.
func (c *Client) Close() error {
	c.cancel(errors.New("client closed"))

	c.mu.Lock()
	pc := c.pc
	c.pc = nil
	c.running = false
	c.mu.Unlock()

	// pion fires the state handler from Close, which takes c.mu again.
	if pc != nil {
		if err := pc.Close(); err != nil {
			c.logger.Error("closing peer connection failed", err)
			return fmt.Errorf("closing peer connection: %w", err)
		}
	}
	return nil
}

func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err reports why the client stopped, once Done is closed.
func (c *Client) Err() error {
	return context.Cause(c.ctx)
}

func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

// Opened is closed once the events data channel can carry client events.
func (c *Client) Opened() <-chan struct{} {
	return c.opened
}

func (c *Client) State() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NewClient prepares a peer connection authorized by key, which should be
// an ephemeral client secret rather than the long-lived API key.
func NewClient(ctx context.Context, logger shared.LoggerAdapter, key, baseUrl string) (c *Client, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if key == "" {
		return nil, shared.ErrNoAPIKey
	}
	var baseUrl_ *url.URL
	if baseUrl != "" {
		baseUrl_, err = url.Parse(baseUrl)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
	} else {
		baseUrl_ = &url.URL{
			Scheme: "https",
			Host:   "api.openai.com",
			Path:   "/v1",
		}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c = &Client{
		logger:  logger,
		baseUrl: baseUrl_,
		key:     key,
		ctx:     ctx,
		cancel:  cancel,
	}

	c.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	connected := make(chan struct{})
	connectedGotClosed := false
	c.connected = connected
	closeConnected := func() {
		if !connectedGotClosed {
			connectedGotClosed = true
			close(connected)
		}
	}

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.mu.Lock()
		prev := c.state
		c.state = state
		sh := c.sh
		c.logger.Trace(
			"peer connection state changed",
			zap.String("prev", prev.String()),
			zap.String("new", state.String()),
		)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if connectedGotClosed {
				c.logger.Warn("peer connection state is connected (More than once)")
				break
			}
			closeConnected()
			if c.audioTLH != nil && c.audioL != nil {
				go c.audioTLH(c.audioL)
			}
		case webrtc.PeerConnectionStateDisconnected:
			// ICE keeps checking and usually recovers; failed follows if not.
			c.logger.Warn("peer connection disconnected, waiting for ICE to recover")
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			closeConnected()
			c.cancel(fmt.Errorf("peer connection state is %s", state))
		}
		c.mu.Unlock()
		if sh != nil && prev != state {
			sh(state)
		}
	})

	c.dc, err = c.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	opened := make(chan struct{})
	c.opened = opened
	c.dc.OnOpen(func() {
		c.logger.Info("data channel opened")
		close(opened)
	})

	if err := c.respectCtx(); err != nil {
		return nil, fmt.Errorf("respecting client context: %w", err)
	}
	return
}

func (c *Client) respectCtx() error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	return nil
}

func (c *Client) SetConfig(cfg *realtime.RealtimeSessionCreateRequestParam) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	c.cfg = cfg
	return nil
}

func (c *Client) RegisterTrackLocalHandler(handler TrackLocalHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.audioTLH != nil || c.audioL != nil {
		return shared.ErrTLHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var err error
	c.audioL, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeOpus,
			ClockRate:    48000,
			Channels:     2,
			SDPFmtpLine:  "minptime=10;useinbandfec=1",
			RTCPFeedback: nil,
		},
		"audio",
		"mic",
	)
	if err != nil {
		return fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err = c.pc.AddTrack(c.audioL); err != nil {
		return fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	c.audioTLH = handler
	return nil
}

func (c *Client) RegisterTrackRemoteHandler(handler TrackRemoteHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.audioTRH != nil {
		return shared.ErrTRHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.audioTRH = handler
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go c.audioTRH(track)
		}
	})
	return nil
}

func (c *Client) RegisterStateHandler(handler StateHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.sh != nil {
		return shared.ErrSHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.sh = handler
	return nil
}

func (c *Client) RegisterEventHandler(handler EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.eh != nil {
		return shared.ErrEHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.eh = handler
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			c.logger.Warn("received non-string message on data channel")
			return
		}
		event, err := DecodeServerEvent(msg.Data)
		if err != nil {
			c.logger.Error(
				"can not unmarshal event",
				err,
				zap.ByteString("data", msg.Data),
			)
			return
		}
		c.logger.Trace(
			"received event",
			zap.String("type", string(event.Type)),
			zap.String("event_id", event.EventId),
		)
		c.eh(event)
	})
	return nil
}

// Send writes a client event on the data channel.
func (c *Client) Send(event *ClientEvent) error {
	if err := c.respectCtx(); err != nil {
		return fmt.Errorf("respecting client context: %w", err)
	}
	data, err := event.Encode()
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", event.Type, err)
	}
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return shared.ErrClientNotInitialized
	}
	if err := dc.SendText(string(data)); err != nil {
		return fmt.Errorf("sending %s event: %w", event.Type, err)
	}
	c.logger.Trace(
		"sent event",
		zap.String("type", string(event.Type)),
		zap.String("event_id", event.EventId),
	)
	return nil
}

func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.cfg == nil {
		return shared.ErrNoConfig
	}
	if c.pc == nil || c.dc == nil {
		return shared.ErrClientNotInitialized
	}
	if c.eh == nil {
		return shared.ErrNoEventHandler
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.cancel(fmt.Errorf("creating offer: %w", err))
		return fmt.Errorf("creating offer: %w", err)
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		c.cancel(fmt.Errorf("setting local description: %w", err))
		return fmt.Errorf("setting local description: %w", err)
	}
	if err := c.respectCtx(); err != nil {
		return fmt.Errorf("respecting client context: %w", err)
	}
	answerOffer, err := c.createCall(offer.SDP)
	if err != nil {
		c.cancel(fmt.Errorf("creating call: %w", err))
		return fmt.Errorf("creating call: %w", err)
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerOffer,
	}); err != nil {
		c.cancel(fmt.Errorf("setting remote description: %w", err))
		return fmt.Errorf("setting remote description: %w", err)
	}
	c.running = true
	return nil
}

func (c *Client) createCall(offer string) (answerOffer string, err error) {
	sessBytes, err := c.cfg.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	// SDP part
	sdpHeaders := textproto.MIMEHeader{}
	sdpHeaders.Set("Content-Disposition", `form-data; name="sdp"`)
	sdpHeaders.Set("Content-Type", "application/sdp")
	sdpPart, err := writer.CreatePart(sdpHeaders)
	if err != nil {
		return "", fmt.Errorf("creating SDP part: %w", err)
	}
	if _, err = sdpPart.Write([]byte(offer)); err != nil {
		return "", fmt.Errorf("writing SDP part: %w", err)
	}

	// Session part
	sessionHeaders := textproto.MIMEHeader{}
	sessionHeaders.Set("Content-Disposition", `form-data; name="session"`)
	sessionHeaders.Set("Content-Type", "application/json")
	sessionPart, err := writer.CreatePart(sessionHeaders)
	if err != nil {
		return "", fmt.Errorf("creating session part: %w", err)
	}
	if _, err = sessionPart.Write(sessBytes); err != nil {
		return "", fmt.Errorf("writing session part: %w", err)
	}

	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req := fasthttp.AcquireRequest()
	req.SetRequestURI(c.baseUrl.JoinPath("/realtime/calls").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBody(body.Bytes())

	res, err := doRequest(c.ctx, req)
	if err != nil {
		return "", err
	}
	if res.status != fasthttp.StatusCreated {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", res.status, string(res.body))
	}
	return string(res.body), nil
}

type httpResult struct {
	status int
	body   []byte
	err    error
}

// doRequest runs req on a goroutine so ctx can abandon it. The goroutine
// owns req and releases it, since fasthttp may still be writing to it.
func doRequest(ctx context.Context, req *fasthttp.Request) (httpResult, error) {
	resC := make(chan httpResult, 1)
	go func() {
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		err := fasthttp.Do(req, resp)
		resC <- httpResult{
			status: resp.StatusCode(),
			body:   append([]byte(nil), resp.Body()...),
			err:    err,
		}
	}()
	select {
	case <-ctx.Done():
		return httpResult{}, ctx.Err()
	case res := <-resC:
		if res.err != nil {
			return res, fmt.Errorf("performing HTTP request: %w", res.err)
		}
		return res, nil
	}
}
