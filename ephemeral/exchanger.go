// Package ephemeral trades the long-lived OpenAI API key for a short-lived
// client secret that authorizes a single realtime call.
package ephemeral

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bt-bridge/primer-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const KeyPrefix = "ek_"

const DefaultBaseUrl = "https://api.openai.com/v1"

type Credential struct {
	Value     string
	ExpiresAt time.Time
}

type secretResponse struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

type Exchanger struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	model   string
	http    *fasthttp.Client
}

// NewExchanger builds an exchanger for model. An empty baseUrl selects the
// public API and a nil client a default fasthttp client.
func NewExchanger(logger shared.LoggerAdapter, baseUrl, model string, client *fasthttp.Client) (*Exchanger, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if baseUrl == "" {
		baseUrl = DefaultBaseUrl
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if client == nil {
		client = &fasthttp.Client{
			Name:         "primer-realtime/" + shared.Version,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
	}
	return &Exchanger{
		logger:  logger.With(zap.String("component", "ephemeral")),
		baseUrl: u,
		model:   model,
		http:    client,
	}, nil
}

func (e *Exchanger) body() ([]byte, error) {
	session := &realtime.RealtimeSessionCreateRequestParam{}
	if e.model != "" {
		session.Model = realtime.RealtimeSessionCreateRequestModel(e.model)
	}
	params := realtime.ClientSecretNewParams{
		Session: realtime.ClientSecretNewParamsSessionUnion{OfRealtime: session},
	}
	return params.MarshalJSON()
}

// Exchange performs one POST to the client secrets endpoint. It does not
// retry; the caller decides whether to try again.
func (e *Exchanger) Exchange(ctx context.Context, apiKey string) (*Credential, error) {
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	body, err := e.body()
	if err != nil {
		return nil, fmt.Errorf("marshaling client secret request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	req.SetRequestURI(e.baseUrl.JoinPath("/realtime/client_secrets").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	status, respBody, err := e.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrExchangeFailed, err)
	}
	if status != fasthttp.StatusOK {
		e.logger.Warn("client secret request rejected", zap.Int("status", status))
		err := fmt.Errorf("%w: status %d: %s", shared.ErrExchangeFailed, status, strings.TrimSpace(string(respBody)))
		switch status {
		case fasthttp.StatusUnauthorized:
			err = fmt.Errorf("%w: %w", shared.ErrUnauthorized, err)
		case fasthttp.StatusForbidden:
			err = fmt.Errorf("%w: %w", shared.ErrForbidden, err)
		}
		return nil, err
	}

	var secret secretResponse
	if err := sonic.Unmarshal(respBody, &secret); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrMalformedEphemeralKey, err)
	}
	if !strings.HasPrefix(secret.Value, KeyPrefix) {
		return nil, shared.ErrMalformedEphemeralKey
	}
	cred := &Credential{Value: secret.Value}
	if secret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(secret.ExpiresAt, 0)
	}
	e.logger.Debug("ephemeral key issued", zap.Time("expires_at", cred.ExpiresAt))
	return cred, nil
}

type result struct {
	status int
	body   []byte
	err    error
}

// do runs req on a goroutine that owns and releases it, so a cancelled ctx
// never races with fasthttp still using the request.
func (e *Exchanger) do(ctx context.Context, req *fasthttp.Request) (int, []byte, error) {
	resC := make(chan result, 1)
	go func() {
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		err := e.http.Do(req, resp)
		resC <- result{
			status: resp.StatusCode(),
			body:   append([]byte(nil), resp.Body()...),
			err:    err,
		}
	}()
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case res := <-resC:
		if res.err != nil {
			return 0, nil, fmt.Errorf("performing HTTP request: %w", res.err)
		}
		return res.status, res.body, nil
	}
}
