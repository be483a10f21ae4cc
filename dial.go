package realtime

import (
	"context"
	"fmt"

	"github.com/bt-bridge/primer-realtime/shared"
	"go.uber.org/zap"
)

type DialOptions struct {
	// Key authorizes the call. It should be an ephemeral client secret.
	Key     string
	BaseUrl string
	Agent   *AgentConfig
	Handler AgentEventHandler

	// Mic gates LocalAudio. Nil starts a new, unmuted gate.
	Mic         *MicGate
	LocalAudio  TrackLocalHandler
	RemoteAudio TrackRemoteHandler
}

// Dial negotiates a realtime call and returns once the events channel is
// open. ctx bounds only the negotiation; the call lives until Close.
func Dial(ctx context.Context, logger shared.LoggerAdapter, opts DialOptions) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Agent == nil {
		return nil, shared.ErrNoConfig
	}
	client, err := NewClient(context.WithoutCancel(ctx), logger, opts.Key, opts.BaseUrl)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	session, err := NewSession(logger, opts.Agent, client, client, opts.Mic, opts.Handler)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("creating session: %w", err)
	}

	fail := func(err error) (*Session, error) {
		_ = session.Close()
		return nil, err
	}
	if err := client.SetConfig(opts.Agent.SessionParam()); err != nil {
		return fail(fmt.Errorf("setting config: %w", err))
	}
	if err := client.RegisterStateHandler(session.HandleConnectionState); err != nil {
		return fail(fmt.Errorf("registering state handler: %w", err))
	}
	if err := client.RegisterEventHandler(session.HandleServerEvent); err != nil {
		return fail(fmt.Errorf("registering event handler: %w", err))
	}
	if opts.LocalAudio != nil {
		if err := client.RegisterTrackLocalHandler(opts.LocalAudio); err != nil {
			return fail(fmt.Errorf("registering local audio: %w", err))
		}
	}
	if opts.RemoteAudio != nil {
		if err := client.RegisterTrackRemoteHandler(opts.RemoteAudio); err != nil {
			return fail(fmt.Errorf("registering remote audio: %w", err))
		}
	}

	started := make(chan error, 1)
	go func() { started <- client.Start() }()
	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case err := <-started:
		if err != nil {
			return fail(fmt.Errorf("starting client: %w", err))
		}
	}

	for _, ready := range []<-chan struct{}{client.Connected(), client.Opened()} {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case <-client.Done():
			return fail(fmt.Errorf("%w: %w", shared.ErrTransport, client.Err()))
		case <-ready:
		}
	}
	logger.Info("realtime call established", zap.String("agent", opts.Agent.Name))

	if opts.Agent.Manual() {
		if err := session.UpdateSession(opts.Agent.ManualTurnUpdate()); err != nil {
			return fail(fmt.Errorf("disabling turn detection: %w", err))
		}
	}
	return session, nil
}
