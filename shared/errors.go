package shared

import "errors"

var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrNoEventHandler        = errors.New("no event handler provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionClosed         = errors.New("session closed")
	ErrNoSession             = errors.New("no session open")
	ErrTRHandlerAlreadySet   = errors.New("track remote handler already set")
	ErrTLHandlerAlreadySet   = errors.New("track local handler already set")
	ErrEHandlerAlreadySet    = errors.New("event handler already set")
	ErrSHandlerAlreadySet    = errors.New("state handler already set")

	ErrExchangeFailed        = errors.New("ephemeral key exchange failed")
	ErrMalformedEphemeralKey = errors.New("malformed ephemeral key")
	ErrTransport             = errors.New("realtime transport error")
	ErrStaleAttempt          = errors.New("connect attempt superseded")
	ErrNotPushToTalk         = errors.New("push-to-talk mode is not enabled")
	ErrUnknownTool           = errors.New("unknown tool")
	ErrInvalidLocale         = errors.New("invalid locale")
)
