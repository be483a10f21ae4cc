// Package store keeps the parent's settings between runs: the OpenAI API
// key, an optional custom system prompt, the conversation language and the
// turn-taking mode.
package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bt-bridge/primer-realtime/shared"
)

const (
	KeyAPIKey       = "primer_api_key"
	KeySystemPrompt = "primer_system_prompt"
	KeyLanguage     = "primer_language"
	KeyPushToTalk   = "primer_push_to_talk"
	KeyFirstRun     = "primer_first_run"
)

// KeyringService names the keychain entry holding the API key.
const KeyringService = "primer-realtime"

type Locale string

const (
	LocaleEnglish Locale = "en"
	LocalePolish  Locale = "pl"

	DefaultLocale = LocaleEnglish
)

func ParseLocale(s string) (Locale, error) {
	switch l := Locale(strings.ToLower(strings.TrimSpace(s))); l {
	case LocaleEnglish, LocalePolish:
		return l, nil
	default:
		return "", fmt.Errorf("%w: %q", shared.ErrInvalidLocale, s)
	}
}

// Credentials is what a connect attempt reads from the store.
type Credentials struct {
	APIKey       string
	SystemPrompt string
	Locale       Locale
	PushToTalk   bool
}

type Store struct {
	prefs   Backend
	secrets Backend
}

// New returns a store keeping preferences in prefs and the API key in
// secrets. A nil secrets keeps everything in prefs.
func New(prefs, secrets Backend) *Store {
	if secrets == nil {
		secrets = prefs
	}
	return &Store{prefs: prefs, secrets: secrets}
}

func (s *Store) APIKey() (string, error) {
	v, _, err := s.secrets.Get(KeyAPIKey)
	if err != nil {
		return "", fmt.Errorf("loading API key: %w", err)
	}
	return strings.TrimSpace(v), nil
}

// SetAPIKey stores the trimmed key. A blank key removes the stored one.
func (s *Store) SetAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return s.secrets.Delete(KeyAPIKey)
	}
	return s.secrets.Set(KeyAPIKey, key)
}

func (s *Store) SystemPrompt() (string, error) {
	v, _, err := s.prefs.Get(KeySystemPrompt)
	if err != nil {
		return "", fmt.Errorf("loading system prompt: %w", err)
	}
	return v, nil
}

// SetSystemPrompt stores a custom prompt. A blank prompt restores the
// built-in one.
func (s *Store) SetSystemPrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return s.prefs.Delete(KeySystemPrompt)
	}
	return s.prefs.Set(KeySystemPrompt, prompt)
}

// Locale falls back to English when nothing valid is stored.
func (s *Store) Locale() (Locale, error) {
	v, ok, err := s.prefs.Get(KeyLanguage)
	if err != nil {
		return DefaultLocale, fmt.Errorf("loading language: %w", err)
	}
	if !ok {
		return DefaultLocale, nil
	}
	l, err := ParseLocale(v)
	if err != nil {
		return DefaultLocale, nil
	}
	return l, nil
}

func (s *Store) SetLocale(l Locale) error {
	l, err := ParseLocale(string(l))
	if err != nil {
		return err
	}
	return s.prefs.Set(KeyLanguage, string(l))
}

func (s *Store) PushToTalk() (bool, error) {
	return s.flag(KeyPushToTalk, false)
}

func (s *Store) SetPushToTalk(enabled bool) error {
	return s.prefs.Set(KeyPushToTalk, strconv.FormatBool(enabled))
}

// FirstRun is true until MarkFirstRunDone is called.
func (s *Store) FirstRun() (bool, error) {
	return s.flag(KeyFirstRun, true)
}

func (s *Store) MarkFirstRunDone() error {
	return s.prefs.Set(KeyFirstRun, "false")
}

func (s *Store) flag(key string, fallback bool) (bool, error) {
	v, ok, err := s.prefs.Get(key)
	if err != nil {
		return fallback, fmt.Errorf("loading %s: %w", key, err)
	}
	if !ok {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, nil
	}
	return b, nil
}

// Load reads everything a connect attempt needs. A missing API key is not
// an error here; the caller decides how to report it.
func (s *Store) Load() (Credentials, error) {
	var (
		c   Credentials
		err error
	)
	if c.APIKey, err = s.APIKey(); err != nil {
		return Credentials{}, err
	}
	if c.SystemPrompt, err = s.SystemPrompt(); err != nil {
		return Credentials{}, err
	}
	if c.Locale, err = s.Locale(); err != nil {
		return Credentials{}, err
	}
	if c.PushToTalk, err = s.PushToTalk(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}
