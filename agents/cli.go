package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	realtime "github.com/bt-bridge/primer-realtime"
	"github.com/bt-bridge/primer-realtime/shared"
	"github.com/bt-bridge/primer-realtime/tools"
	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-yaml"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// CLIDialer opens realtime sessions wired to the local microphone and
// speakers.
type CLIDialer struct {
	logger   shared.LoggerAdapter
	printer  *shared.Printer
	baseUrl  string
	verbose  bool
	playback *tools.Playback

	mu         sync.Mutex
	micTrack   mediadevices.Track
	opusParams opus.Params
}

func NewCLIDialer(logger shared.LoggerAdapter, printer *shared.Printer, baseUrl string, verbose bool) (*CLIDialer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	return &CLIDialer{
		logger:   logger.With(zap.String("component", "cli_dialer")),
		printer:  printer,
		baseUrl:  baseUrl,
		verbose:  verbose,
		playback: tools.NewPlayback(logger, 100, 10),
	}, nil
}

// microphone opens the default input once; later sessions reuse the track.
func (d *CLIDialer) microphone() (mediadevices.Track, time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.micTrack != nil {
		return d.micTrack, time.Duration(d.opusParams.Latency), nil
	}

	d.println("🎤 Accessing microphone...", 0)
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, 0, fmt.Errorf("creating opus params: %w", err)
	}
	micStream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		d.println("❌ Unable to access microphone. Please ensure that your microphone is connected and that you have granted permission to access it.", 0)
		return nil, 0, fmt.Errorf("getting microphone stream: %w", err)
	}
	tracks := micStream.GetAudioTracks()
	if len(tracks) == 0 {
		d.println("❌ No audio track found in microphone stream.", 0)
		return nil, 0, errors.New("no audio track found in microphone stream")
	}
	d.micTrack = tracks[0]
	d.opusParams = opusParams
	d.logger.Info("microphone stream obtained successfully")
	d.println("✅ Microphone access granted.", 0)
	return d.micTrack, time.Duration(opusParams.Latency), nil
}

func (d *CLIDialer) Dial(ctx context.Context, key string, agent *realtime.AgentConfig, handler realtime.AgentEventHandler) (Transport, error) {
	micTrack, frameDuration, err := d.microphone()
	if err != nil {
		return nil, err
	}
	if d.verbose {
		d.printSessionConfig(agent)
	}

	audioCtx, cancel := context.WithCancel(context.Background())
	mic := new(realtime.MicGate)
	mic.SetMuted(true)
	printed := make(map[string]bool)
	session, err := realtime.Dial(ctx, d.logger, realtime.DialOptions{
		Key:     key,
		BaseUrl: d.baseUrl,
		Agent:   agent,
		Mic:     mic,
		Handler: func(event realtime.AgentEvent) {
			switch event.Type {
			case realtime.AgentEventAudioInterrupted:
				d.playback.Flush()
			case realtime.AgentEventHistoryUpdated:
				d.printHistory(event.History, printed)
			case realtime.AgentEventToolStart:
				d.println("🎨 Painting a new background...", 1)
			}
			handler(event)
		},
		LocalAudio: func(track *webrtc.TrackLocalStaticSample) {
			tools.StreamLocalAudio(audioCtx, d.logger, track, micTrack, frameDuration, mic)
		},
		RemoteAudio: func(track *webrtc.TrackRemote) {
			d.logger.Info(
				"received remote track",
				zap.String("kind", track.Kind().String()),
				zap.String("codec", track.Codec().MimeType),
			)
			if err := d.playback.Play(audioCtx, track); err != nil {
				d.logger.Error("playing remote audio", err)
			}
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return &cliTransport{Session: session, cancel: cancel}, nil
}

func (d *CLIDialer) printSessionConfig(agent *realtime.AgentConfig) {
	yamlBytes, err := yaml.MarshalWithOptions(agent.SessionParam(), yaml.UseJSONMarshaler())
	if err != nil {
		d.logger.Error("marshaling session config to yaml", err)
		return
	}
	d.println("📋 Session Config", 0)
	d.println(strings.TrimRight(string(yamlBytes), "\n"), 1)
}

// printHistory prints each finished message once.
func (d *CLIDialer) printHistory(history []realtime.HistoryItem, printed map[string]bool) {
	for _, item := range history {
		if printed[item.Id] || item.Kind != realtime.ItemTypeMessage ||
			item.Status != "completed" || item.Text == "" {
			continue
		}
		printed[item.Id] = true
		switch item.Role {
		case realtime.RoleUser:
			d.println("🧒 "+item.Text, 1)
		case realtime.RoleAssistant:
			d.println("📖 "+item.Text, 1)
		}
	}
}

func (d *CLIDialer) println(s string, ind int) {
	if err := d.printer.Writeln(s, ind); err != nil {
		d.logger.Error("printing message", err)
	}
}

// Close releases the microphone.
func (d *CLIDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.micTrack == nil {
		return nil
	}
	err := d.micTrack.Close()
	d.micTrack = nil
	return err
}

// cliTransport stops the audio pumps together with the session.
type cliTransport struct {
	*realtime.Session
	cancel context.CancelFunc
}

func (t *cliTransport) Close() error {
	t.cancel()
	return t.Session.Close()
}

var orbStyles = map[State]lipgloss.Style{
	StateIdle:      lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	StateMuted:     lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
	StateListening: lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
	StateThinking:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	StateSpeaking:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
}

// CLIAgent drives a Controller from the keyboard and renders its state.
type CLIAgent struct {
	logger     shared.LoggerAdapter
	printer    *shared.Printer
	controller *Controller

	mu      sync.Mutex
	talking bool
	frame   int
	pending sync.WaitGroup
}

func NewCLIAgent(logger shared.LoggerAdapter, printer *shared.Printer) (*CLIAgent, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	return &CLIAgent{
		logger:  logger.With(zap.String("component", "cli")),
		printer: printer,
	}, nil
}

// Attach binds the agent to the controller it drives. The controller
// should have been built with Observe and Alert.
func (a *CLIAgent) Attach(c *Controller) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.controller = c
}

func (a *CLIAgent) Observe(state State) {
	a.mu.Lock()
	a.frame++
	frame := a.frame
	if state == StateIdle {
		a.talking = false
	}
	a.mu.Unlock()
	line := fmt.Sprintf("%c %s", OrbGlyph(state, frame), OrbLabel(state, state != StateIdle))
	if style, ok := orbStyles[state]; ok {
		line = style.Render(line)
	}
	a.println(line, 0)
}

func (a *CLIAgent) Alert(message string) {
	a.println("⚠️  "+message, 0)
}

func (a *CLIAgent) Help() {
	a.println("⌨️  Commands", 0)
	a.println("enter   connect, or hold the floor in push-to-talk mode\ni       interrupt Primer\nd       disconnect\nq       quit", 1)
}

// Handle runs one keyboard command. It reports whether the user asked to
// quit. Connecting happens in the background so that a later "d" can
// abort it; Wait blocks until it is over.
func (a *CLIAgent) Handle(ctx context.Context, command string) (quit bool, err error) {
	a.mu.Lock()
	c := a.controller
	a.mu.Unlock()
	if c == nil {
		return false, errors.New("no controller attached")
	}

	switch strings.ToLower(strings.TrimSpace(command)) {
	case "":
		if c.Status() == realtime.ConnectionStatusDisconnected {
			a.connect(ctx, c)
			return false, nil
		}
		return false, a.togglePushToTalk(c)
	case "i":
		return false, c.Interrupt()
	case "d":
		c.Disconnect()
		return false, nil
	case "q", "quit", "exit":
		return true, nil
	case "h", "?", "help":
		a.Help()
		return false, nil
	default:
		a.println("🤔 Unknown command "+command, 0)
		return false, nil
	}
}

func (a *CLIAgent) connect(ctx context.Context, c *Controller) {
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		err := c.Connect(ctx)
		if err != nil && !errors.Is(err, shared.ErrStaleAttempt) {
			a.logger.Warn("connect failed", zap.Error(err))
		}
	}()
}

// Wait blocks until background connects started by Handle have returned.
func (a *CLIAgent) Wait() {
	a.pending.Wait()
}

func (a *CLIAgent) togglePushToTalk(c *Controller) error {
	a.mu.Lock()
	talking := a.talking
	a.mu.Unlock()

	var err error
	if talking {
		err = c.StopPushToTalk()
	} else {
		err = c.StartPushToTalk()
	}
	if errors.Is(err, shared.ErrNotPushToTalk) {
		return nil
	}
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.talking = !talking
	a.mu.Unlock()
	if talking {
		a.println("✋ Sent.", 0)
	} else {
		a.println("🎙️  Talk now, press enter when done.", 0)
	}
	return nil
}

// Run reads commands from in until quit, EOF or ctx is done, then
// disconnects.
func (a *CLIAgent) Run(ctx context.Context, in io.Reader) error {
	a.mu.Lock()
	c := a.controller
	a.mu.Unlock()
	if c == nil {
		return errors.New("no controller attached")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.Disconnect()
		a.Wait()
		// A connect that won its race with the first disconnect.
		c.Disconnect()
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			a.logger.Error("reading commands", err)
		}
	}()

	a.Help()
	a.Observe(c.State())
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := a.Handle(ctx, line)
			if err != nil {
				a.logger.Warn("command failed", zap.String("command", line), zap.Error(err))
			}
			if quit {
				return nil
			}
		}
	}
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing message", err)
	}
}
