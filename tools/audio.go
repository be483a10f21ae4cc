package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	realtime "github.com/bt-bridge/primer-realtime"
	"github.com/bt-bridge/primer-realtime/shared"
	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// opusSilence is a single 20ms Opus frame of digital silence. It keeps the
// RTP clock moving while the microphone is muted.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// AudioBuffer is a bounded byte queue between the decoder and the player.
// When full, the oldest bytes are dropped.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	cap    int
	closed bool
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return len(data)
	}
	if len(data) > ab.cap {
		dropped = len(data) - ab.cap
		data = data[dropped:]
	}
	if over := len(ab.buffer) + len(data) - ab.cap; over > 0 {
		ab.buffer = ab.buffer[over:]
		dropped += over
	}
	ab.buffer = append(ab.buffer, data...)
	ab.cond.Signal()
	return dropped
}

// Read blocks until data is available. After Close it drains what is left
// and then returns io.EOF.
func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for len(ab.buffer) == 0 && !ab.closed {
		ab.cond.Wait()
	}
	if len(ab.buffer) == 0 {
		return 0, io.EOF
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	return n, nil
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.buffer)
}

// Flush drops everything queued, e.g. when the assistant is interrupted.
func (ab *AudioBuffer) Flush() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	n := len(ab.buffer)
	ab.buffer = ab.buffer[:0]
	return n
}

func (ab *AudioBuffer) Close() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.closed = true
	ab.cond.Broadcast()
	return nil
}

// StreamLocalAudio copies encoded microphone frames to track until ctx is
// done. While mic is muted, silence goes out instead.
func StreamLocalAudio(
	ctx context.Context,
	logger shared.LoggerAdapter,
	track *webrtc.TrackLocalStaticSample,
	mediaTrack mediadevices.Track,
	frameDuration time.Duration,
	mic *realtime.MicGate,
) {
	reader, err := mediaTrack.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	defer reader.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			logger.Error("reading from media track", err)
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		data := buf.Data
		if mic != nil && mic.Muted() {
			data = opusSilence
		}
		err = track.WriteSample(media.Sample{
			Data:     data,
			Duration: frameDuration,
		})
		release()
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logger.Warn("failed to write sample to track", zap.Error(err))
		}
	}
}

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

// speakerContext returns the process-wide oto context. oto allows only one
// per process, so it outlives individual sessions.
func speakerContext(sampleRate, channels int, bufferMs int) (*oto.Context, error) {
	otoOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   time.Duration(bufferMs) * time.Millisecond,
		})
		if otoErr == nil {
			<-ready
		}
	})
	return otoCtx, otoErr
}

// Playback decodes the assistant's Opus track and plays it on the default
// output device.
type Playback struct {
	logger      shared.LoggerAdapter
	bufferMs    int
	ringSeconds int

	mu     sync.Mutex
	buffer *AudioBuffer
}

func NewPlayback(logger shared.LoggerAdapter, bufferMs, ringSeconds int) *Playback {
	return &Playback{
		logger:      logger.With(zap.String("component", "playback")),
		bufferMs:    bufferMs,
		ringSeconds: ringSeconds,
	}
}

// Flush drops queued assistant audio.
func (p *Playback) Flush() {
	p.mu.Lock()
	buffer := p.buffer
	p.mu.Unlock()
	if buffer != nil {
		if n := buffer.Flush(); n > 0 {
			p.logger.Debug("flushed playback", zap.Int("bytes", n))
		}
	}
}

// Play blocks until the track ends or ctx is done.
func (p *Playback) Play(ctx context.Context, track *webrtc.TrackRemote) error {
	var (
		codec      = track.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	p.logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return fmt.Errorf("creating Opus decoder: %w", err)
	}
	speaker, err := speakerContext(sampleRate, channels, p.bufferMs)
	if err != nil {
		return fmt.Errorf("opening audio output: %w", err)
	}

	buffer := NewAudioBuffer(p.ringSeconds * sampleRate * channels * 2)
	p.mu.Lock()
	p.buffer = buffer
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.buffer == buffer {
			p.buffer = nil
		}
		p.mu.Unlock()
	}()

	player := speaker.NewPlayer(buffer)
	player.Play()
	defer func() {
		_ = buffer.Close()
		_ = player.Close()
	}()

	pcm := make([]int16, FrameSamples(120*time.Millisecond, sampleRate, channels))
	pcmBytes := make([]byte, 0, len(pcm)*2)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading RTP packet: %w", err)
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(rtp.Payload, pcm)
		if err != nil {
			p.logger.Warn("decoding Opus", zap.Error(err))
			continue
		}
		pcmBytes = PCM16LE(pcmBytes[:0], pcm[:n*channels])
		if dropped := buffer.Write(pcmBytes); dropped > 0 {
			p.logger.Warn("audio buffer dropped data", zap.Int("droppedBytes", dropped))
		}
	}
}
