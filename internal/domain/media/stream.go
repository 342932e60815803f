package media

import (
	"sync"
	"time"
)

// AudioFormat describes raw PCM audio.
type AudioFormat struct {
	Encoding   string // "pcm_s16le"
	SampleRate int
	Channels   int
}

// PCM24k is 16-bit mono PCM at 24kHz.
var PCM24k = AudioFormat{Encoding: "pcm_s16le", SampleRate: 24000, Channels: 1}

// DurationOf returns the playback time of n bytes, or 0 when unknown.
func (f AudioFormat) DurationOf(n int64) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 || n <= 0 {
		return 0
	}
	bytesPerSecond := int64(f.SampleRate * f.Channels * 2)
	return time.Duration(n * int64(time.Second) / bytesPerSecond)
}

// AudioStream carries synthesised audio from a provider goroutine (the
// producer) to the session (the consumer).
//
// The producer calls Send for each chunk and Finish exactly once. The
// consumer ranges over Chunks, then reads Err. Either side may Close to abort;
// after Close, Send returns false and the producer should Finish promptly.
type AudioStream struct {
	format AudioFormat

	chunks    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()

	mu       sync.Mutex
	err      error
	bytes    int64
	reported time.Duration
}

// NewAudioStream creates a stream with the given chunk buffer.
func NewAudioStream(format AudioFormat, buffer int) *AudioStream {
	if buffer <= 0 {
		buffer = 32
	}
	return &AudioStream{
		format: format,
		chunks: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// OnClose registers fn to run once when the stream is closed.
func (s *AudioStream) OnClose(fn func()) { s.onClose = fn }

// Format returns the audio format.
func (s *AudioStream) Format() AudioFormat { return s.format }

// Chunks returns the audio channel; it is closed by Finish.
func (s *AudioStream) Chunks() <-chan []byte { return s.chunks }

// Done is closed by Close.
func (s *AudioStream) Done() <-chan struct{} { return s.done }

// Send delivers a chunk, blocking until it is buffered or the stream is closed.
func (s *AudioStream) Send(chunk []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.chunks <- chunk:
		s.mu.Lock()
		s.bytes += int64(len(chunk))
		s.mu.Unlock()
		return true
	case <-s.done:
		return false
	}
}

// Finish ends the chunk sequence with an optional error. Producer only.
func (s *AudioStream) Finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	close(s.chunks)
}

// Err returns the producer's error. Meaningful once Chunks is drained.
func (s *AudioStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the stream. Safe to call more than once and from either side.
func (s *AudioStream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// ReportDuration records the total duration announced by the provider.
func (s *AudioStream) ReportDuration(d time.Duration) {
	s.mu.Lock()
	s.reported = d
	s.mu.Unlock()
}

// Duration returns the provider-reported duration, falling back to the length
// of audio received. ok is false when neither is known.
func (s *AudioStream) Duration() (d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reported > 0 {
		return s.reported, true
	}
	if d := s.format.DurationOf(s.bytes); d > 0 {
		return d, true
	}
	return 0, false
}
