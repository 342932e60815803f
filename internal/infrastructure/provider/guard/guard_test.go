package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/mock"
	"github.com/doubtdesk/teacher-core/pkg/circuitbreaker"
	"github.com/doubtdesk/teacher-core/pkg/logger"
)

// flakyContent fails the first failures calls with err.
type flakyContent struct {
	failures int
	err      error

	mu    sync.Mutex
	calls int
}

func (f *flakyContent) Generate(context.Context, media.ContentRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "Chaliye shuru karte hain.", nil
}

func (f *flakyContent) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingSynth struct {
	*mock.Synthesizer
	err   error
	calls int
}

func (c *countingSynth) Synthesize(ctx context.Context, h media.SynthHandle, text string, tone teaching.Tone) (*media.AudioStream, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.Synthesizer.Synthesize(ctx, h, text, tone)
}

func testConfig() Config {
	return Config{
		MaxRetries:       2,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    2 * time.Millisecond,
		BreakerThreshold: 3,
		BreakerTimeout:   time.Minute,
		Logger:           logger.Discard(),
	}
}

var errUpstream = shared.NewProviderUnavailable(media.ProviderContent, "Generate", errors.New("503"))

func TestGuard_RetriesTransientFailures(t *testing.T) {
	inner := &flakyContent{failures: 2, err: errUpstream}
	p := New(testConfig()).Wrap(media.Providers{Content: inner})

	line, err := p.Content.Generate(context.Background(), media.ContentRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Chaliye shuru karte hain.", line)
	assert.Equal(t, 3, inner.Calls())
}

func TestGuard_GivesUpAfterMaxRetries(t *testing.T) {
	inner := &flakyContent{failures: 10, err: errUpstream}
	p := New(testConfig()).Wrap(media.Providers{Content: inner})

	_, err := p.Content.Generate(context.Background(), media.ContentRequest{})
	assert.True(t, shared.IsProviderUnavailable(err))
	assert.Equal(t, 3, inner.Calls())
}

func TestGuard_DoesNotRetryCancellation(t *testing.T) {
	inner := &flakyContent{failures: 10, err: context.Canceled}
	g := New(testConfig())
	p := g.Wrap(media.Providers{Content: inner})

	_, err := p.Content.Generate(context.Background(), media.ContentRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.Calls())
	assert.Equal(t, circuitbreaker.StateClosed, g.Breaker(media.ProviderContent).State())
}

func TestGuard_BreakerOpensAndRejects(t *testing.T) {
	var transitions []circuitbreaker.State
	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		assert.Equal(t, media.ProviderContent, name)
		transitions = append(transitions, to)
	}
	inner := &flakyContent{failures: 100, err: errUpstream}
	g := New(cfg)
	p := g.Wrap(media.Providers{Content: inner})

	// The preset retrier makes three attempts, which trips a threshold of three.
	_, err := p.Content.Generate(context.Background(), media.ContentRequest{})
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, g.Breaker(media.ProviderContent).State())
	assert.Equal(t, []circuitbreaker.State{circuitbreaker.StateOpen}, transitions)

	before := inner.Calls()
	_, err = p.Content.Generate(context.Background(), media.ContentRequest{})
	var unavailable *shared.ProviderUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, media.ProviderContent, unavailable.Provider)
	assert.True(t, circuitbreaker.IsRejected(err))
	assert.Equal(t, before, inner.Calls(), "open breaker short-circuits the call")
}

func TestGuard_SynthesizeIsNotRetried(t *testing.T) {
	synth := &countingSynth{Synthesizer: mock.NewSynthesizer(), err: errors.New("socket reset")}
	p := New(testConfig()).Wrap(media.Providers{Synthesizer: synth})
	ctx := context.Background()

	h, err := p.Synthesizer.Create(ctx, media.VoiceProfile{VoiceID: "v"})
	require.NoError(t, err)

	_, err = p.Synthesizer.Synthesize(ctx, h, "Namaste", teaching.ToneWarm)
	require.Error(t, err)
	assert.Equal(t, 1, synth.calls)

	require.NoError(t, p.Synthesizer.Cancel(ctx, h))
	assert.Equal(t, 1, synth.Cancels(), "cancel passes through")
	require.NoError(t, p.Synthesizer.Release(ctx, h))
	assert.Zero(t, synth.OpenHandles())
}

func TestGuard_WrapKeepsNilMembers(t *testing.T) {
	p := New(testConfig()).Wrap(media.Providers{Renderer: mock.NewRenderer()})
	assert.Nil(t, p.Synthesizer)
	assert.Nil(t, p.Recognizer)
	assert.Nil(t, p.Content)
	assert.Nil(t, p.Assessor)
	require.NotNil(t, p.Renderer)

	h, err := p.Renderer.Create(context.Background(), media.FaceProfile{FaceModelID: "f"})
	require.NoError(t, err)
	require.NoError(t, p.Renderer.End(context.Background(), h))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(errUpstream))
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(circuitbreaker.ErrCircuitOpen))
	assert.False(t, Retryable(shared.ErrInvalidInput))
}
