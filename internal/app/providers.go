package app

import (
	"context"
	"log/slog"

	"github.com/doubtdesk/teacher-core/config"
	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/deepgram"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/elevenlabs"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/gemini"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/mock"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/simli"
)

// Option customises New.
type Option func(*options)

type options struct {
	providers *media.Providers
}

// WithProviders replaces the adapters chosen by PROVIDER_MODE. They are
// still wrapped with retries and breakers.
func WithProviders(p media.Providers) Option {
	return func(o *options) { o.providers = &p }
}

// buildProviders returns unguarded adapters for the configured mode.
func buildProviders(ctx context.Context, cfg config.ProvidersConfig, logger *slog.Logger) (media.Providers, error) {
	if cfg.Mode != config.ProviderModeLive {
		logger.Warn("using mock providers, no audio or video is produced")
		p, _, _, _ := mock.Providers()
		return p, nil
	}

	content, err := gemini.NewClient(ctx, gemini.Config{
		APIKey:          cfg.Gemini.APIKey,
		Model:           cfg.Gemini.Model,
		Temperature:     cfg.Gemini.Temperature,
		MaxOutputTokens: cfg.Gemini.MaxOutputTokens,
		Timeout:         cfg.Gemini.Timeout,
		Logger:          logger,
	})
	if err != nil {
		return media.Providers{}, err
	}

	return media.Providers{
		Synthesizer: elevenlabs.New(elevenlabs.Config{
			APIKey:       cfg.ElevenLabs.APIKey,
			BaseURL:      cfg.ElevenLabs.BaseURL,
			OutputFormat: cfg.ElevenLabs.OutputFormat,
			DialTimeout:  cfg.ElevenLabs.DialTimeout,
			Logger:       logger,
		}),
		Renderer: simli.New(simli.Config{
			APIKey:      cfg.Simli.APIKey,
			BaseURL:     cfg.Simli.BaseURL,
			DialTimeout: cfg.Simli.DialTimeout,
			Logger:      logger,
		}),
		Recognizer: deepgram.New(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			BaseURL:     cfg.Deepgram.BaseURL,
			Model:       cfg.Deepgram.Model,
			DialTimeout: cfg.Deepgram.DialTimeout,
			Logger:      logger,
		}),
		Content:  content,
		Assessor: content,
	}, nil
}
