// Package gemini generates teacher lines and judges student answers with the
// Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// Config configures the client.
type Config struct {
	APIKey          string
	Model           string
	Temperature     float64
	MaxOutputTokens int

	// Timeout bounds one call when ctx has no earlier deadline.
	Timeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Model:           "gemini-2.0-flash",
		Temperature:     0.7,
		MaxOutputTokens: 400,
		Timeout:         8 * time.Second,
	}
}

// Models is the slice of the genai API used here; *genai.Models satisfies it.
type Models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client implements media.ContentGenerator and media.Assessor.
type Client struct {
	models Models
	config Config
	logger *slog.Logger
}

// NewClient connects to the Gemini API.
func NewClient(ctx context.Context, config Config) (*Client, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, fmt.Errorf("%w: gemini api key is required", shared.ErrInvalidInput)
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return NewWithModels(gc.Models, config), nil
}

// NewWithModels builds a Client on an existing Models implementation.
func NewWithModels(models Models, config Config) *Client {
	def := DefaultConfig()
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.Temperature <= 0 {
		config.Temperature = def.Temperature
	}
	if config.MaxOutputTokens <= 0 {
		config.MaxOutputTokens = def.MaxOutputTokens
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		models: models,
		config: config,
		logger: config.Logger.With("component", "gemini"),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTENT
// ══════════════════════════════════════════════════════════════════════════════

const continuePrompt = "Continue the class: say your next line for this step."

// Generate returns the teacher's next line for req.
func (c *Client) Generate(ctx context.Context, req media.ContentRequest) (string, error) {
	system := teaching.BuildSystemPrompt(teaching.PromptRequest{
		Teacher:     req.Teacher,
		Student:     req.Student,
		Step:        req.Step,
		Remediation: req.Remediation,
		History:     req.History,
	})

	prompt := strings.TrimSpace(req.Message)
	if prompt == "" {
		prompt = continuePrompt
	}

	text, err := c.call(ctx, "Generate", prompt, &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		Temperature:       genai.Ptr(float32(c.config.Temperature)),
		MaxOutputTokens:   int32(c.config.MaxOutputTokens),
	})
	if err != nil {
		return "", err
	}
	return cleanLine(text), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ASSESSMENT
// ══════════════════════════════════════════════════════════════════════════════

const assessPrompt = `You check a student's answer to a practice question set by their teacher.
Decide whether the answer is correct. Accept equivalent forms, rounding and reasonable units.
Reply with JSON only: {"correct": true|false, "feedback": "<one short spoken sentence>"}.`

type verdict struct {
	Correct  *bool  `json:"correct"`
	Feedback string `json:"feedback"`
}

// Assess judges a student's answer.
func (c *Client) Assess(ctx context.Context, req media.AssessRequest) (media.Assessment, error) {
	var b strings.Builder
	b.WriteString("QUESTION:\n")
	b.WriteString(strings.TrimSpace(req.Challenge))
	if req.Student.Topic != "" {
		b.WriteString("\nTOPIC: ")
		b.WriteString(req.Student.Topic)
	}
	b.WriteString("\n\nSTUDENT ANSWER:\n")
	b.WriteString(strings.TrimSpace(req.Answer))

	text, err := c.call(ctx, "Assess", b.String(), &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: assessPrompt}}},
		Temperature:       genai.Ptr[float32](0),
		MaxOutputTokens:   128,
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return media.Assessment{}, err
	}

	v, err := parseVerdict(text)
	if err != nil {
		return media.Assessment{}, shared.NewProviderUnavailable(media.ProviderContent, "Assess", err)
	}
	return media.Assessment{Correct: *v.Correct, Feedback: strings.TrimSpace(v.Feedback)}, nil
}

func parseVerdict(text string) (verdict, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var v verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Correct == nil {
		return verdict{}, errors.New("verdict missing \"correct\"")
	}
	return v, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func (c *Client) call(ctx context.Context, op, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.models.GenerateContent(ctx, c.config.Model, genai.Text(prompt), cfg)
	if err != nil {
		c.logger.Warn("gemini call failed",
			"operation", op,
			"latency", time.Since(start),
			"error", err,
		)
		return "", shared.NewProviderUnavailable(media.ProviderContent, op, err)
	}

	text := ""
	if resp != nil {
		text = strings.TrimSpace(resp.Text())
	}
	if text == "" {
		return "", shared.NewProviderUnavailable(media.ProviderContent, op, errors.New("empty response"))
	}

	c.logger.Debug("gemini call completed",
		"operation", op,
		"latency", time.Since(start),
		"chars", len(text),
	)
	return text, nil
}

// cleanLine strips markdown the model adds despite instructions; the line
// is spoken aloud.
func cleanLine(text string) string {
	replacer := strings.NewReplacer("**", "", "__", "", "`", "", "#", "")
	lines := strings.Split(replacer.Replace(text), "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(l), "-*•"))
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, " ")
}
