package title_generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/eternisai/enchanted-workflows/internal/config"
	"github.com/eternisai/enchanted-workflows/internal/metrics"
)

const systemPromptTemplate = `You name chat conversations.
Reply with a title of %s that summarizes the user's message.
Use Title Case. Do not wrap the title in quotes and do not end it with punctuation.
Reply with the title only.`

// Completion is the result of one completions request. Status is the HTTP status of the
// endpoint; Content is set only for 2xx answers.
type Completion struct {
	Status     int    `json:"status"`
	Content    string `json:"content,omitempty"`
	MissingKey bool   `json:"missingKey,omitempty"`
}

// OK reports a 2xx answer.
func (c Completion) OK() bool {
	return c.Status >= 200 && c.Status < 300
}

// Generator requests titles from an OpenAI-compatible completions endpoint.
type Generator struct {
	cfg     *config.TitleGenerationConfig
	baseURL string
	metrics metrics.Metrics
	opts    []option.RequestOption
}

// NewGenerator creates a generator. cfg.BaseURL, when set, overrides baseURL.
// Extra request options are applied to every client it builds.
func NewGenerator(cfg *config.TitleGenerationConfig, baseURL string, m metrics.Metrics, opts ...option.RequestOption) *Generator {
	if cfg == nil {
		cfg = config.DefaultTitleGenerationConfig()
	}
	if cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Generator{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		metrics: m,
		opts:    opts,
	}
}

// Config returns the model settings in use.
func (g *Generator) Config() *config.TitleGenerationConfig {
	return g.cfg
}

func (g *Generator) systemPrompt(length config.TitleLength) string {
	return fmt.Sprintf(systemPromptTemplate, g.cfg.Band(length))
}

// Generate makes a single completions request. A non-2xx answer is returned as a Completion with
// that status and a nil error; only transport failures are errors.
func (g *Generator) Generate(ctx context.Context, provider, apiKey, seed string, length config.TitleLength) (Completion, error) {
	opts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(g.baseURL + "/"),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(g.cfg.Timeout),
	}, g.opts...)
	client := openai.NewClient(opts...)

	start := time.Now()
	completion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(g.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(g.systemPrompt(length)),
			openai.UserMessage(seed),
		},
		Temperature: openai.Float(g.cfg.Temperature),
		MaxTokens:   openai.Int(g.cfg.MaxTokens),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			g.metrics.ObserveLLMCall(provider, apiErr.StatusCode, time.Since(start))
			return Completion{Status: apiErr.StatusCode}, nil
		}
		g.metrics.ObserveLLMCall(provider, 0, time.Since(start))
		return Completion{}, fmt.Errorf("completion request failed: %w", err)
	}
	g.metrics.ObserveLLMCall(provider, http.StatusOK, time.Since(start))

	if len(completion.Choices) == 0 {
		return Completion{Status: http.StatusOK}, nil
	}
	return Completion{Status: http.StatusOK, Content: completion.Choices[0].Message.Content}, nil
}
