// Package title_generation names chats from their first message using an LLM.
package title_generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eternisai/enchanted-workflows/internal/durable"
	"github.com/eternisai/enchanted-workflows/internal/events"
	"github.com/eternisai/enchanted-workflows/internal/logger"
	"github.com/eternisai/enchanted-workflows/internal/storage"
)

// Path is the HTTP path that triggers and resumes title runs.
const Path = "/workflow/generate-title"

var errKeyLookup = errors.New("api key lookup failed")

// Authorizer checks that a stored access token reference belongs to a user.
type Authorizer interface {
	Authorize(ctx context.Context, ref, userID string) (bool, error)
}

// Pipeline runs the title job body.
type Pipeline struct {
	store       storage.Store
	generator   *Generator
	authorizer  Authorizer
	events      events.Publisher
	platformKey string
	logger      *logger.Logger
	now         func() time.Time
}

// NewPipeline creates a pipeline. authorizer may be nil when no token store is configured;
// runs carrying a token reference then fail.
func NewPipeline(store storage.Store, generator *Generator, authorizer Authorizer, publisher events.Publisher, platformKey string, log *logger.Logger) *Pipeline {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Pipeline{
		store:       store,
		generator:   generator,
		authorizer:  authorizer,
		events:      publisher,
		platformKey: platformKey,
		logger:      log.WithComponent("title-generation"),
		now:         time.Now,
	}
}

// Workflow registers the title job with a durable executor.
func (pl *Pipeline) Workflow() durable.Workflow {
	return durable.Workflow{
		Kind:    durable.KindGenerateTitle,
		Path:    Path,
		Handler: pl.Handle,
	}
}

// Handle decodes and validates payload, then runs the job body.
func (pl *Pipeline) Handle(ctx context.Context, steps durable.Steps, payload json.RawMessage) (durable.Outcome, error) {
	p, err := DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return pl.Run(ctx, steps, p)
}

// Run generates and saves a title for p.ChatID. Domain failures are returned as an Outcome with a
// reason; storage failures are returned as errors.
func (pl *Pipeline) Run(ctx context.Context, steps durable.Steps, p Payload) (Outcome, error) {
	if pl.store == nil {
		return Outcome{}, errors.New("storage not configured")
	}
	ctx = logger.WithChatID(logger.WithUserID(ctx, p.UserID), p.ChatID)
	log := pl.logger.WithContext(ctx)

	if p.AuthTokenRef != "" {
		ok, err := durable.Run(ctx, steps, "authorize", durable.StepOptions{}, func(ctx context.Context) (bool, error) {
			if pl.authorizer == nil {
				return false, errors.New("token store not configured")
			}
			return pl.authorizer.Authorize(ctx, p.AuthTokenRef, p.UserID)
		})
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return failed(ReasonUnauthorized), nil
		}
	}

	seed, err := durable.Run(ctx, steps, "resolve-seed", durable.StepOptions{}, func(ctx context.Context) (string, error) {
		if seed := normalizeSeed(p.SeedText); seed != "" {
			return seed, nil
		}
		msg, err := pl.store.GetFirstUserMessage(ctx, p.ChatID, p.UserID)
		if err != nil {
			return "", fmt.Errorf("failed to load first user message: %w", err)
		}
		return normalizeSeed(msg), nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if seed == "" {
		return failed(ReasonEmptySeed), nil
	}

	reason, err := durable.Run(ctx, steps, "check-credential", durable.StepOptions{}, func(ctx context.Context) (ReasonCode, error) {
		return pl.checkCredential(ctx, p)
	})
	if err != nil {
		return Outcome{}, err
	}
	if reason != "" {
		return failed(reason), nil
	}

	cfg := pl.generator.Config()
	completion, err := durable.Run(ctx, steps, "call-llm", durable.StepOptions{MaxAttempts: cfg.Retries + 1, Timeout: cfg.Timeout}, func(ctx context.Context) (Completion, error) {
		key, err := pl.apiKey(ctx, p)
		if err != nil {
			return Completion{}, err
		}
		if key == "" {
			return Completion{MissingKey: true}, nil
		}

		c, err := pl.generator.Generate(ctx, string(p.Provider), key, seed, p.Length)
		if err != nil {
			return c, err
		}
		if !c.OK() {
			log.Warn("completion endpoint rejected title request", slog.Int("status", c.Status))
		}
		return c, nil
	})
	switch {
	case durable.IsSuspended(err), errors.Is(err, errKeyLookup):
		return Outcome{}, err
	case err != nil:
		log.Error("title generation failed", slog.String("error", err.Error()))
		return failed(ReasonGenerationFailed), nil
	case completion.MissingKey:
		return failed(ReasonMissingAPIKey), nil
	case !completion.OK():
		return failed(LLMStatusReason(completion.Status)), nil
	}

	title := Sanitize(completion.Content)
	if title == "" {
		return failed(ReasonEmptyTitle), nil
	}

	force := p.Mode == ModeManual
	written, err := durable.Run(ctx, steps, "save-title", durable.StepOptions{}, func(ctx context.Context) (bool, error) {
		written, err := pl.store.SetTitle(ctx, p.ChatID, p.UserID, title, force)
		if err != nil {
			return false, fmt.Errorf("failed to save title: %w", err)
		}
		if !written {
			log.Info("existing title kept", slog.Bool("forced", force))
			return false, nil
		}

		ev := events.TitleUpdated{ChatID: p.ChatID, UserID: p.UserID, Title: title, Forced: force, UpdatedAt: pl.now().UTC()}
		if err := pl.events.TitleUpdated(ctx, ev); err != nil {
			log.Warn("failed to publish title event", slog.String("error", err.Error()))
		}

		log.Info("title saved", slog.Bool("forced", force))
		return true, nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if !written {
		return Outcome{Title: title, Reason: ReasonTitleNotWritten}, nil
	}

	return Outcome{Saved: true, Title: title}, nil
}

// checkCredential returns a reason when no key is available for the provider.
func (pl *Pipeline) checkCredential(ctx context.Context, p Payload) (ReasonCode, error) {
	switch p.Provider {
	case ProviderPlatform:
		if pl.platformKey == "" {
			return ReasonMissingAPIKey, nil
		}
		return "", nil
	case ProviderPersonal:
		ok, err := pl.store.HasAPIKey(ctx, p.UserID)
		if err != nil {
			return "", fmt.Errorf("failed to check personal api key: %w", err)
		}
		if !ok {
			return ReasonMissingAPIKey, nil
		}
		return "", nil
	default:
		return ReasonUnsupportedProvider, nil
	}
}

// apiKey resolves the key for the provider. It never leaves the step that calls it.
func (pl *Pipeline) apiKey(ctx context.Context, p Payload) (string, error) {
	if p.Provider != ProviderPersonal {
		return pl.platformKey, nil
	}
	key, err := pl.store.GetOrDecryptAPIKey(ctx, p.UserID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errKeyLookup, err)
	}
	return key, nil
}
