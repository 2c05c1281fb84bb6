package title_generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eternisai/enchanted-workflows/internal/config"
	"github.com/eternisai/enchanted-workflows/internal/durable"
)

// Provider selects whose API key pays for the completion.
type Provider string

const (
	ProviderPlatform Provider = "platform"
	ProviderPersonal Provider = "personal"
)

// Mode decides whether a generated title may replace one the user set.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// ReasonCode explains why no title was saved.
type ReasonCode string

const (
	ReasonEmptySeed           ReasonCode = "empty_seed"
	ReasonMissingAPIKey       ReasonCode = "missing_openrouter_key"
	ReasonGenerationFailed    ReasonCode = "generation_failed"
	ReasonEmptyTitle          ReasonCode = "empty_title"
	ReasonUnsupportedProvider ReasonCode = "unsupported_provider"
	ReasonUnauthorized        ReasonCode = "unauthorized"
	// The store kept the existing title: a user-set title in auto mode, or a chat that is
	// missing or owned by another user.
	ReasonTitleNotWritten ReasonCode = "title_not_written"

	llmStatusPrefix = "llm_status_"
)

// LLMStatusReason is the reason for a completion endpoint answering with a non-2xx status.
func LLMStatusReason(status int) ReasonCode {
	return ReasonCode(fmt.Sprintf("%s%d", llmStatusPrefix, status))
}

const maxIDLength = 128

// Payload is the title job input. AuthTokenRef is an opaque reference, never the token itself.
type Payload struct {
	ChatID       string             `json:"chatId"`
	UserID       string             `json:"userId"`
	SeedText     string             `json:"seedText,omitempty"`
	Length       config.TitleLength `json:"length"`
	Provider     Provider           `json:"provider"`
	Mode         Mode               `json:"mode"`
	AuthTokenRef string             `json:"authTokenRef,omitempty"`
}

// DecodePayload parses a title request and fills defaults. The user ID may still be empty;
// callers that know the user fill it in before Validate.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: malformed title request", durable.ErrInvalidPayload)
	}

	p.ChatID = strings.TrimSpace(p.ChatID)
	p.UserID = strings.TrimSpace(p.UserID)

	if err := p.Length.Validate(); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", durable.ErrInvalidPayload, err)
	}

	if p.Provider == "" {
		p.Provider = ProviderPlatform
	}

	switch p.Mode {
	case "":
		p.Mode = ModeAuto
	case ModeAuto, ModeManual:
	default:
		return Payload{}, fmt.Errorf("%w: mode must be %q or %q", durable.ErrInvalidPayload, ModeAuto, ModeManual)
	}

	return p, nil
}

// Validate checks the identifiers a run needs.
func (p Payload) Validate() error {
	if err := validateID("chatId", p.ChatID); err != nil {
		return err
	}
	return validateID("userId", p.UserID)
}

func validateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is required", durable.ErrInvalidPayload, field)
	}
	if len(id) > maxIDLength || strings.ContainsAny(id, "/\x00") {
		return fmt.Errorf("%w: invalid %s", durable.ErrInvalidPayload, field)
	}
	return nil
}

// Outcome is the result of a title run. Saved is true only when a non-empty title was written.
type Outcome struct {
	Saved  bool       `json:"saved"`
	Title  string     `json:"title,omitempty"`
	Reason ReasonCode `json:"reason,omitempty"`
}

func (o Outcome) Label() string {
	if o.Saved {
		return "saved"
	}
	if strings.HasPrefix(string(o.Reason), llmStatusPrefix) {
		return "llm_status"
	}
	return string(o.Reason)
}

// Fatal is always false: every unsaved title is a domain outcome, not a failed run.
func (o Outcome) Fatal() bool {
	return false
}

func failed(reason ReasonCode) Outcome {
	return Outcome{Reason: reason}
}
