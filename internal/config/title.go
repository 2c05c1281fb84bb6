package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/goccy/go-yaml"
)

// TitleLength selects the word band a generated title should fall into.
type TitleLength string

const (
	TitleLengthShort    TitleLength = "short"
	TitleLengthStandard TitleLength = "standard"
	TitleLengthLong     TitleLength = "long"
)

// Validate performs basic validation of a TitleLength value:
// - Checks whether the value is a known TitleLength
// - Replaces an empty value with the default one (TitleLengthStandard)
func (l *TitleLength) Validate() error {
	switch *l {
	case "":
		*l = TitleLengthStandard
		return nil
	case TitleLengthShort, TitleLengthStandard, TitleLengthLong:
		return nil
	default:
		return fmt.Errorf(
			"bad TitleLength value: must be empty or one of %q, %q, %q",
			string(TitleLengthShort),
			string(TitleLengthStandard),
			string(TitleLengthLong),
		)
	}
}

// unmarshalTitleLengthYAML implements a custom YAML unmarshaler for TitleLength.
// Validates the value after unmarshaling.
func unmarshalTitleLengthYAML(value *TitleLength, data []byte) error {
	var length string

	if err := yaml.Unmarshal(data, &length); err != nil {
		return err
	}

	*value = TitleLength(length)

	return value.Validate()
}

// TitleGenerationConfig contains model settings for the chat title pipeline.
type TitleGenerationConfig struct {
	// Model is the model name sent to the completions endpoint.
	Model string `yaml:"model"`

	// BaseURL overrides OPENROUTER_BASE_URL when set. Must be a valid URL if present.
	BaseURL string `yaml:"base_url,omitempty"`

	// Temperature is kept low so titles are near-deterministic. Zero is honoured.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens bounds the completion; titles only.
	MaxTokens int64 `yaml:"max_tokens"`

	// Timeout bounds a single completion request.
	Timeout time.Duration `yaml:"timeout"`

	// Retries is the number of additional attempts for the LLM step in durable mode. Zero
	// disables retries.
	Retries int `yaml:"retries"`

	// Bands maps a title length (short, standard, long) to the instruction describing its word count.
	Bands map[string]string `yaml:"bands,omitempty"`
}

const (
	defaultTitleTemperature = 0.2
	defaultTitleRetries     = 2
)

// DefaultTitleGenerationConfig returns the settings used when the config file omits them.
func DefaultTitleGenerationConfig() *TitleGenerationConfig {
	cfg := &TitleGenerationConfig{
		Temperature: defaultTitleTemperature,
		Retries:     defaultTitleRetries,
	}
	_ = cfg.Validate()
	return cfg
}

// Validate performs validation of a TitleGenerationConfig value:
// - Verifies BaseURL is a valid URL
// - Fills defaults for an empty model and non-positive token or timeout limits
// - Rejects out of range temperature and retries, and bands for unknown lengths
//
// Temperature and Retries are taken as given; zero is a valid setting for both.
func (cfg *TitleGenerationConfig) Validate() error {
	if err := validateURLString(cfg.BaseURL); err != nil {
		return err
	}

	if cfg.Model == "" {
		cfg.Model = "openai/gpt-4o-mini"
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return fmt.Errorf("title temperature %v out of range", cfg.Temperature)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 32
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		return errors.New("title retries must not be negative")
	}

	defaults := map[string]string{
		string(TitleLengthShort):    "2 to 4 words",
		string(TitleLengthStandard): "3 to 6 words",
		string(TitleLengthLong):     "5 to 10 words",
	}
	if cfg.Bands == nil {
		cfg.Bands = make(map[string]string, len(defaults))
	}
	for length := range cfg.Bands {
		if _, known := defaults[length]; !known {
			return fmt.Errorf("unknown title length %q in bands", length)
		}
	}
	for length, band := range defaults {
		if cfg.Bands[length] == "" {
			cfg.Bands[length] = band
		}
	}

	return nil
}

// unmarshalTitleGenerationConfig implements a custom YAML unmarshaler for TitleGenerationConfig.
// Omitted temperature and retries keep their defaults, so an explicit zero can be told apart.
// Validates the value after unmarshaling.
func unmarshalTitleGenerationConfig(value *TitleGenerationConfig, data []byte) error {
	var aux struct {
		Model       string            `yaml:"model"`
		BaseURL     string            `yaml:"base_url"`
		Temperature *float64          `yaml:"temperature"`
		MaxTokens   int64             `yaml:"max_tokens"`
		Timeout     time.Duration     `yaml:"timeout"`
		Retries     *int              `yaml:"retries"`
		Bands       map[string]string `yaml:"bands"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = TitleGenerationConfig{
		Model:       aux.Model,
		BaseURL:     aux.BaseURL,
		Temperature: defaultTitleTemperature,
		MaxTokens:   aux.MaxTokens,
		Timeout:     aux.Timeout,
		Retries:     defaultTitleRetries,
		Bands:       aux.Bands,
	}
	if aux.Temperature != nil {
		value.Temperature = *aux.Temperature
	}
	if aux.Retries != nil {
		value.Retries = *aux.Retries
	}

	return value.Validate()
}

func init() {
	// Register unmarshalers of custom types with the YAML library
	yaml.RegisterCustomUnmarshaler[TitleLength](unmarshalTitleLengthYAML)
	yaml.RegisterCustomUnmarshaler[TitleGenerationConfig](unmarshalTitleGenerationConfig)
}

// validateURLString performs basic sanity checks of a string that should contain a valid URL.
// Empty strings are ignored.
func validateURLString(str string) error {
	if str == "" {
		return nil
	}

	u, err := url.Parse(str)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL does not contain a hostname")
	}

	return nil
}

// Band returns the word-count instruction for a title length, falling back to the standard band.
func (cfg *TitleGenerationConfig) Band(length TitleLength) string {
	if band, ok := cfg.Bands[string(length)]; ok && band != "" {
		return band
	}
	return cfg.Bands[string(TitleLengthStandard)]
}
