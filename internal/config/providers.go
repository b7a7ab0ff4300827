package config

import "time"

type ProvidersConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	// Type selects the adapter: openai, research, anthropic, gemini, ollama.
	Type          string            `yaml:"type"`
	BaseURL       string            `yaml:"base_url"`
	APIKey        string            `yaml:"api_key"`
	APIVersion    string            `yaml:"api_version,omitempty"`
	Model         string            `yaml:"model"`
	MaxTokens     int               `yaml:"max_tokens"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Timeout       time.Duration     `yaml:"timeout"`
	MaxRetries    int               `yaml:"max_retries"`
	ContextWindow int               `yaml:"context_window"`
	Local         bool              `yaml:"local"`
	LooserLimits  bool              `yaml:"looser_limits"`
	Headers       map[string]string `yaml:"headers,omitempty"`
}

// DefaultContextWindow is used when a provider does not configure one.
const DefaultContextWindow = 8192
