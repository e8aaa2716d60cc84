package backend

import (
	"os"
	"strconv"
)

// ConfigKind tags which provider a Config describes.
type ConfigKind string

const (
	ConfigOllama    ConfigKind = "ollama"
	ConfigOpenAI    ConfigKind = "openai"
	ConfigAnthropic ConfigKind = "anthropic"
	ConfigCustom    ConfigKind = "custom"
)

// Config is the tagged union of provider connection settings, mirrored from
// the original's BackendConfig enum. Only the fields relevant to Kind are
// populated.
type Config struct {
	Kind ConfigKind

	// Ollama
	Host string
	Port uint16

	// OpenAI / Anthropic
	APIKey  string
	BaseURL *string

	// Custom
	Name       string
	CustomOpts map[string]string
}

func OllamaConfig(host string, port uint16) Config {
	return Config{Kind: ConfigOllama, Host: host, Port: port}
}

// OllamaConfigFromEnv mirrors ollama_from_env: OLLAMA_HOST falling back to
// YOLLAYAH_OLLAMA_HOST, OLLAMA_PORT defaulting to 11434.
func OllamaConfigFromEnv() Config {
	host := firstNonEmpty(os.Getenv("OLLAMA_HOST"), os.Getenv("YOLLAYAH_OLLAMA_HOST"), "localhost")
	port := uint16(11434)
	if p, err := strconv.ParseUint(os.Getenv("OLLAMA_PORT"), 10, 16); err == nil {
		port = uint16(p)
	}
	return Config{Kind: ConfigOllama, Host: host, Port: port}
}

func OpenAIConfig(apiKey string, baseURL *string) Config {
	return Config{Kind: ConfigOpenAI, APIKey: apiKey, BaseURL: baseURL}
}

func AnthropicConfig(apiKey string) Config {
	return Config{Kind: ConfigAnthropic, APIKey: apiKey}
}

func CustomConfig(name string, opts map[string]string) Config {
	return Config{Kind: ConfigCustom, Name: name, CustomOpts: opts}
}

// DefaultConfig mirrors BackendConfig::default(): Ollama on localhost:11434.
func DefaultConfig() Config {
	return OllamaConfig("localhost", 11434)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
