package main

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentask/agentask/internal/handlers"
	"github.com/agentask/agentask/internal/services"
)

const defaultSystemPrompt = "You are a requirement clarification assistant. Based on the user's " +
	"requirement and the conversation history, ask targeted clarifying questions. If this is the " +
	"initial requirement, ask the first clarifying question. If the user is answering a question, " +
	"ask the next one based on the answer. If the user says \"Accept\", produce a complete " +
	"requirement analysis report."

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (llmProvider, error)
}

// llmProvider is what every configured provider must satisfy: streaming chat for turns and
// one-shot completions for analysis and reports.
type llmProvider interface {
	handlers.LLM
	handlers.Completer
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string       `yaml:"port"`
	SystemPrompt string       `yaml:"systemPrompt"`
	LLM          llmConfig    `yaml:"llm"`
	Search       searchConfig `yaml:"search"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type searchConfig struct {
	APIKey string `yaml:"apiKey"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		SystemPrompt string         `yaml:"systemPrompt"`
		LLM          map[string]any `yaml:"llm"`
		Search       searchConfig   `yaml:"search"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.Search = rawConfig.Search
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm
	return nil
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (llmProvider, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, logger), nil
}

func (o ollamaConfig) llm(systemPrompt string, _ *slog.Logger) (llmProvider, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt), nil
}

func (a anthropicConfig) llm(systemPrompt string, _ *slog.Logger) (llmProvider, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, systemPrompt, a.MaxTokens), nil
}
