package main

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantType any
		wantErr  string
	}{
		{
			name: "openai provider",
			yaml: `
port: "8000"
llm:
  provider: openai
  model: gpt-4o
  apiKey: sk-test
  baseURL: https://api.deepseek.com/v1
`,
			wantType: &openAIConfig{},
		},
		{
			name: "ollama provider",
			yaml: `
llm:
  provider: ollama
  model: llama3.2
  host: http://localhost:11434
`,
			wantType: &ollamaConfig{},
		},
		{
			name: "anthropic provider",
			yaml: `
llm:
  provider: anthropic
  model: claude-sonnet-4-20250514
  apiKey: sk-ant-test
  maxTokens: 4096
`,
			wantType: &anthropicConfig{},
		},
		{
			name: "missing provider",
			yaml: `
llm:
  model: gpt-4o
`,
			wantErr: "llm provider is required",
		},
		{
			name: "unknown provider",
			yaml: `
llm:
  provider: grok
  model: grok-2
`,
			wantErr: "unknown llm provider: grok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := yaml.Unmarshal([]byte(tt.yaml), &cfg)

			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}

			switch tt.wantType.(type) {
			case *openAIConfig:
				if _, ok := cfg.LLM.(*openAIConfig); !ok {
					t.Errorf("LLM config type = %T, want *openAIConfig", cfg.LLM)
				}
			case *ollamaConfig:
				if _, ok := cfg.LLM.(*ollamaConfig); !ok {
					t.Errorf("LLM config type = %T, want *ollamaConfig", cfg.LLM)
				}
			case *anthropicConfig:
				if _, ok := cfg.LLM.(*anthropicConfig); !ok {
					t.Errorf("LLM config type = %T, want *anthropicConfig", cfg.LLM)
				}
			}
		})
	}
}

func TestConfigDefaultSystemPrompt(t *testing.T) {
	raw := `
llm:
  provider: ollama
  model: llama3.2
`
	var cfg config
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if cfg.SystemPrompt != defaultSystemPrompt {
		t.Errorf("SystemPrompt = %q, want the default prompt", cfg.SystemPrompt)
	}

	raw = `
systemPrompt: Ask short questions.
llm:
  provider: ollama
  model: llama3.2
`
	cfg = config{}
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if cfg.SystemPrompt != "Ask short questions." {
		t.Errorf("SystemPrompt = %q, want the configured prompt", cfg.SystemPrompt)
	}
}

func TestLLMConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     llmConfig
		wantErr string
	}{
		{
			name:    "openai missing model",
			cfg:     &openAIConfig{},
			wantErr: "model is required",
		},
		{
			name:    "ollama missing model",
			cfg:     &ollamaConfig{},
			wantErr: "model is required",
		},
		{
			name: "anthropic missing maxTokens",
			cfg: &anthropicConfig{
				BaseLLMConfig: BaseLLMConfig{Model: "claude-sonnet-4-20250514"},
			},
			wantErr: "maxTokens is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.llm(defaultSystemPrompt, nil)
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("llm() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
