package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// LLM provider names carried on credentials
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGeneric   = "generic"
)

const (
	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultAnthropicModel   = "claude-3-5-haiku-latest"
	anthropicVersion        = "2023-06-01"
	defaultMaxTokens        = 1024
)

// Credential is a decrypted credential handed to a client for one call. It must never be logged.
type Credential struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMResult is the text and provider metadata of one completion
type LLMResult struct {
	Text string
	Meta map[string]interface{}
}

// LLMClient talks to OpenAI-compatible and Anthropic chat endpoints
type LLMClient struct {
	httpClient *HTTPClient
}

// NewLLMClient creates a client that sends requests through httpClient
func NewLLMClient(httpClient *HTTPClient) *LLMClient {
	return &LLMClient{httpClient: httpClient}
}

// Generate sends prompt as a single user message using the credential's provider
func (c *LLMClient) Generate(ctx context.Context, cred Credential, prompt, model string) (LLMResult, error) {
	if cred.APIKey == "" && cred.Provider != ProviderGeneric {
		return LLMResult{}, fmt.Errorf("credential for provider %q has no API key", cred.Provider)
	}
	if model == "" {
		model = cred.Model
	}

	switch strings.ToLower(cred.Provider) {
	case ProviderOpenAI, ProviderGeneric:
		return c.completeOpenAI(ctx, cred, prompt, model)
	case ProviderAnthropic:
		return c.completeAnthropic(ctx, cred, prompt, model)
	default:
		return LLMResult{}, fmt.Errorf("unsupported LLM provider: %q", cred.Provider)
	}
}

// completeOpenAI sends a chat completion request to an OpenAI-compatible API
func (c *LLMClient) completeOpenAI(ctx context.Context, cred Credential, prompt, model string) (LLMResult, error) {
	baseURL := strings.TrimRight(cred.BaseURL, "/")
	if baseURL == "" {
		if cred.Provider == ProviderGeneric {
			return LLMResult{}, fmt.Errorf("generic provider requires a base_url")
		}
		baseURL = defaultOpenAIBaseURL
	}
	if model == "" {
		model = defaultOpenAIModel
	}

	headers := map[string]string{}
	if cred.APIKey != "" {
		headers["Authorization"] = "Bearer " + cred.APIKey
	}
	status, raw, err := c.httpClient.PostJSON(ctx, baseURL+"/chat/completions", headers, map[string]interface{}{
		"model":    model,
		"messages": []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return LLMResult{}, fmt.Errorf("%s API request failed: %w", cred.Provider, err)
	}
	if status >= 400 {
		return LLMResult{}, providerError(cred.Provider, status, raw)
	}

	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message      Message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return LLMResult{}, fmt.Errorf("failed to parse %s response: %w", cred.Provider, err)
	}
	if len(resp.Choices) == 0 {
		return LLMResult{}, fmt.Errorf("%s response contained no choices", cred.Provider)
	}

	return LLMResult{
		Text: resp.Choices[0].Message.Content,
		Meta: map[string]interface{}{
			"provider":      cred.Provider,
			"model":         resp.Model,
			"id":            resp.ID,
			"finish_reason": resp.Choices[0].FinishReason,
			"usage": map[string]interface{}{
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
				"total_tokens":      resp.Usage.TotalTokens,
			},
		},
	}, nil
}

// completeAnthropic sends a request to the Anthropic messages API
func (c *LLMClient) completeAnthropic(ctx context.Context, cred Credential, prompt, model string) (LLMResult, error) {
	baseURL := strings.TrimRight(cred.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if model == "" {
		model = defaultAnthropicModel
	}

	status, raw, err := c.httpClient.PostJSON(ctx, baseURL+"/messages", map[string]string{
		"x-api-key":         cred.APIKey,
		"anthropic-version": anthropicVersion,
	}, map[string]interface{}{
		"model":      model,
		"max_tokens": defaultMaxTokens,
		"messages":   []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return LLMResult{}, fmt.Errorf("anthropic API request failed: %w", err)
	}
	if status >= 400 {
		return LLMResult{}, providerError(cred.Provider, status, raw)
	}

	var resp struct {
		ID         string                   `json:"id"`
		Model      string                   `json:"model"`
		Content    []map[string]interface{} `json:"content"`
		StopReason string                   `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return LLMResult{}, fmt.Errorf("failed to parse anthropic response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if blockType, _ := block["type"].(string); blockType == "text" {
			if t, ok := block["text"].(string); ok {
				text.WriteString(t)
			}
		}
	}

	return LLMResult{
		Text: text.String(),
		Meta: map[string]interface{}{
			"provider":      cred.Provider,
			"model":         resp.Model,
			"id":            resp.ID,
			"finish_reason": resp.StopReason,
			"usage": map[string]interface{}{
				"prompt_tokens":     resp.Usage.InputTokens,
				"completion_tokens": resp.Usage.OutputTokens,
				"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			},
		},
	}, nil
}

// providerError extracts the provider's error message when the body carries one
func providerError(provider string, status int, raw []byte) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return fmt.Errorf("%s API error (status %d): %s", provider, status, body.Error.Message)
	}
	return fmt.Errorf("%s API error (status %d)", provider, status)
}
