// Package llm implements ports.ChatClient against OpenAI-compatible chat
// completion endpoints.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"TopPhotos/internal/config"
	"TopPhotos/internal/domain"
	"TopPhotos/internal/ports"
)

// perImageTokens widens the completion budget for multi-image requests so a
// large batch cannot be truncated mid-answer.
const perImageTokens = 256

// baseCompletionTokens is the floor regardless of batch size.
const baseCompletionTokens = 512

// Client talks to an OpenAI-compatible vision model.
type Client struct {
	endpoint    string
	model       string
	apiKey      string
	temperature float64
	topP        float64
	maxTokens   int
	httpClient  *http.Client
}

var _ ports.ChatClient = (*Client)(nil)

// NewClient builds a client from configuration.
func NewClient(cfg config.LLMConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx answer from the provider, classified for the driver:
// auth, permission, rate-limit and not-found answers stop the whole run,
// server-side errors qualify for a delayed resubmission.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error %d (%s): %s", e.Status, e.Type, e.Message)
}

// Kind classifies the HTTP status into the pipeline's error taxonomy.
func (e *APIError) Kind() domain.ErrorKind {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests:
		return domain.KindFatal
	}
	if e.Status >= 500 {
		return domain.KindTransient
	}
	return domain.KindUnknown
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason       string `json:"finish_reason"`
		NativeFinishReason string `json:"native_finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// AskWithImages posts one completion request carrying every image as an
// inline data URI. A provider refusal for prohibited content is reported as
// an error wrapping domain.ErrProhibited so the scorer can recover; usage is
// returned even on failure so token accounting survives bad batches.
func (c *Client) AskWithImages(ctx context.Context, systemPrompt string, images []domain.EncodedImage, imagePrompt string) (string, domain.TokenUsage, error) {
	start := time.Now()
	usage := domain.TokenUsage{}

	parts := make([]contentPart, 0, 2*len(images))
	for _, img := range images {
		parts = append(parts, contentPart{Type: "text", Text: imagePrompt})
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/" + imageFormat(img.Title) + ";base64," + img.Base64},
		})
	}

	maxTokens := baseCompletionTokens + perImageTokens*len(images)
	if c.maxTokens > 0 && maxTokens > c.maxTokens {
		maxTokens = c.maxTokens
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: parts},
		},
		Temperature: c.temperature,
		TopP:        c.topP,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", usage, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", usage, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport-level failures (refused, reset, timeout) are worth a
		// delayed resubmission.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return "", usage, domain.WrapKind(domain.KindTransient, fmt.Errorf("completion call: %w", err))
		}
		return "", usage, fmt.Errorf("completion call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", usage, fmt.Errorf("read completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var parsed chatResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			apiErr.Type = parsed.Error.Type
			apiErr.Message = parsed.Error.Message
		}
		return "", usage, apiErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", usage, fmt.Errorf("decode completion response: %w", err)
	}

	usage.PromptTokens = parsed.Usage.PromptTokens
	usage.CompletionTokens = parsed.Usage.CompletionTokens
	usage.CachedTokens = parsed.Usage.PromptTokensDetails.CachedTokens
	usage.Duration = time.Since(start)

	if len(parsed.Choices) == 0 {
		return "", usage, fmt.Errorf("completion response has no choices")
	}

	choice := parsed.Choices[0]
	if isProhibited(choice.FinishReason) || isProhibited(choice.NativeFinishReason) {
		return "", usage, fmt.Errorf("batch of %d images refused: %w", len(images), domain.ErrProhibited)
	}
	if parsed.Usage.CompletionTokens == 0 || choice.Message.Content == "" {
		return "", usage, fmt.Errorf("empty completion (finish reason %q)", choice.FinishReason)
	}

	return choice.Message.Content, usage, nil
}

// imageFormat derives the data-URI media subtype from the file title.
func imageFormat(title string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(title)), ".")
	switch ext {
	case "jpg", "":
		return "jpeg"
	}
	return ext
}

func isProhibited(reason string) bool {
	switch strings.ToUpper(reason) {
	case "PROHIBITED_CONTENT", "CONTENT_FILTER":
		return true
	}
	return false
}
