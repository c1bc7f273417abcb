package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	openAIRequestTimeout = 60 * time.Second // Timeout for individual OpenAI API requests
)

var (
	openAIClientInstance *OpenAIClient
	openAIOnce           sync.Once
)

// AuthError means the completion credential is missing or rejected. Not
// transient; never worth retrying.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "completion service auth failed: missing API key"
	}
	return fmt.Sprintf("completion service auth failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ServiceError is a non-2xx completion response or a transport failure.
// Status is 0 when the request never reached the service.
type ServiceError struct {
	Status int
	Body   string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("completion service unreachable: %v", e.Err)
	}
	return fmt.Sprintf("completion service returned status %d: %s", e.Status, e.Body)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// ProtocolError is a 2xx completion response missing the expected content.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "unexpected completion response: " + e.Reason
}

// OpenAIClient wraps the completion service behind a single Complete call
// with classified failures.
type OpenAIClient struct {
	Client *openai.Client
	apiKey string
}

func GetOpenAIClient() *OpenAIClient {
	openAIOnce.Do(func() {
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			slog.Warn("[OpenAIClient] OPENAI_API_KEY not set; completion requests will fail with AuthError")
		}
		openAIClientInstance = NewOpenAIClient(apiKey)
		slog.Info("[OpenAIClient] OpenAI client initialized with custom HTTP timeout",
			slog.Duration("timeout", openAIRequestTimeout))
	})
	return openAIClientInstance
}

func NewOpenAIClient(apiKey string, opts ...option.RequestOption) *OpenAIClient {
	httpClient := &http.Client{Timeout: openAIRequestTimeout}
	allOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
	}, opts...)

	return &OpenAIClient{
		Client: openai.NewClient(allOpts...),
		apiKey: apiKey,
	}
}

// Complete runs one chat completion and returns the generated text.
// Errors are classified as AuthError, ServiceError, or ProtocolError.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	if c.apiKey == "" {
		return "", &AuthError{}
	}

	chatCompletion, err := c.Client.Chat.Completions.New(ctx,
		openai.ChatCompletionNewParams{
			Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(system),
				openai.UserMessage(user),
			}),
			Model:     openai.F(openai.ChatModelGPT3_5Turbo),
			MaxTokens: openai.Int(maxTokens),
		})
	if err != nil {
		classified := ClassifyCompletionError(err)
		slog.Error("[OpenAIClient] Completion request failed",
			slog.String("error", classified.Error()))
		return "", classified
	}

	if len(chatCompletion.Choices) == 0 {
		return "", &ProtocolError{Reason: "response carries no choices"}
	}
	content := strings.TrimSpace(chatCompletion.Choices[0].Message.Content)
	if content == "" {
		return "", &ProtocolError{Reason: "first choice carries no message content"}
	}
	return content, nil
}

// ClassifyCompletionError sorts a raw completion failure into the taxonomy:
// 401/403 mean the credential was rejected, any other status is a service
// failure, and everything else never reached the service.
func ClassifyCompletionError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
			return &AuthError{Err: err}
		}
		return &ServiceError{Status: apiErr.StatusCode, Body: apiErr.JSON.RawJSON(), Err: err}
	}
	return &ServiceError{Err: err}
}
