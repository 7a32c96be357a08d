package extraction

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openai/openai-go"
)

// Usage is the token consumption of one model call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Invoker is the opaque model boundary: structured prompt in, raw JSON text
// and token usage out.
type Invoker interface {
	// Validate checks the credential with one cheap call. It returns
	// ErrCredential when the credential is rejected.
	Validate(ctx context.Context) error
	// Complete runs one completion and returns the response text.
	Complete(ctx context.Context, prompt string) (string, Usage, error)
}

// OpenAIInvoker implements Invoker against the OpenAI chat completions API
// with a JSON-object response format.
type OpenAIInvoker struct {
	client      *openai.Client
	model       string
	temperature float64
}

// NewOpenAIInvoker creates the invoker. It reads OPENAI_API_KEY from the
// environment and returns an error if not set.
func NewOpenAIInvoker(model string, temperature float64) (*OpenAIInvoker, error) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}

	// openai-go automatically reads OPENAI_API_KEY from environment
	client := openai.NewClient()

	return &OpenAIInvoker{client: &client, model: model, temperature: temperature}, nil
}

// Validate issues a minimal completion to prove the credential works.
// Only an authentication rejection marks the credential invalid; transient
// failures here do not disable extraction.
func (o *OpenAIInvoker) Validate(ctx context.Context) error {
	_, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            []openai.ChatCompletionMessageParamUnion{openai.UserMessage("ping")},
		Model:               openai.ChatModel(o.model),
		MaxCompletionTokens: openai.Int(1),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && (apiErr.StatusCode == 401 || apiErr.StatusCode == 403) {
			return fmt.Errorf("%w: %v", ErrCredential, err)
		}
	}
	return nil
}

// Complete runs one extraction completion.
func (o *OpenAIInvoker) Complete(ctx context.Context, prompt string) (string, Usage, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model:       openai.ChatModel(o.model),
		Temperature: openai.Float(o.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("chat completion returned no choices")
	}
	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}
