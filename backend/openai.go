package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI is the reference Invoker backed by the OpenAI chat completions API.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI creates an OpenAI-backed Invoker. baseURL overrides the API
// endpoint when non-empty (Azure, local proxies, compatible servers).
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

// Invoke performs a chat completion and normalises the response into a
// Result. Streaming requests are consumed chunk by chunk and recorded so the
// response cache can replay them.
func (o *OpenAI) Invoke(ctx context.Context, req Request) (*Result, error) {
	oreq := openai.ChatCompletionRequest{
		Model: req.Model,
		User:  req.User,
	}
	for _, m := range req.Messages {
		oreq.Messages = append(oreq.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}
	if req.Temperature != nil {
		oreq.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil {
		oreq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		oreq.TopP = float32(*req.TopP)
	}

	if req.Stream {
		return o.invokeStream(ctx, oreq)
	}

	resp, err := o.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode openai response: %w", err)
	}
	return &Result{
		Body:       body,
		Status:     http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

func (o *OpenAI) invokeStream(ctx context.Context, oreq openai.ChatCompletionRequest) (*Result, error) {
	oreq.Stream = true
	stream, err := o.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	result := &Result{
		Status:  http.StatusOK,
		Headers: http.Header{"Content-Type": []string{"text/event-stream"}},
	}
	var completionChars int
	for {
		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("openai stream recv: %w", recvErr)
		}
		frame, mErr := json.Marshal(chunk)
		if mErr != nil {
			return nil, fmt.Errorf("encode stream chunk: %w", mErr)
		}
		result.Chunks = append(result.Chunks, frame)
		for _, c := range chunk.Choices {
			completionChars += len(c.Delta.Content)
		}
	}

	// Streamed responses carry no usage object; approximate from the
	// generated text so quota commits stay non-zero.
	result.TokensUsed = completionChars / 4
	if result.TokensUsed == 0 && completionChars > 0 {
		result.TokensUsed = 1
	}
	return result, nil
}
