package bridge

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type googleProvider struct {
	client *genai.Client
	cfg    ProviderConfig
}

func newGoogleProvider(ctx context.Context, cfg ProviderConfig, key string) (*googleProvider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	return &googleProvider{client: client, cfg: cfg}, nil
}

// Close releases the underlying client.
func (p *googleProvider) Close() error {
	return p.client.Close()
}

func (p *googleProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	// A model per call: SystemInstruction is model state.
	model := p.client.GenerativeModel(p.cfg.Model)
	maxTokens := int32(p.cfg.MaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	model.MaxOutputTokens = &maxTokens

	system, turns := splitSystem(req.Messages)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	cs := model.StartChat()
	var prompt string
	for i, m := range turns {
		if i == len(turns)-1 && m.Role != "assistant" {
			prompt = m.Content
			break
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}

	var resp *genai.GenerateContentResponse
	err := withRetry(ctx, ProviderGoogle, p.cfg.Retry, func() error {
		var err error
		resp, err = cs.SendMessage(ctx, genai.Text(prompt))
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &ChatResponse{Model: p.cfg.Model}
	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		if candidate.FinishReason != 0 {
			result.StopReason = candidate.FinishReason.String()
		}
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					result.Content += string(text)
				}
			}
		}
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}
