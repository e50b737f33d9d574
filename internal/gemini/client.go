package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/genai"

	"github.com/digkill/lumifybot/internal/models"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client generates avatars with a Gemini image model. The user's photo is
// sent inline next to the style prompt.
type Client struct {
	models contentGenerator
	model  string
	log    *slog.Logger
}

func NewClient(ctx context.Context, apiKey, model string, log *slog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newClient(client.Models, model, log)
}

func newClient(gen contentGenerator, model string, log *slog.Logger) (*Client, error) {
	if gen == nil {
		return nil, errors.New("content generator is required")
	}
	if model == "" {
		return nil, errors.New("gemini model is required")
	}
	return &Client{models: gen, model: model, log: log}, nil
}

func (c *Client) Generate(ctx context.Context, req models.GenerationRequest) (*models.GeneratedImage, error) {
	if len(req.Image.Data) == 0 {
		return nil, errors.New("gemini requires input image bytes")
	}
	mime := req.Image.MimeType
	if mime == "" {
		mime = http.DetectContentType(req.Image.Data)
	}

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{Text: buildPrompt(req)},
			{InlineData: &genai.Blob{MIMEType: mime, Data: req.Image.Data}},
		},
	}}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
		CandidateCount:     int32(max(req.Params.NumOutputs, 1)),
	}

	c.log.Info("requesting gemini image", "model", c.model)
	resp, err := c.models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	return parseResponse(resp)
}

func buildPrompt(req models.GenerationRequest) string {
	prompt := "Create a portrait of the person in the attached photo. Keep their facial features recognizable. Style: " + req.Prompt
	if req.NegativePrompt != "" {
		prompt += ". Avoid: " + req.NegativePrompt
	}
	return prompt
}

func parseResponse(resp *genai.GenerateContentResponse) (*models.GeneratedImage, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("gemini returned no candidates")
	}
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &models.GeneratedImage{Data: part.InlineData.Data, MimeType: part.InlineData.MIMEType}, nil
			}
		}
	}
	return nil, fmt.Errorf("gemini returned no image data (finish reason: %s)", resp.Candidates[0].FinishReason)
}
