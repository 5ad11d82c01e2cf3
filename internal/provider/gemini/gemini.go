// Package gemini implements the provider adapters on the Google Gen AI SDK:
// Imagen for text-to-image and a Gemini vision model for image comparison.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/dskow/promptcraft/internal/provider"
	"github.com/dskow/promptcraft/internal/retry"
)

// Config holds model and transport settings shared by every credential.
type Config struct {
	ImageModel  string
	VisionModel string
	// BaseURL overrides the API endpoint, e.g. for the local stub provider.
	BaseURL string
	Timeout time.Duration
}

// Client is a credential-agnostic adapter. One genai client is built lazily
// per credential and reused.
type Client struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, clients: make(map[string]*genai.Client)}
}

var (
	_ provider.ImageGenerator = (*Client)(nil)
	_ provider.ImageAnalyzer  = (*Client)(nil)
)

func (c *Client) clientFor(ctx context.Context, credential string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gc, ok := c.clients[credential]; ok {
		return gc, nil
	}

	cc := &genai.ClientConfig{
		APIKey:  credential,
		Backend: genai.BackendGeminiAPI,
	}
	if c.cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = c.cfg.BaseURL
	}
	if c.cfg.Timeout > 0 {
		timeout := c.cfg.Timeout
		cc.HTTPOptions.Timeout = &timeout
	}

	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}
	c.clients[credential] = gc
	return gc, nil
}

// GenerateImage renders prompt with the configured image model.
func (c *Client) GenerateImage(ctx context.Context, credential, prompt string) (*provider.GeneratedImage, error) {
	gc, err := c.clientFor(ctx, credential)
	if err != nil {
		return nil, err
	}

	resp, err := gc.Models.GenerateImages(ctx, c.cfg.ImageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: generating image: %w", err)
	}
	if len(resp.GeneratedImages) == 0 {
		return nil, errors.New("gemini: generating image: empty response")
	}

	out := resp.GeneratedImages[0]
	if out.Image == nil || len(out.Image.ImageBytes) == 0 {
		if out.RAIFilteredReason != "" {
			return nil, retry.Permanent(fmt.Errorf("gemini: image filtered: %s", out.RAIFilteredReason))
		}
		return nil, errors.New("gemini: generating image: no image bytes")
	}

	mimeType := out.Image.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return &provider.GeneratedImage{
		Image: provider.Image{Data: out.Image.ImageBytes, MIMEType: mimeType},
		Model: c.cfg.ImageModel,
	}, nil
}

// CompareImages asks the vision model for a JSON similarity judgment.
func (c *Client) CompareImages(ctx context.Context, credential string, req provider.CompareRequest) (*provider.Comparison, error) {
	gc, err := c.clientFor(ctx, credential)
	if err != nil {
		return nil, err
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(comparisonInstructions(req.Prompt)),
			genai.NewPartFromText("Target image:"),
			genai.NewPartFromBytes(req.Target.Data, req.Target.MIMEType),
			genai.NewPartFromText("Generated image:"),
			genai.NewPartFromBytes(req.Generated.Data, req.Generated.MIMEType),
		}, genai.RoleUser),
	}

	resp, err := gc.Models.GenerateContent(ctx, c.cfg.VisionModel, contents, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.2),
		ResponseMIMEType: "application/json",
		ResponseSchema:   comparisonSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: comparing images: %w", err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, retry.Permanent(fmt.Errorf("gemini: comparison blocked: %s", resp.PromptFeedback.BlockReason))
	}

	return parseComparison(resp.Text())
}

func comparisonInstructions(prompt string) string {
	var b strings.Builder
	b.WriteString("You are judging a prompt-engineering exercise. ")
	b.WriteString("The player wrote a prompt to reproduce the target image; the generated image is the result. ")
	b.WriteString("Score visual similarity from 0 (unrelated) to 100 (indistinguishable), considering subject, ")
	b.WriteString("composition, color palette, lighting, and style. Give one paragraph of feedback, ")
	b.WriteString("up to three strengths, and up to three concrete prompt improvements.\n")
	b.WriteString("Player prompt: ")
	b.WriteString(prompt)
	return b.String()
}

var comparisonSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"similarity":   {Type: genai.TypeInteger},
		"feedback":     {Type: genai.TypeString},
		"strengths":    {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"improvements": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"similarity", "feedback", "strengths", "improvements"},
}

// parseComparison decodes the model's JSON, tolerating a fenced code block,
// and clamps the score to 0..100.
func parseComparison(text string) (*provider.Comparison, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("gemini: comparing images: empty response")
	}

	var cmp provider.Comparison
	if err := json.Unmarshal([]byte(text), &cmp); err != nil {
		return nil, fmt.Errorf("gemini: decoding comparison: %w", err)
	}
	cmp.Similarity = min(max(cmp.Similarity, 0), 100)
	if cmp.Strengths == nil {
		cmp.Strengths = []string{}
	}
	if cmp.Improvements == nil {
		cmp.Improvements = []string{}
	}
	return &cmp, nil
}
