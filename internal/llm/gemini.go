package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"vibewidget/internal/logging"
)

const defaultModel = "gemini-2.5-flash"

const generateSystemPrompt = `You are an expert Go developer writing small, self-contained widget
rendering units. A unit defines exactly one entry function:

	func Render(input string) (string, error)

input is a JSON document with the widget's data; the return value is the
rendered HTML fragment. Use only safe standard-library packages (strings,
fmt, encoding/json, math, sort, strconv, time and similar). Never import
os, os/exec, net, net/http, syscall or unsafe. Reply with Go source only,
no explanations.`

const fixSystemPrompt = `You are an expert Go developer repairing a broken widget rendering
unit. Keep the unit's intent and structure; change only what the error
requires. The unit must define:

	func Render(input string) (string, error)

Use only safe standard-library packages. Reply with the complete fixed
Go source only, no explanations.`

// GeminiClient implements Client against the Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
	log    *logging.Logger
}

// NewGeminiClient creates a Gemini-backed client. An empty model selects
// the default.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = defaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{
		client: client,
		model:  model,
		log:    logging.Get(logging.CategoryLLM),
	}, nil
}

// GenerateCode produces widget source for a description plus data summary.
func (c *GeminiClient) GenerateCode(ctx context.Context, description, dataInfo string) (string, error) {
	prompt := fmt.Sprintf("Widget description:\n%s\n\nData summary:\n%s\n\nWrite the rendering unit.",
		description, dataInfo)
	return c.complete(ctx, generateSystemPrompt, prompt)
}

// FixCode repairs broken widget source given the error it produced.
func (c *GeminiClient) FixCode(ctx context.Context, brokenCode, errorMessage, dataInfo string) (string, error) {
	prompt := fmt.Sprintf("This rendering unit failed:\n\n%s\n\nError:\n%s\n\nData summary:\n%s\n\nReturn the fixed unit.",
		brokenCode, errorMessage, dataInfo)
	return c.complete(ctx, fixSystemPrompt, prompt)
}

func (c *GeminiClient) complete(ctx context.Context, system, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr(float32(0.2)),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		c.log.Error("generation request failed: %v", err)
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty reply")
	}
	c.log.Debug("received %d bytes from %s", len(text), c.model)
	return extractCode(text), nil
}
