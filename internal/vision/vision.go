// Package vision provides the client for the vision-inference
// collaborator used by the validation gate.
//
// The contract is deliberately narrow: one image plus one text
// instruction in, free-form text out. All interpretation of the reply
// belongs to the caller.
package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Judge answers a single instruction about a single image.
type Judge interface {
	// Evaluate sends the image and instruction to the inference service
	// and returns its raw textual reply, trimmed.
	Evaluate(ctx context.Context, image []byte, mediaType, instruction string) (string, error)
}

// Anthropic is a Judge backed by the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropic creates a Judge using the given API key and model id.
func NewAnthropic(apiKey, model string) *Anthropic {
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Evaluate implements Judge. The reply is constrained by the instruction
// to a short literal token, so a small completion budget suffices.
func (a *Anthropic) Evaluate(ctx context.Context, image []byte, mediaType, instruction string) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(image)

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 16,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, encoded),
				anthropic.NewTextBlock(instruction),
			),
		},
	})
	if err != nil {
		return "", fmt.Errorf("inference request failed: %w", err)
	}

	var reply strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}

	return strings.TrimSpace(reply.String()), nil
}
