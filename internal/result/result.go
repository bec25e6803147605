// Package result turns engine outcomes into the tool-response blocks the
// model providers consume.
package result

import (
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/openai/openai-go"
	oresponses "github.com/openai/openai-go/responses"

	"github.com/toolgate/toolgate/internal/engine"
)

// Anthropic renders one engine result as Anthropic content blocks: a tool
// result carrying the text, followed by any operator-attached images.
func Anthropic(toolUseID string, r engine.Result) []anthropic.ContentBlockParamUnion {
	text := strings.TrimSpace(r.Text)
	if text == "" {
		text = "(no output)"
	}

	blocks := []anthropic.ContentBlockParamUnion{
		anthropic.NewToolResultBlock(toolUseID, text, false),
	}
	for _, uri := range r.Images {
		mediaType, b64, ok := extractDataURLBase64(uri)
		if ok {
			blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, b64))
			continue
		}
		if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
			blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: uri}))
		}
	}
	return blocks
}

// OpenAI renders one engine result as Responses-API input content parts.
func OpenAI(r engine.Result) oresponses.ResponseInputMessageContentListParam {
	var content oresponses.ResponseInputMessageContentListParam

	if text := strings.TrimSpace(r.Text); text != "" {
		content = append(content, oresponses.ResponseInputContentUnionParam{
			OfInputText: &oresponses.ResponseInputTextParam{Text: text},
		})
	}
	for _, uri := range r.Images {
		uri = strings.TrimSpace(uri)
		if uri == "" {
			continue
		}
		content = append(content, oresponses.ResponseInputContentUnionParam{
			OfInputImage: &oresponses.ResponseInputImageParam{
				Detail:   oresponses.ResponseInputImageDetailAuto,
				ImageURL: openai.String(uri),
			},
		})
	}
	if len(content) == 0 {
		content = append(content, oresponses.ResponseInputContentUnionParam{
			OfInputText: &oresponses.ResponseInputTextParam{Text: "(no output)"},
		})
	}
	return content
}

// extractDataURLBase64 splits a data: URL into its media type and base64
// payload.
func extractDataURLBase64(raw string) (string, string, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	meta, data, ok := strings.Cut(raw, ",")
	if !ok || !strings.Contains(meta, ";base64") {
		return "", "", false
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return "", "", false
	}

	mediaType := strings.TrimPrefix(meta, "data:")
	mediaType = strings.TrimSuffix(mediaType, ";base64")
	if strings.TrimSpace(mediaType) == "" {
		mediaType = "image/png"
	}
	return mediaType, data, true
}
