package result

import (
	"testing"

	"github.com/toolgate/toolgate/internal/engine"
)

func TestExtractDataURLBase64(t *testing.T) {
	t.Parallel()

	mediaType, b64, ok := extractDataURLBase64("data:image/jpeg;base64,AAAA")
	if !ok || mediaType != "image/jpeg" || b64 != "AAAA" {
		t.Fatalf("got (%q, %q, %v)", mediaType, b64, ok)
	}

	if _, _, ok := extractDataURLBase64("https://example.com/x.png"); ok {
		t.Fatal("http URL must not parse as data URL")
	}
	if _, _, ok := extractDataURLBase64("data:image/png,notbase64"); ok {
		t.Fatal("non-base64 data URL must be rejected")
	}
	if _, _, ok := extractDataURLBase64("data:;base64,"); ok {
		t.Fatal("empty payload must be rejected")
	}
}

func TestAnthropicBlocks(t *testing.T) {
	t.Parallel()

	r := engine.Result{
		Text:   "Command completed successfully.",
		Images: []string{"data:image/png;base64,QUJD", "not-a-url"},
	}
	blocks := Anthropic("toolu_1", r)
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want tool result + one image", len(blocks))
	}

	// Empty text still produces a tool result block.
	blocks = Anthropic("toolu_2", engine.Result{})
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(blocks))
	}
}

func TestOpenAIContent(t *testing.T) {
	t.Parallel()

	content := OpenAI(engine.Result{Text: "ok", Images: []string{"data:image/png;base64,QUJD"}})
	if len(content) != 2 {
		t.Fatalf("parts = %d, want text + image", len(content))
	}
	if content[0].OfInputText == nil || content[0].OfInputText.Text != "ok" {
		t.Fatalf("first part = %+v", content[0])
	}
	if content[1].OfInputImage == nil {
		t.Fatalf("second part = %+v", content[1])
	}

	content = OpenAI(engine.Result{})
	if len(content) != 1 || content[0].OfInputText == nil {
		t.Fatalf("empty result content = %+v", content)
	}
}
