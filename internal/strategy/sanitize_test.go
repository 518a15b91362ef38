package strategy

import (
	"strings"
	"testing"
)

func TestSanitizePromptStripsMarkupKeepingInnerText(t *testing.T) {
	got := SanitizePrompt("<design_brief>red sneakers on a beach</design_brief>", 2000)
	if got != "red sneakers on a beach" {
		t.Fatalf("sanitized = %q", got)
	}
}

func TestSanitizePromptDropsPersonaAndMetaLines(t *testing.T) {
	prompt := strings.Join([]string{
		"You are a senior e-commerce designer.",
		"你是资深电商设计师。",
		"Output strictly in Markdown format.",
		"REFERENCE_INFORMATION: see attachments",
		"A bottle of perfume on a marble table",
	}, "\n")
	got := SanitizePrompt(prompt, 2000)
	if got != "A bottle of perfume on a marble table" {
		t.Fatalf("sanitized = %q", got)
	}
}

func TestSanitizePromptDropsConstraintLines(t *testing.T) {
	prompt := strings.Join([]string{
		"Golden watch on dark velvet",
		"禁止出现文字水印",
		"Do not include any people",
		"soft studio lighting",
	}, "\n")
	got := SanitizePrompt(prompt, 2000)
	want := "Golden watch on dark velvet\nsoft studio lighting"
	if got != want {
		t.Fatalf("sanitized = %q, want %q", got, want)
	}
}

func TestSanitizePromptStripsBulletsAndTruncates(t *testing.T) {
	got := SanitizePrompt("- first item\n• second item", 2000)
	if got != "first item\nsecond item" {
		t.Fatalf("sanitized = %q", got)
	}

	long := strings.Repeat("scenery ", 400)
	got = SanitizePrompt(long, 100)
	if len(got) > 100 {
		t.Fatalf("len = %d, want <= 100", len(got))
	}
	if strings.HasSuffix(got, " ") {
		t.Fatalf("truncation left trailing whitespace: %q", got)
	}
}

func TestSanitizePromptEmptyInput(t *testing.T) {
	if got := SanitizePrompt("   \n  ", 2000); got != "" {
		t.Fatalf("sanitized = %q, want empty", got)
	}
	// A prompt made only of dropped lines yields no variant.
	if got := SanitizePrompt("You are a bot.\n禁止任何输出", 2000); got != "" {
		t.Fatalf("sanitized = %q, want empty", got)
	}
}

func TestExtractPageDescription(t *testing.T) {
	prompt := "header\n<PAGE_DESCRIPTION>\n  A cat wearing <b>sunglasses</b>  \n</PAGE_DESCRIPTION>\nfooter"
	got := ExtractPageDescription(prompt)
	if !strings.Contains(got, "A cat wearing") || !strings.Contains(got, "sunglasses") {
		t.Fatalf("extracted = %q", got)
	}
	if strings.Contains(got, "<b>") {
		t.Fatalf("markup not stripped: %q", got)
	}
	if got := ExtractPageDescription("no section here"); got != "" {
		t.Fatalf("extracted = %q, want empty", got)
	}
}

func TestBuildShortFallbackPrompt(t *testing.T) {
	prompt := "rules rules rules\n<page_description>Stainless thermos with steam rising</page_description>"
	got := BuildShortFallbackPrompt(prompt, "3:4")
	if !strings.Contains(got, "aspect ratio 3:4") {
		t.Fatalf("fallback missing aspect ratio: %q", got)
	}
	if !strings.Contains(got, "Stainless thermos with steam rising") {
		t.Fatalf("fallback missing page description: %q", got)
	}

	// Without an extractable description the generic poster prompt is used.
	got = BuildShortFallbackPrompt("just a plain prompt", "1:1")
	if !strings.Contains(got, "product poster") || strings.Contains(got, "Poster copy") {
		t.Fatalf("generic fallback = %q", got)
	}

	if got := BuildShortFallbackPrompt("", "1:1"); got != "" {
		t.Fatalf("fallback for empty prompt = %q, want empty", got)
	}
}

func TestResolveProtocol(t *testing.T) {
	cases := []struct {
		model string
		want  Protocol
	}{
		{"seedream-4.0", ProtocolStructured},
		{"Doubao-Seedream-4-0-250828", ProtocolStructured},
		{"gpt-image-1", ProtocolStructured},
		{"dall-e-3", ProtocolStructured},
		{"doubao-vision", ProtocolStructured},
		{"not-doubao-suffix", ProtocolConversational},
		{"gemini-3-pro-image-preview", ProtocolConversational},
		{"", ProtocolConversational},
	}
	for _, tc := range cases {
		if got := ResolveProtocol(DefaultRoutes, tc.model); got != tc.want {
			t.Fatalf("ResolveProtocol(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestStrictPromptModel(t *testing.T) {
	if !StrictPromptModel("Doubao-Seedream-4") {
		t.Fatalf("seedream family should be strict")
	}
	if StrictPromptModel("gpt-image-1") {
		t.Fatalf("gpt-image should not be strict")
	}
}
