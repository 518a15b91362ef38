package strategy

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	sanitizedPromptMaxChars = 2000
	shortFallbackMaxChars   = 800
)

var (
	markupTagRe   = regexp.MustCompile(`</?[^>]+>`)
	pageDescRe    = regexp.MustCompile(`(?is)<page_description>\s*(.*?)\s*</page_description>`)
	spacesRe      = regexp.MustCompile(`[ \t]+`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
	metaLineWords = []string{"reference_information", "design_guidelines", "reference_images_rules"}
	// Lines carrying prohibition or obligation vocabulary read as instructions
	// rather than picture descriptions to the rejecting filter.
	constraintTokens = []string{
		"禁止", "不要", "必须", "不得", "请勿", "务必", "严禁", "严格",
		"must not", "do not", "don't", "never", "forbidden", "prohibited", "strictly",
	}
)

// SanitizePrompt makes a long, instruction-heavy prompt compatible with
// strict structured-generation providers: markup tags are stripped keeping
// their inner text, persona preambles and meta-formatting lines are dropped,
// constraint-heavy lines are removed, blanks collapse, and the result is
// truncated to maxChars. An empty result means no usable variant.
func SanitizePrompt(prompt string, maxChars int) string {
	if strings.TrimSpace(prompt) == "" {
		return ""
	}
	text := markupTagRe.ReplaceAllString(prompt, "\n")

	var lines []string
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "you are ") || strings.HasPrefix(line, "你是") {
			continue
		}
		if strings.Contains(lower, "markdown") {
			continue
		}
		if containsAny(lower, metaLineWords) {
			continue
		}
		if containsAny(lower, constraintTokens) {
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(line, "-•* "))
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	cleaned := strings.Join(lines, "\n")
	cleaned = spacesRe.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(blankLinesRe.ReplaceAllString(cleaned, "\n\n"))
	if maxChars > 0 && len(cleaned) > maxChars {
		cleaned = strings.TrimRight(cleaned[:maxChars], " \t\n")
	}
	return cleaned
}

// ExtractPageDescription pulls the delimited page-description section out of
// a templated prompt, empty when the section is absent.
func ExtractPageDescription(prompt string) string {
	m := pageDescRe.FindStringSubmatch(prompt)
	if len(m) < 2 {
		return ""
	}
	desc := markupTagRe.ReplaceAllString(m[1], "\n")
	return strings.TrimSpace(desc)
}

// BuildShortFallbackPrompt synthesizes a short, purely pictorial prompt for
// providers that reject rule-heavy prompts as non-pictorial. It keeps only
// the page description, falling back to a generic poster description when
// extraction yields nothing.
func BuildShortFallbackPrompt(prompt, aspectRatio string) string {
	if strings.TrimSpace(prompt) == "" {
		return ""
	}
	desc := SanitizePrompt(ExtractPageDescription(prompt), shortFallbackMaxChars)

	base := fmt.Sprintf(
		"E-commerce product poster, aspect ratio %s, realistic commercial photography, clean background, natural lighting, high resolution.",
		aspectRatio,
	)
	if desc == "" {
		return base
	}
	return base + "\nPoster copy:\n" + desc
}

func containsAny(s string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}
