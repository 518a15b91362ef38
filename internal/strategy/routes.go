package strategy

import "strings"

// Protocol identifies one of the two supported request/response shapes for
// image generation.
type Protocol int

const (
	// ProtocolConversational sends a chat-style request with inline reference
	// images and scans the completion for an image payload.
	ProtocolConversational Protocol = iota
	// ProtocolStructured sends a single prompt+size request and receives
	// inline bytes or a fetchable URL. Reference images are unsupported.
	ProtocolStructured
)

func (p Protocol) String() string {
	if p == ProtocolStructured {
		return "structured"
	}
	return "conversational"
}

// Route maps a model-identifier pattern onto a protocol. Routing stays plain
// data so provider quirks live in one table instead of branching through the
// engine.
type Route struct {
	Match    string
	Prefix   bool
	Protocol Protocol
}

// DefaultRoutes covers the model families known to require the structured
// images endpoint on OpenAI-compatible proxies; everything else goes through
// chat completions.
var DefaultRoutes = []Route{
	{Match: "seedream", Protocol: ProtocolStructured},
	{Match: "gpt-image", Protocol: ProtocolStructured},
	{Match: "dall", Protocol: ProtocolStructured},
	{Match: "doubao-", Prefix: true, Protocol: ProtocolStructured},
}

// ResolveProtocol picks the protocol for a model identifier, resolved once
// per request.
func ResolveProtocol(routes []Route, model string) Protocol {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return ProtocolConversational
	}
	for _, route := range routes {
		if route.Prefix {
			if strings.HasPrefix(m, route.Match) {
				return route.Protocol
			}
			continue
		}
		if strings.Contains(m, route.Match) {
			return route.Protocol
		}
	}
	return ProtocolConversational
}

// StrictPromptModel reports whether the model's provider is known to reject
// rule-heavy prompts as non-pictorial, warranting the short fallback variant.
func StrictPromptModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "seedream")
}
