package escalation

import (
	"fmt"
	"strings"
)

// Capability is a module the resolver may suggest.
type Capability struct {
	Name        string
	Description string
}

const systemPrompt = `You route voice-assistant commands to modules.
Reply with a single JSON object and nothing else:
{"intent": "<module name, or \"unknown\">", "description": "<what the user wants, one sentence>", "confidence": <0-100>, "reasoning": "<short>", "alternatives": ["<other phrasing or module>"]}
Use "unknown" when no module fits; then put a helpful suggestion for the user in "description".`

// BuildPrompt lists the available modules followed by the command.
func BuildPrompt(text string, modules []Capability) string {
	var b strings.Builder
	b.WriteString("Available modules:\n")
	if len(modules) == 0 {
		b.WriteString("- (none)\n")
	}
	for _, m := range modules {
		if m.Description != "" {
			fmt.Fprintf(&b, "- %s: %s\n", m.Name, m.Description)
		} else {
			fmt.Fprintf(&b, "- %s\n", m.Name)
		}
	}
	fmt.Fprintf(&b, "\nCommand: %q\n", text)
	return b.String()
}
