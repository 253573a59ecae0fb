package modules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jordanhubbard/nyx/internal/executor"
	"github.com/jordanhubbard/nyx/pkg/models"
)

var contentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)note:(.+)`),
	regexp.MustCompile(`(?i)create\s+(.+)`),
	regexp.MustCompile(`(?i)make\s+(.+)`),
	regexp.MustCompile(`(?i)add\s+(.+)`),
}

// Notes creates and lists Apple Notes.
type Notes struct {
	runner  executor.Runner
	account string
	folder  string
}

// NewNotes creates the notes module.
func NewNotes(runner executor.Runner) *Notes {
	return &Notes{runner: runner, account: "iCloud", folder: "Notes"}
}

func (n *Notes) Name() string        { return "notes" }
func (n *Notes) Description() string { return "Apple Notes integration" }

func (n *Notes) CanHandle(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "note") || strings.Contains(lower, "reminder")
}

func (n *Notes) Estimate(text string) int {
	lower := strings.ToLower(text)
	switch {
	case isCreate(lower) && extractContent(text) != "":
		return 90
	case isRead(lower):
		return 90
	}
	return 50
}

func (n *Notes) Execute(ctx context.Context, text string) (*models.Result, error) {
	lower := strings.ToLower(text)

	if isCreate(lower) {
		if content := extractContent(text); content != "" {
			script := fmt.Sprintf(`tell application "Notes"
	tell account "%s"
		make new note at folder "%s" with properties {body:"%s"}
	end tell
end tell`, n.account, n.folder, escapeAppleScript(content))
			if _, err := executor.AppleScript(ctx, n.runner, script); err != nil {
				return failure(err), nil
			}
			return success(fmt.Sprintf("Note created: %s", content)), nil
		}
	}

	if isRead(lower) {
		script := fmt.Sprintf(`tell application "Notes"
	tell account "%s"
		get name of notes in folder "%s"
	end tell
end tell`, n.account, n.folder)
		out, err := executor.AppleScript(ctx, n.runner, script)
		if err != nil {
			return failure(err), nil
		}
		return success(fmt.Sprintf("Recent notes: %s", out)), nil
	}

	return nil, fmt.Errorf("notes: %w", errNotUnderstood)
}

func isCreate(lower string) bool {
	return containsAny(lower, []string{"create", "make", "add", "note:"})
}

func isRead(lower string) bool {
	return containsAny(lower, []string{"read", "show", "list"})
}

func extractContent(text string) string {
	for _, re := range contentPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
