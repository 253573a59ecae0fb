// Package modules contains the built-in command modules and the builder for
// manifest-declared keyword modules.
package modules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jordanhubbard/nyx/internal/executor"
	"github.com/jordanhubbard/nyx/pkg/models"
)

var errNotUnderstood = errors.New("could not understand command")

var systemKeywords = []string{"open", "close", "volume", "brightness", "screenshot", "lock", "sleep"}

var knownApps = []string{"Safari", "Chrome", "Firefox", "Spotify", "Music", "Notes", "Mail", "Calendar", "Messages", "Finder", "Terminal"}

var numberRe = regexp.MustCompile(`\d+`)

var (
	lockRe  = regexp.MustCompile(`\block\b`)
	sleepRe = regexp.MustCompile(`\bsleep\b`)
)

// System controls applications and machine state.
type System struct {
	runner executor.Runner
}

// NewSystem creates the system module.
func NewSystem(runner executor.Runner) *System {
	return &System{runner: runner}
}

func (s *System) Name() string        { return "system" }
func (s *System) Description() string { return "System control and information" }

func (s *System) CanHandle(text string) bool {
	return containsAny(strings.ToLower(text), systemKeywords)
}

// Estimate is high only when the command names something actionable.
// A keyword buried inside another word ("clock", "asleep") still claims the
// command but lands in the confirm band.
func (s *System) Estimate(text string) int {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "open"), strings.Contains(lower, "close"):
		if extractApp(lower) != "" {
			return 100
		}
	case strings.Contains(lower, "volume"):
		if _, ok := extractNumber(lower); ok {
			return 100
		}
	case strings.Contains(lower, "screenshot"), lockRe.MatchString(lower), sleepRe.MatchString(lower):
		return 95
	case strings.Contains(lower, "lock"), strings.Contains(lower, "sleep"):
		return 75
	}
	return 60
}

func (s *System) Execute(ctx context.Context, text string) (*models.Result, error) {
	lower := strings.ToLower(text)

	if strings.Contains(lower, "open") {
		if app := extractApp(lower); app != "" {
			return s.run(ctx, fmt.Sprintf("Opening %s", app), fmt.Sprintf(`tell application "%s" to activate`, app))
		}
	}

	if strings.Contains(lower, "close") {
		if app := extractApp(lower); app != "" {
			return s.run(ctx, fmt.Sprintf("Closing %s", app), fmt.Sprintf(`tell application "%s" to quit`, app))
		}
	}

	if strings.Contains(lower, "volume") {
		if n, ok := extractNumber(lower); ok {
			if n > 100 {
				n = 100
			}
			return s.run(ctx, fmt.Sprintf("Volume set to %d%%", n), fmt.Sprintf("set volume output volume %d", n))
		}
	}

	if strings.Contains(lower, "screenshot") {
		if _, err := s.runner.Run(ctx, "screencapture", "-c"); err != nil {
			return failure(err), nil
		}
		return success("Screenshot taken to clipboard"), nil
	}

	if lockRe.MatchString(lower) {
		return s.run(ctx, "Locking screen", `tell application "System Events" to keystroke "q" using {control down, command down}`)
	}

	if sleepRe.MatchString(lower) {
		if _, err := s.runner.Run(ctx, "pmset", "sleepnow"); err != nil {
			return failure(err), nil
		}
		return success("Going to sleep"), nil
	}

	return nil, fmt.Errorf("system: %w", errNotUnderstood)
}

func (s *System) run(ctx context.Context, text, script string) (*models.Result, error) {
	if _, err := executor.AppleScript(ctx, s.runner, script); err != nil {
		return failure(err), nil
	}
	return success(text), nil
}

func extractApp(lower string) string {
	for _, app := range knownApps {
		if strings.Contains(lower, strings.ToLower(app)) {
			return app
		}
	}
	return ""
}

func extractNumber(text string) (int, bool) {
	m := numberRe.FindString(text)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

func containsAny(lower string, words []string) bool {
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func success(text string) *models.Result {
	return &models.Result{Text: text, Type: models.ResultSuccess}
}

func failure(err error) *models.Result {
	return &models.Result{Text: fmt.Sprintf("Error: %v", err), Type: models.ResultError}
}
