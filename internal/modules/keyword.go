package modules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jordanhubbard/nyx/internal/executor"
	"github.com/jordanhubbard/nyx/internal/plugin"
	"github.com/jordanhubbard/nyx/pkg/models"
)

// Pattern scores for manifest regexes.
const (
	FullMatchConfidence    = 85
	PartialMatchConfidence = 70
)

// Keyword is a module declared by a manifest.
type Keyword struct {
	manifest plugin.Manifest
	keywords []string
	patterns []*regexp.Regexp
	runner   executor.Runner
}

// NewKeyword compiles a manifest into a module.
func NewKeyword(m *plugin.Manifest, runner executor.Runner) (*Keyword, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	k := &Keyword{manifest: *m, runner: runner}
	for _, kw := range m.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			k.keywords = append(k.keywords, kw)
		}
	}
	for _, p := range m.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: invalid pattern %q: %w", m.Name, p, err)
		}
		k.patterns = append(k.patterns, re)
	}
	if m.Command != "" && runner == nil {
		return nil, fmt.Errorf("manifest %s: command requires an executor", m.Name)
	}
	return k, nil
}

func (k *Keyword) Name() string        { return k.manifest.Name }
func (k *Keyword) Description() string { return k.manifest.Description }

func (k *Keyword) CanHandle(text string) bool {
	if score, _ := k.patternScore(text); score > 0 {
		return true
	}
	return containsAny(strings.ToLower(text), k.keywords)
}

// Estimate prefers pattern scores, then the manifest's declared confidence.
func (k *Keyword) Estimate(text string) int {
	if score, _ := k.patternScore(text); score > 0 {
		return score
	}
	if k.manifest.Confidence > 0 {
		return k.manifest.Confidence
	}
	return plugin.Unscored
}

func (k *Keyword) Execute(ctx context.Context, text string) (*models.Result, error) {
	_, input := k.patternScore(text)
	if input == "" {
		input = strings.TrimSpace(text)
	}

	var output string
	if k.manifest.Command != "" {
		name, args, err := executor.Split(k.manifest.Command, input)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k.Name(), err)
		}
		output, err = k.runner.Run(ctx, name, args...)
		if err != nil {
			return failure(err), nil
		}
	}

	reply := k.manifest.Response
	if reply == "" {
		reply = output
	}
	reply = strings.NewReplacer("{{input}}", input, "{{output}}", output).Replace(reply)
	if strings.TrimSpace(reply) == "" {
		return nil, fmt.Errorf("%s: manifest produced no response", k.Name())
	}

	typ := models.ResultType(k.manifest.ResponseType)
	if typ == "" {
		typ = models.ResultSuccess
	}
	return &models.Result{Text: reply, Type: typ}, nil
}

// patternScore returns the best pattern score and the first captured group
// of the matching pattern, if any.
func (k *Keyword) patternScore(text string) (int, string) {
	trimmed := strings.TrimSpace(text)
	best, capture := 0, ""
	for _, re := range k.patterns {
		loc := re.FindStringSubmatchIndex(trimmed)
		if loc == nil {
			continue
		}
		score := PartialMatchConfidence
		if loc[0] == 0 && loc[1] == len(trimmed) {
			score = FullMatchConfidence
		}
		if score > best {
			best = score
			capture = ""
			if len(loc) >= 4 && loc[2] >= 0 {
				capture = strings.TrimSpace(trimmed[loc[2]:loc[3]])
			}
		}
	}
	return best, capture
}
