package modules

import (
	"fmt"

	"github.com/jordanhubbard/nyx/internal/executor"
	"github.com/jordanhubbard/nyx/internal/plugin"
	"github.com/jordanhubbard/nyx/internal/provider"
)

// Deps are the collaborators built-in modules need.
type Deps struct {
	Runner      executor.Runner
	Chat        provider.StreamingChatter
	ChatModel   string
	Temperature float64
}

// Builtins returns factories for the named built-in modules, in order.
func Builtins(names []string, deps Deps) ([]plugin.Factory, error) {
	factories := make([]plugin.Factory, 0, len(names))
	for _, name := range names {
		var f plugin.Factory
		switch name {
		case "system":
			f = func() (plugin.Module, error) { return NewSystem(deps.Runner), nil }
		case "notes":
			f = func() (plugin.Module, error) { return NewNotes(deps.Runner), nil }
		case "ai":
			f = func() (plugin.Module, error) {
				return NewAssistant(deps.Chat, deps.ChatModel, deps.Temperature), nil
			}
		default:
			return nil, fmt.Errorf("unknown builtin module %q", name)
		}
		factories = append(factories, f)
	}
	return factories, nil
}

// ManifestBuilder builds keyword modules for the manifest loader.
func ManifestBuilder(runner executor.Runner) plugin.Builder {
	return func(m *plugin.Manifest) (plugin.Module, error) {
		return NewKeyword(m, runner)
	}
}
