// Package plugin holds the module contract and the registry of active
// module instances.
package plugin

import (
	"context"

	"github.com/jordanhubbard/nyx/pkg/models"
)

// Module is a capability handler that may claim and execute commands.
type Module interface {
	Name() string
	Description() string
	// CanHandle is the claim predicate. It must be side-effect free.
	CanHandle(text string) bool
	// Execute performs the command. Any error means the module produced no
	// usable candidate for this command.
	Execute(ctx context.Context, text string) (*models.Result, error)
}

// Unscored is returned by Estimate when a module has no opinion about its
// confidence for a command.
const Unscored = -1

// Estimator is implemented by modules that score their own confidence before
// execution. Modules without it, or returning Unscored, are assigned the
// configured default.
type Estimator interface {
	Estimate(text string) int
}

// Streamer is implemented by modules whose output is produced incrementally.
// emit receives the full content accumulated so far on every call.
type Streamer interface {
	Stream(ctx context.Context, text string, emit func(content string) error) (*models.Result, error)
}

// Factory builds a fresh module instance. Registries call it again on reload.
type Factory func() (Module, error)
