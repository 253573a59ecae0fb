package database

import (
	"fmt"

	"github.com/jordanhubbard/nyx/internal/feedback"
	"github.com/jordanhubbard/nyx/pkg/config"
)

// Open returns the feedback store selected by cfg.
func Open(cfg config.DatabaseConfig) (feedback.Store, error) {
	switch cfg.Type {
	case "memory":
		return feedback.NewMemoryStore(), nil
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = "nyx.db"
		}
		return New(path)
	case "postgres":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}
