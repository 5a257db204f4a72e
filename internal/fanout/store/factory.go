package store

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/common/config"
)

// NewStore creates a new store based on configuration
func NewStore(logger *zap.Logger, cfg *config.StorageConfig) (Store, error) {
	logger.Info("Initializing storage", zap.String("type", cfg.Type))
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(logger), nil
	case "db":
		return NewDBStore(logger, &cfg.Database)
	case "redis":
		return NewRedisStore(logger, &cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
