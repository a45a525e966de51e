package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/conversation"
	"github.com/lazypower/companion/internal/logging"
	"github.com/lazypower/companion/internal/news"
	"github.com/lazypower/companion/internal/random"
	"github.com/lazypower/companion/internal/store"
)

// loadConfig reads .env (if present) into the environment, then the config
// file and environment overrides.
func loadConfig() (*config.Config, *config.Loader, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// backend bundles the durable stores selected by storage.backend.
type backend struct {
	convs conversation.Backend
	news  news.StateStore
	where string
	close func() error
}

func openBackend(cfg *config.Config) (*backend, error) {
	switch cfg.Storage.Backend {
	case "file":
		fsStore, err := store.OpenFileStore(cfg.Storage.ConversationsDir)
		if err != nil {
			return nil, fmt.Errorf("open conversations dir: %w", err)
		}
		return &backend{
			convs: fsStore,
			news:  fsStore,
			where: fsStore.Dir,
			close: func() error { return nil },
		}, nil
	default:
		dbPath := cfg.Storage.Path
		if dbPath == "" {
			var err error
			dbPath, err = store.DefaultDBPath()
			if err != nil {
				return nil, fmt.Errorf("resolve db path: %w", err)
			}
		}
		db, err := store.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return &backend{
			convs: db.Conversations(),
			news:  db,
			where: dbPath,
			close: db.Close,
		}, nil
	}
}

// inspector is what the read/maintenance commands share: config, a quiet
// logger and the loaded stores.
type inspector struct {
	cfg   *config.Config
	log   zerolog.Logger
	be    *backend
	convs *conversation.Store
}

func openInspector() (*inspector, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Logging, os.Stderr).Level(zerolog.WarnLevel)
	be, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	convs := conversation.New(be.convs, log)
	if err := convs.Load(); err != nil {
		be.close()
		return nil, err
	}
	return &inspector{cfg: cfg, log: log, be: be, convs: convs}, nil
}

func (in *inspector) newsCache() (*news.Cache, error) {
	c := news.NewCache(in.be.news, random.New(in.cfg.Random.Seed), in.log, newsOptions(in.cfg))
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (in *inspector) Close() error {
	return in.be.close()
}
