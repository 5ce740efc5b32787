package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openlist/assetengine/internal/blobstore"
	"github.com/openlist/assetengine/internal/blobstore/redisblob"
	"github.com/openlist/assetengine/internal/blobstore/sqliteblob"
	"github.com/openlist/assetengine/internal/cacheregistry"
	"github.com/openlist/assetengine/internal/config"
	"github.com/openlist/assetengine/internal/diffworker"
	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/fetch"
	"github.com/openlist/assetengine/internal/getengine"
	"github.com/openlist/assetengine/internal/metrics"
	"github.com/openlist/assetengine/internal/observerbus"
	"github.com/openlist/assetengine/internal/refresher"
	"github.com/openlist/assetengine/internal/scheduler"
	"github.com/openlist/assetengine/internal/sourceregistry"
	"github.com/openlist/assetengine/internal/usersettings"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	logFile   string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore     blobstore.Store
	globalBus       *observerbus.Bus
	globalCache     *cacheregistry.Registry
	globalSource    *sourceregistry.Registry
	globalSettings  *usersettings.Store
	globalGet       *getengine.Engine
	globalRefresher *refresher.Refresher
	globalScheduler *scheduler.Scheduler
	globalPromReg   *prometheus.Registry
)

// initializeComponents wires the storage backend, registries, fetchers,
// diff orchestrator, and scheduler together.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if err := os.MkdirAll(globalCfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	cached, err := blobstore.NewCachedStore(store, globalCfg.Storage.LRUSize)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to wrap store with LRU: %w", err)
	}
	globalStore = cached

	globalBus = observerbus.New()
	globalPromReg = prometheus.NewRegistry()
	metrics.New(globalPromReg).Register(globalBus)

	client := fetch.NewClient(globalCfg.Fetch.UserAgent)
	text := getengine.NewTextFetcher(client, globalCfg.Fetch.InternalBase, nil)

	globalSettings = usersettings.New(globalStore)
	globalCache = cacheregistry.New(globalStore, globalBus, logger)
	globalSource = sourceregistry.New(globalStore, globalBus, &httpBootstrapper{text: text})
	globalGet = getengine.New(globalCache, globalSource, globalSettings, text, nil)
	globalRefresher = refresher.New(globalCache, globalSource, text, nil)

	patchFetch := func(ctx context.Context, url string) ([]byte, error) {
		res := client.Fetch(ctx, url, fetch.Options{SkipHTMLCheck: true})
		if res.Error != "" {
			return nil, fmt.Errorf("%s", res.Error)
		}
		return []byte(res.Content), nil
	}
	diff := diffworker.New(globalCache, func() diffworker.Worker {
		return diffworker.NewInProcessWorker(patchFetch, logger)
	}, logger)

	globalScheduler = scheduler.New(globalCache, globalSource, globalRefresher, diff, globalBus, logger, reingestAssetsJSON)
	globalScheduler.SetAssetsJSONPath(globalCfg.Assets.AssetsJSONPath)

	logger.Info("components initialized successfully")
	return nil
}

// openStore selects the blob store backend from config.
func openStore() (blobstore.Store, error) {
	switch globalCfg.Storage.Backend {
	case "", "sqlite":
		dbPath := globalCfg.DBPath()
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		return sqliteblob.New(dbPath, logger)
	case "redis":
		if globalCfg.Storage.RedisAddr == "" {
			return nil, fmt.Errorf("storage backend redis requires redis_addr")
		}
		client := redis.NewClient(&redis.Options{Addr: globalCfg.Storage.RedisAddr})
		return redisblob.New(client, globalCfg.Storage.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", globalCfg.Storage.Backend)
	}
}

// reingestAssetsJSON feeds a freshly-refreshed assets.json catalog back
// into the source registry.
func reingestAssetsJSON(ctx context.Context, key domain.AssetKey) error {
	read := globalCache.Read(ctx, key, false)
	if read.Error != "" {
		return fmt.Errorf("reading refreshed %s: %s", key, read.Error)
	}
	return globalSource.UpdateAssetSourceRegistry(ctx, json.RawMessage(read.Content), false)
}

// httpBootstrapper fetches the initial assets.json payload.
type httpBootstrapper struct {
	text getengine.TextFetcher
}

func (b *httpBootstrapper) FetchBootstrapLocation(ctx context.Context) (json.RawMessage, error) {
	loc := globalCfg.Assets.BootstrapLocation
	if loc == "" {
		return nil, fmt.Errorf("no bootstrap location configured")
	}
	return b.fetchJSON(ctx, loc)
}

func (b *httpBootstrapper) FetchAssetsJSONPath(ctx context.Context) (json.RawMessage, error) {
	path := globalCfg.Assets.AssetsJSONPath
	if path == "" {
		return nil, fmt.Errorf("no assets.json path configured")
	}
	return b.fetchJSON(ctx, path)
}

func (b *httpBootstrapper) fetchJSON(ctx context.Context, url string) (json.RawMessage, error) {
	res := b.text.FetchText(ctx, url, fetch.IsExternalURL(url))
	if res.Error != "" {
		return nil, fmt.Errorf("fetching %s: %s", url, res.Error)
	}
	return json.RawMessage(res.Content), nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipInitCmds[cmdName]
}

// closeComponents flushes pending registry saves and closes the store
func closeComponents() {
	ctx := context.Background()
	if globalSource != nil {
		if err := globalSource.Flush(ctx); err != nil {
			logger.Error("failed to flush source registry", "error", err)
		}
	}
	if globalCache != nil {
		if err := globalCache.Flush(ctx); err != nil {
			logger.Error("failed to flush cache registry", "error", err)
		}
	}
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assetengine",
		Short: "Acquisition, caching, and update engine for filter-list assets",
		Long: `assetengine resolves stable asset keys to the freshest trustworthy text
content of filter lists, sourced from ranked URLs, cached locally, and
refreshed on a schedule that balances freshness against remote load.`,
		Example: `  assetengine get easylist
  assetengine register mylist '{"contentURL": "https://h/mylist.txt", "content": "filters"}'
  assetengine update start --delay 5 --wait
  assetengine status
  assetengine serve --listen 127.0.0.1:8080`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Warn("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if dataDir != "" {
				globalCfg.Server.DataDir = dataDir
			}
			if logFile != "" {
				globalCfg.Log.File = logFile
				setupLogging()
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)
			}

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a rotating file instead of stderr")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newGetCmd(),
		newRegisterCmd(),
		newUnregisterCmd(),
		newUpdateCmd(),
		newStatusCmd(),
		newServeCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writer io.Writer = os.Stderr
	if globalCfg != nil && globalCfg.Log.File != "" {
		writer = &lumberjack.Logger{
			Filename:   globalCfg.Log.File,
			MaxSize:    globalCfg.Log.MaxSizeMB,
			MaxBackups: globalCfg.Log.MaxBackups,
			MaxAge:     globalCfg.Log.MaxAgeDays,
			Compress:   true,
		}
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
