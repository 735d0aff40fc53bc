package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"castpipe/internal/artifacts"
	"castpipe/internal/catalog"
	"castpipe/internal/config"
	"castpipe/internal/embedder"
	"castpipe/internal/fetch"
	"castpipe/internal/logging"
	"castpipe/internal/pipeline"
	"castpipe/internal/transcribe"
	"castpipe/internal/vector"
)

type commandContext struct {
	configFlag  *string
	verboseFlag *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, verboseFlag *bool) *commandContext {
	return &commandContext{configFlag: configFlag, verboseFlag: verboseFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			if errors.Is(err, config.ErrNotFound) {
				c.configErr = fmt.Errorf("%w (run \"castpipe config init\" to create one)", err)
			} else {
				c.configErr = err
			}
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if c.verboseFlag != nil && *c.verboseFlag {
		override := *cfg
		override.Logging.Level = "debug"
		return logging.NewFromConfig(&override)
	}
	return logging.NewFromConfig(cfg)
}

func (c *commandContext) openCatalog() (*catalog.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return catalog.Open(cfg)
}

func (c *commandContext) artifactStore() (artifacts.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Backend == "remote" {
		return artifacts.NewRemote(artifacts.RemoteOptions{
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
		})
	}
	return artifacts.NewLocal(cfg.EpisodesDir())
}

func (c *commandContext) vectorIndex() (vector.Index, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return vector.NewQdrant(cfg.Qdrant, cfg.Embedding.Dimension)
}

// acquireLock guards against concurrent castpipe processes mutating the
// same catalog. The returned release func is safe to call once.
func (c *commandContext) acquireLock() (func(), error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another castpipe process holds %s", cfg.LockPath())
	}
	return func() { _ = lock.Unlock() }, nil
}

// buildOrchestrator wires the full stage pipeline.
func (c *commandContext) buildOrchestrator(store *catalog.Store, artifactStore artifacts.Store, index vector.Index, logger *slog.Logger) (*pipeline.Orchestrator, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	downloader := fetch.NewDownloader(cfg.Workflow.DownloadRetries, cfg.Workflow.MinAudioBytes, logger)
	transcriber := transcribe.NewClient(cfg.Transcriber)
	mapper := transcribe.NewLLMMapper(cfg.SpeakerLLM)
	embedClient := embedder.NewVoyageClient(cfg.Embedding)
	resolver, err := embedder.NewResolver(cfg.Embedding, embedClient, index, artifactStore, logger)
	if err != nil {
		return nil, err
	}

	executors := []pipeline.Executor{
		pipeline.NewAcquireExecutor(downloader, artifactStore, logger),
		pipeline.NewTranscribeExecutor(transcriber, artifactStore, logger),
		pipeline.NewFormatExecutor(mapper, artifactStore, logger),
		pipeline.NewEmbedExecutor(resolver, artifactStore),
	}
	stageTimeout := time.Duration(cfg.Workflow.StageTimeoutSeconds) * time.Second
	return pipeline.NewOrchestrator(store, artifactStore, executors, cfg.Workflow.Workers, stageTimeout, logger), nil
}
