package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/batchyard/internal/backoff"
	"github.com/zulandar/batchyard/internal/batches"
	"github.com/zulandar/batchyard/internal/bulk"
	"github.com/zulandar/batchyard/internal/codehost"
	"github.com/zulandar/batchyard/internal/codehost/github"
	"github.com/zulandar/batchyard/internal/config"
	"github.com/zulandar/batchyard/internal/gitops"
	"github.com/zulandar/batchyard/internal/reconciler"
	"github.com/zulandar/batchyard/internal/scheduler"
	"github.com/zulandar/batchyard/internal/workspace"
	"gorm.io/gorm"
)

// Components are the workers of a daemon and the service that feeds them.
type Components struct {
	DB         *gorm.DB
	Hosts      *codehost.Registry
	Resolver   *workspace.Resolver
	Scheduler  *scheduler.Scheduler
	Reconciler *reconciler.Reconciler
	Bulk       *bulk.Executor
	Service    *batches.Service
	Logger     *slog.Logger

	closers []func() error
}

// Build wires every component from cfg. The GitHub code host also serves
// repository search and the git remotes of the pusher and the step runner.
func Build(ctx context.Context, gdb *gorm.DB, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if gdb == nil {
		return nil, fmt.Errorf("daemon: db is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("daemon: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ghConfig, ok := cfg.CodeHost(github.Kind)
	if !ok {
		return nil, fmt.Errorf("daemon: a %s code host is required", github.Kind)
	}
	client, err := github.New(ctx, ghConfig.URL, ghConfig.ResolveToken())
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}
	hosts := codehost.NewRegistry()
	hosts.Register(github.Kind, client)
	remote := remoteURL(ghConfig)

	c := &Components{DB: gdb, Hosts: hosts, Logger: logger}

	cache, err := c.buildCache(ctx, cfg.Scheduler.Cache)
	if err != nil {
		c.Close()
		return nil, err
	}
	artifacts, err := buildArtifacts(cfg.Scheduler.Artifacts)
	if err != nil {
		c.Close()
		return nil, err
	}

	runner := &scheduler.DockerRunner{Git: cfg.Git.Binary, WorkDir: cfg.Git.WorkDir, CloneURL: remote}
	pusher := &gitops.GitPusher{Binary: cfg.Git.Binary, WorkDir: cfg.Git.WorkDir, RemoteURL: remote}

	c.Resolver = workspace.NewResolver(gdb, github.NewSearch(client), hosts, workspace.Options{
		IgnoreFile: cfg.Resolver.IgnoreFile,
		Policy:     backoff.FromConfig(cfg.Resolver.Retry),
		Logger:     logger.With(slog.String("component", "resolver")),
	})
	c.Scheduler = scheduler.New(gdb, runner, cache, artifacts, scheduler.Options{
		Workers: cfg.Scheduler.Workers,
		Logger:  logger.With(slog.String("component", "scheduler")),
	})
	c.Reconciler = reconciler.New(gdb, hosts, pusher, reconciler.Options{
		Policy:      backoff.FromConfig(cfg.Reconciler.Retry),
		CallTimeout: cfg.Reconciler.CallTimeout.Std(),
		WritePacing: cfg.Reconciler.WritePacing.Std(),
		Logger:      logger.With(slog.String("component", "reconciler")),
	})
	c.Bulk = bulk.NewExecutor(gdb, hosts, bulk.Options{
		Workers:     cfg.Bulk.Workers,
		Policy:      backoff.FromConfig(cfg.Bulk.Retry),
		CallTimeout: cfg.Reconciler.CallTimeout.Std(),
		Logger:      logger.With(slog.String("component", "bulk")),
	})
	c.Service = batches.NewService(gdb, hosts, c.Scheduler, batches.Options{
		SpecTTL: cfg.Cleanup.SpecTTL.Std(),
		Rollout: cfg.Reconciler.Rollout.Schedule != "",
		Logger:  logger.With(slog.String("component", "batches")),
	})
	return c, nil
}

// Close releases connections opened by Build.
func (c *Components) Close() error {
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Components) buildCache(ctx context.Context, cfg config.CacheConfig) (scheduler.Cache, error) {
	switch cfg.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		c.closers = append(c.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("daemon: redis %s: %w", cfg.RedisAddr, err)
		}
		return scheduler.NewRedisCache(rdb, cfg.KeyPrefix, cfg.TTL.Std()), nil
	case "memory":
		return scheduler.NewMemoryCache(), nil
	}
	return nil, fmt.Errorf("daemon: unsupported cache backend %q", cfg.Backend)
}

func buildArtifacts(cfg config.ArtifactConfig) (scheduler.ArtifactStore, error) {
	switch cfg.Backend {
	case "s3":
		client := scheduler.NewS3Client(cfg.Region, cfg.Endpoint, os.Getenv(cfg.AccessKeyEnv), os.Getenv(cfg.SecretKeyEnv))
		return scheduler.NewS3Artifacts(client, cfg.Bucket), nil
	case "memory":
		return scheduler.NewMemoryArtifacts(), nil
	}
	return nil, fmt.Errorf("daemon: unsupported artifact backend %q", cfg.Backend)
}

// remoteURL maps "owner/repo" to an HTTPS git remote on the code host,
// carrying the token as basic auth.
func remoteURL(ch config.CodeHostConfig) func(repo string) string {
	base, err := url.Parse(strings.TrimSuffix(ch.URL, "/"))
	if err != nil || base.Host == "" {
		base = &url.URL{Scheme: "https", Host: "github.com"}
	}
	token := ch.ResolveToken()
	return func(repo string) string {
		u := *base
		u.Path = strings.TrimSuffix(base.Path, "/") + "/" + repo + ".git"
		if token != "" {
			u.User = url.UserPassword("x-access-token", token)
		}
		return u.String()
	}
}
