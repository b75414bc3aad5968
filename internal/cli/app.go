package cli

import (
	"fmt"
	"io"

	"github.com/c0deZ3R0/go-record-sync/auth"
	"github.com/c0deZ3R0/go-record-sync/config"
	"github.com/c0deZ3R0/go-record-sync/logging"
	"github.com/c0deZ3R0/go-record-sync/storage/memory"
	"github.com/c0deZ3R0/go-record-sync/storage/sqlite"
	"github.com/c0deZ3R0/go-record-sync/synckit"
	"github.com/c0deZ3R0/go-record-sync/transport/httptransport"
)

// app bundles the collaborators one command invocation works with.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	level    *logging.DynamicLevelVar
	cache    synckit.LocalCache
	remote   *httptransport.Client
	identity synckit.IdentityProvider
}

// openApp loads the config and opens the cache and remote client. Log
// output goes to logOut.
func openApp(opts *RootOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.LogLevel != "" {
		if _, ok := logging.ParseLevel(opts.LogLevel); !ok {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid --log-level %q", opts.LogLevel))
		}
		cfg.Logging.Level = opts.LogLevel
	}

	lc := cfg.LoggerConfig()
	lc.Output = logOut
	logger, level := logging.NewLoggerWithDynamicLevel(lc)

	identity := identityFor(cfg.Auth)

	cache, err := openCache(cfg.Cache, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open cache", err)
	}

	remote, err := httptransport.New(cfg.Remote.URL,
		httptransport.WithIdentity(identity),
		httptransport.WithLogger(logger.Logger),
		httptransport.WithClientOptions(clientOptions(cfg.Remote)),
	)
	if err != nil {
		cache.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create remote client", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		level:    level,
		cache:    cache,
		remote:   remote,
		identity: identity,
	}, nil
}

func (a *app) Close() error {
	a.remote.Close()
	return a.cache.Close()
}

// syncOptions maps the sync section onto controller and drainer options.
func (a *app) syncOptions(extra ...synckit.Option) []synckit.Option {
	s := a.cfg.Sync
	opts := []synckit.Option{
		synckit.WithLogger(a.logger.Logger),
		synckit.WithBackoff(synckit.ExponentialBackoff{
			InitialDelay: s.ReconnectDelay,
			MaxDelay:     s.MaxReconnectDelay,
			Multiplier:   s.BackoffMultiplier,
		}),
		synckit.WithMaxReconnectAttempts(s.MaxReconnectAttempts),
		synckit.WithDrainOnConnect(s.DrainOnConnect),
	}
	for _, rt := range s.RecordTypes {
		opts = append(opts, synckit.WithRecordType(rt, synckit.RecordHandler{}))
	}
	return append(opts, extra...)
}

func identityFor(a config.AuthConfig) synckit.IdentityProvider {
	switch {
	case a.JWTSecret != "":
		return auth.NewJWTProvider(a.Token, auth.WithSecret(a.JWTSecret))
	case a.OwnerID != "":
		return auth.StaticProvider{OwnerID: a.OwnerID, Token: a.Token}
	default:
		// The subject of an unverified token names the owner.
		return auth.NewJWTProvider(a.Token)
	}
}

func openCache(c config.CacheConfig, logger *logging.Logger) (synckit.LocalCache, error) {
	if c.Driver == "memory" {
		return memory.New(), nil
	}
	cache, err := sqlite.New(&sqlite.Config{
		DataSourceName: c.Path,
		EnableWAL:      c.WAL,
		BusyTimeout:    c.BusyTimeout,
		Logger:         logger.WithComponent("storage/sqlite").Logger,
	})
	if err != nil {
		return nil, err
	}
	return cache, nil
}

func clientOptions(r config.RemoteConfig) *httptransport.ClientOptions {
	opts := httptransport.DefaultClientOptions()
	opts.CompressionEnabled = r.Compression
	opts.RequestTimeout = r.Timeout
	opts.Stream = httptransport.StreamMode(r.Stream)
	opts.Retry = httptransport.RetryConfig{
		MaxAttempts: r.RetryAttempts,
		WaitMin:     r.RetryWaitMin,
		WaitMax:     r.RetryWaitMax,
	}
	return opts
}
