package commands

import (
	"context"
	"database/sql"
	"os"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/logger"
	"github.com/teranos/harvest/pulse/async"
	"github.com/teranos/harvest/pulse/breaker"
	"github.com/teranos/harvest/pulse/ratelimit"
	"github.com/teranos/harvest/source"
	"github.com/teranos/harvest/transfer"
)

// engine is everything a fetch needs, built from one config load.
type engine struct {
	cfg     *am.Config
	db      *sql.DB
	sources *source.Registry
	limits  *ratelimit.Registry
	orch    *async.Orchestrator
	watcher *am.ConfigWatcher
}

func openEngine(cfg *am.Config) (*engine, error) {
	sources := source.NewRegistry()
	n, err := sources.LoadCatalogs(cfg.Sources.Catalogs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load catalogs")
	}
	if n == 0 {
		return nil, errors.WithHintf(
			errors.NewInvalidRequestError("no source catalogs found"),
			"Put .yaml or .toml catalogs in one of: %v (sources.catalogs)", cfg.Sources.Catalogs)
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.Logger
	limits := ratelimit.NewRegistry(cfg.RateLimitDefaults(), cfg.RateLimitOverrides(), log.Named("pulse.ratelimit"))
	orch, err := async.New(async.Options{
		DB:        database,
		Sources:   sources,
		Client:    cfg.HTTPClient(),
		Breakers:  breaker.NewSet(cfg.BreakerSettings(), log.Named("pulse.breaker")),
		Limiter:   limits,
		Policy:    cfg.RetryPolicy(),
		Validator: transfer.RejectMarkup(),
		Transfer:  cfg.TransferSettings(),
		Config:    cfg.OrchestratorSettings(),
		Logger:    log,
	})
	if err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to create orchestrator")
	}

	e := &engine{cfg: cfg, db: database, sources: sources, limits: limits, orch: orch}
	e.watchConfig()
	return e, nil
}

// watchConfig reloads rate limits when the most specific config file changes.
func (e *engine) watchConfig() {
	var path string
	for _, candidate := range am.CascadePaths() {
		if _, err := os.Stat(candidate.Path); err == nil {
			path = candidate.Path
		}
	}
	if path == "" {
		return
	}

	w, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config watcher unavailable, rate limits stay fixed for this run", "path", path, "error", err)
		return
	}
	w.OnReload(am.ApplyRateLimits(e.limits))
	w.Start()
	am.SetGlobalWatcher(w)
	e.watcher = w
}

func (e *engine) start(ctx context.Context) {
	e.orch.Start(ctx)
}

func (e *engine) close() {
	e.orch.Stop()
	if e.watcher != nil {
		e.watcher.Stop()
		am.SetGlobalWatcher(nil)
	}
	e.db.Close()
}
