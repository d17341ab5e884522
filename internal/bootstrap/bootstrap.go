package bootstrap

import (
	"fmt"
	"time"

	"github.com/example/gpupool/internal/artifact"
	"github.com/example/gpupool/internal/backend"
	"github.com/example/gpupool/internal/batch"
	"github.com/example/gpupool/internal/cache"
	"github.com/example/gpupool/internal/config"
	"github.com/example/gpupool/internal/history"
	"github.com/example/gpupool/internal/pool"
	"github.com/example/gpupool/pkg/poolapi"
)

// Runtime is a fully wired validation pool and its collaborators.
type Runtime struct {
	Pool    *pool.Pool
	Batch   *batch.Coordinator
	History history.Store
}

// Build assembles the pool from configuration. Call Close on the returned
// runtime when done.
func Build(cfg config.Config) (*Runtime, error) {
	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	var resultCache *cache.Cache
	if cfg.CacheEnabled {
		resultCache = cache.New(cfg.CacheTTL(), cfg.CacheMaxEntries)
	}

	hist, err := buildHistory(cfg)
	if err != nil {
		return nil, err
	}

	var uploader pool.Uploader
	if cfg.ArtifactBackend == "minio" {
		up, err := artifact.New(artifact.Options{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("artifact uploader: %w", err)
		}
		uploader = up
	}

	p, err := pool.New(pool.Options{
		Registry:         reg,
		Cache:            resultCache,
		History:          hist,
		Artifacts:        uploader,
		TickInterval:     cfg.TickInterval(),
		QueueTimeout:     cfg.QueueTimeout(),
		SubmitMargin:     cfg.SubmitMargin(),
		FailFastOnHealth: cfg.FailFastOnHealth,
		DedupeInFlight:   cfg.DedupeInFlight,
	})
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Pool:    p,
		Batch:   batch.NewCoordinator(p, reg),
		History: hist,
	}, nil
}

// Close stops the pool and releases the history store.
func (r *Runtime) Close() error {
	r.Pool.Stop()
	if r.History != nil {
		return r.History.Close()
	}
	return nil
}

func buildRegistry(cfg config.Config) (*backend.Registry, error) {
	specs := make([]backend.TierSpec, 0, len(cfg.Tiers))
	for _, tc := range cfg.Tiers {
		tier, err := poolapi.ParseTier(tc.Name)
		if err != nil {
			return nil, err
		}
		var exec backend.Backend
		switch tc.Backend {
		case "", "sim":
			exec = backend.NewSim(0)
		case "http":
			exec = backend.NewHTTP(tc.BaseURL, tc.APIKey, tc.MaxRetries)
		default:
			return nil, fmt.Errorf("tier %s: unknown backend %q", tc.Name, tc.Backend)
		}
		kinds := make([]poolapi.RequestKind, 0, len(tc.BatchKinds))
		for _, k := range tc.BatchKinds {
			kind, err := poolapi.ParseRequestKind(k)
			if err != nil {
				return nil, fmt.Errorf("tier %s: %w", tc.Name, err)
			}
			kinds = append(kinds, kind)
		}
		specs = append(specs, backend.TierSpec{
			Tier:           tier,
			Exec:           exec,
			MaxConcurrency: tc.MaxConcurrency,
			CostPerHour:    tc.CostPerHour,
			EstDuration:    time.Duration(tc.EstDurationSec * float64(time.Second)),
			ExecTimeout:    time.Duration(tc.ExecTimeoutSec * float64(time.Second)),
			BatchKinds:     kinds,
		})
	}
	return backend.NewRegistry(specs)
}

func buildHistory(cfg config.Config) (history.Store, error) {
	switch cfg.HistoryBackend {
	case "sqlite":
		return history.NewSQLiteStore(cfg.HistoryPath)
	default:
		return history.NewMemoryStore(cfg.HistoryLimit), nil
	}
}
