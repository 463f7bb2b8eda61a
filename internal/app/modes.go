package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/pipeline"
	"github.com/alanyoungcy/econaudit/internal/server"
	"github.com/alanyoungcy/econaudit/internal/server/handler"
	"github.com/alanyoungcy/econaudit/internal/server/ws"
	"github.com/alanyoungcy/econaudit/internal/service"
)

// AuditMode runs a single audit and writes the result as JSON. A partial
// result is still written before the error is returned.
func (a *App) AuditMode(ctx context.Context, deps *Dependencies) error {
	if a.request == nil {
		return fmt.Errorf("audit mode: no target given")
	}
	req := *a.request
	a.logger.InfoContext(ctx, "starting audit",
		slog.String("target", req.Target.Hex()),
		slog.String("chain", string(req.Chain)),
		slog.Bool("validate", req.Validate),
	)

	res, err := deps.Audits.Run(ctx, req)
	if res.ID != "" {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return fmt.Errorf("audit mode: write result: %w", encErr)
		}
	}
	if err != nil {
		return fmt.Errorf("audit mode: %w", err)
	}

	a.logger.InfoContext(ctx, "audit finished",
		slog.String("audit_id", res.ID),
		slog.String("severity", string(res.HighestSeverity())),
		slog.String("validation", string(res.Validation.Status)),
		slog.Int("tokens", len(res.Tokens)),
		slog.Int("findings", len(res.Findings)),
	)
	return nil
}

// ServerMode serves the audit API, the event hub and the archive job until
// ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode", slog.Int("port", a.cfg.Server.Port))

	g, ctx := errgroup.WithContext(ctx)

	if deps.Stores.Runs != nil && deps.Artifacts != nil {
		opts := []pipeline.ArchiverOption{}
		if deps.Blobs != nil {
			opts = append(opts, pipeline.WithExistingCheck(deps.Blobs))
		}
		if deps.LockManager != nil {
			opts = append(opts, pipeline.WithArchiveLock(deps.LockManager))
		}
		archiver := pipeline.NewArchiver(deps.Stores.Runs, deps.Artifacts, a.cfg.Pipeline.ArchiveRetentionDays, a.logger, opts...)
		g.Go(func() error {
			return archiver.RunCron(ctx, a.cfg.Pipeline.ArchiveCron)
		})
	} else {
		a.logger.WarnContext(ctx, "archive job disabled: needs postgres and object storage")
	}

	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// startHTTPServer builds the handlers and runs the server and hub inside g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	chains := a.chains()

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Channels:     []string{service.ChannelAudits},
			Mode:         a.cfg.Mode,
			ReplayStream: service.StreamAudits,
			StartedAt:    time.Now().UTC(),
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.healthChecks(deps), a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, a.cfg.Synth.Policy, chains, deps.Audits, a.logger),
		Audits:  handler.NewAuditHandler(ctx, deps.Audits, chains, a.cfg.Pipeline.Concurrency, a.cfg.Pipeline.AuditTimeout.Duration, a.logger),
		Metrics: deps.Metrics.Handler(),
	}
	opts := server.Options{Hub: hub, Observer: deps.Metrics}
	if deps.RateLimiter != nil {
		opts.Limiter = deps.RateLimiter
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, opts, a.logger)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// healthChecks returns a probe per configured backend.
func (a *App) healthChecks(deps *Dependencies) map[string]handler.Checker {
	checks := make(map[string]handler.Checker)
	if deps.Postgres != nil {
		checks["postgres"] = deps.Postgres.Ping
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3.Health
	}
	return checks
}

// chains lists the configured chains in name order.
func (a *App) chains() []domain.Chain {
	out := make([]domain.Chain, 0, len(a.cfg.Chains))
	for name := range a.cfg.Chains {
		out = append(out, domain.Chain(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
