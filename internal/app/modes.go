package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirrorlabs/mirrorbot/internal/crypto"
	"github.com/mirrorlabs/mirrorbot/internal/domain"
	"github.com/mirrorlabs/mirrorbot/internal/executor"
	"github.com/mirrorlabs/mirrorbot/internal/feed"
	"github.com/mirrorlabs/mirrorbot/internal/intake"
	"github.com/mirrorlabs/mirrorbot/internal/platform/polymarket"
	"github.com/mirrorlabs/mirrorbot/internal/resolution"
	"github.com/mirrorlabs/mirrorbot/internal/risk"
	"github.com/mirrorlabs/mirrorbot/internal/server"
	"github.com/mirrorlabs/mirrorbot/internal/server/handler"
	"github.com/mirrorlabs/mirrorbot/internal/server/ws"
	"github.com/mirrorlabs/mirrorbot/internal/tracker"
)

// RunMode starts the live execution pipeline: signal intake, risk-gated order
// submission, and fill tracking, fed by the venue's market and user streams.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")

	g, ctx := errgroup.WithContext(ctx)

	clob, err := a.buildVenue(ctx)
	if err != nil {
		return fmt.Errorf("run mode: %w", err)
	}
	riskMgr := a.newRiskManager(deps)
	a.startExecution(ctx, g, deps, riskMgr, clob)

	return g.Wait()
}

// ResolveMode starts the resolution and redemption sweeps plus, when enabled,
// the cold-storage archiver. No new orders are placed.
func (a *App) ResolveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting resolve mode")

	g, ctx := errgroup.WithContext(ctx)

	clob, err := a.buildVenue(ctx)
	if err != nil {
		return fmt.Errorf("resolve mode: %w", err)
	}
	riskMgr := a.newRiskManager(deps)
	a.startResolution(ctx, g, deps, riskMgr, clob)

	return g.Wait()
}

// ServerMode starts the operator HTTP API and the WebSocket event hub only.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	riskMgr := a.newRiskManager(deps)
	a.startServer(ctx, g, deps, riskMgr)

	return g.Wait()
}

// FullMode starts every subsystem: the execution pipeline, the resolution and
// redemption sweeps, the archiver, and the operator API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	clob, err := a.buildVenue(ctx)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	riskMgr := a.newRiskManager(deps)

	a.startExecution(ctx, g, deps, riskMgr, clob)
	a.startResolution(ctx, g, deps, riskMgr, clob)
	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, riskMgr)
	}

	return g.Wait()
}

// newRiskManager builds the shared admission and settlement ledger manager.
func (a *App) newRiskManager(deps *Dependencies) *risk.Manager {
	return risk.NewManager(
		deps.States,
		deps.Rules,
		deps.Strategies,
		deps.Events,
		risk.Config{QuoteMaxAge: a.cfg.Engine.QuoteMaxAge.Duration},
		a.logger,
	)
}

// buildVenue loads the signing key and constructs an authenticated CLOB
// client. When no pre-provisioned L2 credentials are configured they are
// derived from a wallet signature.
func (a *App) buildVenue(ctx context.Context) (*polymarket.ClobClient, error) {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("load wallet key: %w", err)
	}
	signer, err := crypto.NewSigner(key, a.cfg.Venue.ChainID)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	var hmacAuth *crypto.HMACAuth
	if a.cfg.CLOBAuth.ApiKey != "" {
		hmacAuth = &crypto.HMACAuth{
			Key:        a.cfg.CLOBAuth.ApiKey,
			Secret:     a.cfg.CLOBAuth.ApiSecret,
			Passphrase: a.cfg.CLOBAuth.ApiPassphrase,
		}
	}

	clob := polymarket.NewClobClient(polymarket.ClobConfig{
		BaseURL:       a.cfg.Venue.ClobHost,
		SignatureType: a.cfg.Venue.SignatureType,
		FunderAddress: a.cfg.Wallet.SafeAddress,
		HTTPTimeout:   a.cfg.Venue.HTTPTimeout.Duration,
		RateLimit:     a.cfg.Venue.RateLimit,
		RateBurst:     a.cfg.Venue.RateBurst,
	}, signer, hmacAuth)

	if hmacAuth == nil {
		if err := clob.DeriveAPIKey(ctx); err != nil {
			return nil, fmt.Errorf("derive API key: %w", err)
		}
	}
	return clob, nil
}

// startExecution adds the intake readers, the order executor path, the fill
// tracker, and both venue WebSocket feeds to the errgroup.
func (a *App) startExecution(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	riskMgr *risk.Manager,
	clob *polymarket.ClobClient,
) {
	// Market stream keeps the quote cache fresh; lookups register tokens.
	quoteFeed := feed.NewQuoteFeed(a.cfg.Venue.WsHost, deps.Quotes, a.logger)
	g.Go(func() error {
		return quoteFeed.Run(ctx)
	})
	quotes := newWatchingQuoteCache(deps.Quotes, quoteFeed, a.logger)

	exec := executor.NewExecutor(deps.Orders, deps.Events, quotes, riskMgr, clob, executor.Config{
		MaxAttempts:   a.cfg.Engine.SubmitMaxAttempts,
		BackoffBase:   a.cfg.Engine.SubmitBackoffBase.Duration,
		BackoffMax:    a.cfg.Engine.SubmitBackoffMax.Duration,
		SubmitTimeout: a.cfg.Engine.SubmitTimeout.Duration,
	}, a.logger)

	intk := intake.NewIntake(
		deps.Bus,
		deps.Strategies,
		exec,
		a.cfg.Engine.SignalStream,
		a.cfg.Engine.IntakePollInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return intk.Run(ctx)
	})

	// User stream pushes fill updates; the tracker's poll sweep covers gaps.
	updates := make(chan feed.FillUpdate, 64)
	auth := clob.Auth()
	userFeed := feed.NewUserFeed(a.cfg.Venue.WsHost, &polymarket.WSAuth{
		APIKey:     auth.Key,
		Secret:     auth.Secret,
		Passphrase: auth.Passphrase,
	}, nil, updates, a.logger)
	g.Go(func() error {
		return userFeed.Run(ctx)
	})

	trk := tracker.NewTracker(
		deps.Orders,
		deps.Events,
		riskMgr,
		clob,
		clob,
		updates,
		deps.Notifier,
		a.cfg.Engine.FillPollInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return trk.Run(ctx)
	})
}

// startResolution adds the oracle resolution sweep, the redemption driver,
// and the archiver (when wired) to the errgroup.
func (a *App) startResolution(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	riskMgr *risk.Manager,
	clob *polymarket.ClobClient,
) {
	oracle := polymarket.NewOracleClient(a.cfg.Venue.GammaHost)
	resolver := resolution.NewResolver(
		deps.Orders,
		deps.Redemptions,
		deps.Events,
		riskMgr,
		oracle,
		deps.LockManager,
		a.cfg.Engine.ResolutionPollInterval.Duration,
		a.logger,
	)
	g.Go(func() error {
		return resolver.Run(ctx)
	})

	settler := polymarket.NewSettlementClient(clob)
	redeemer := resolution.NewRedeemer(
		deps.Redemptions,
		deps.Orders,
		deps.Events,
		settler,
		deps.Notifier,
		deps.LockManager,
		resolution.RedeemerConfig{
			BackoffBase:   a.cfg.Engine.RedemptionBackoffBase.Duration,
			BackoffMax:    a.cfg.Engine.RedemptionBackoffMax.Duration,
			AlertAttempts: a.cfg.Engine.RedemptionAlertAttempts,
		},
		a.logger,
	)
	g.Go(func() error {
		return redeemer.Run(ctx)
	})

	if deps.Archiver != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		interval := a.cfg.Archive.Interval.Duration
		g.Go(func() error {
			return deps.Archiver.Run(ctx, interval, retention)
		})
	}
}

// startServer adds the HTTP API server and the WebSocket hub to the errgroup.
func (a *App) startServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	riskMgr *risk.Manager,
) {
	reg := intake.NewRegistry(deps.Strategies, deps.Rules, deps.States, a.logger)
	launcher := &defaultingLauncher{
		reg:      reg,
		slippage: a.cfg.Engine.DefaultSlippageTolerance,
		sizing:   a.cfg.Engine.DefaultSizingFraction,
	}

	hub := ws.NewHub(deps.Bus, a.cfg.Mode, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(a.logger),
		Strategies:  handler.NewStrategyHandler(deps.Strategies, deps.Rules, launcher, riskMgr, a.logger),
		Orders:      handler.NewOrderHandler(deps.Orders, deps.Events, a.logger),
		Redemptions: handler.NewRedemptionHandler(deps.Redemptions, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AuthToken:   a.cfg.Server.AuthToken,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// defaultingLauncher fills unset slippage and sizing parameters from the
// engine defaults before delegating to the registry.
type defaultingLauncher struct {
	reg      *intake.Registry
	slippage float64
	sizing   float64
}

func (d *defaultingLauncher) Launch(ctx context.Context, p intake.LaunchParams) (domain.Strategy, error) {
	if p.SlippageTolerance <= 0 {
		p.SlippageTolerance = d.slippage
	}
	if p.SizingFraction <= 0 {
		p.SizingFraction = d.sizing
	}
	return d.reg.Launch(ctx, p)
}

func (d *defaultingLauncher) Terminate(ctx context.Context, strategyID string) error {
	return d.reg.Terminate(ctx, strategyID)
}
