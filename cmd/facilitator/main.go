package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"x402facilitator/internal/audit"
	appconfig "x402facilitator/internal/config"
	"x402facilitator/internal/discovery"
	"x402facilitator/internal/httpapi"
	"x402facilitator/internal/kmssigner"
	"x402facilitator/internal/ledger"
	"x402facilitator/internal/money"
	"x402facilitator/internal/pricecache"
	"x402facilitator/internal/registry"
	"x402facilitator/internal/replay"
	"x402facilitator/internal/settlement"
	"x402facilitator/internal/splitter"
	"x402facilitator/internal/store"
	"x402facilitator/internal/verifier"
	"x402facilitator/internal/webhook"
)

// chainStack bundles the per-chain subsystems wired on top of one ledger
// client: the client itself, a settlement orchestrator, and a
// reconciliation worker (verifiers are kept in a separate map). One stack
// exists per configured CAIP-2 network that dialed successfully.
type chainStack struct {
	chain  *ledger.Client
	settle *settlement.Orchestrator
	worker *settlement.Worker
}

func main() {
	cfg := appconfig.Load()
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(ctx, &store.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, Name: cfg.Database.Name,
		SSLMode: cfg.Database.SSLMode, MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	signer, err := buildSigner(ctx, cfg)
	if err != nil {
		slog.Error("failed to build signer", "error", err)
		os.Exit(1)
	}
	slog.Info("facilitator signer ready", "address", signer.Address())

	reg := registry.New()
	if err := registry.SeedFrom(reg, cfg.TokensFile, true); err != nil {
		slog.Error("failed to seed token registry", "error", err)
		os.Exit(1)
	}

	nonces := replay.New(db)
	auditLog := audit.New(db)
	webhooks := webhook.NewRegistry(db)
	dispatcher := webhook.NewDispatcher(webhooks)
	catalog := discovery.New()
	prices := pricecache.New(cfg.PriceCache.RefreshInterval, stablecoinPegFetcher)

	minUnit, err := money.FromString(cfg.Settlement.MinSettlementUnit)
	if err != nil {
		slog.Error("invalid MIN_SETTLEMENT_UNIT", "error", err)
		os.Exit(1)
	}
	settlementCfg := settlement.Config{
		SettlementTimeout: time.Duration(cfg.Settlement.TimeoutMS) * time.Millisecond,
		MinSettlementUnit: minUnit,
	}

	stacks := make(map[string]*chainStack, len(cfg.Chains))
	verifiers := make(map[string]*verifier.Verifier, len(cfg.Chains))
	settlers := make(map[string]*settlement.Orchestrator, len(cfg.Chains))

	for network, chainCfg := range cfg.Chains {
		chain, err := ledger.Dial(ctx, chainCfg.RPCURL, chainCfg.ChainID)
		if err != nil {
			slog.Error("failed to dial chain RPC, this network will answer 503", "network", network, "error", err)
			continue
		}

		v := verifier.New(
			verifier.DefaultConfig(chainCfg.SpenderAddress, signer.Address()),
			reg, nonces, chain,
		)

		split := splitter.New(chain, signer, chainCfg.ChainID, chainCfg.SplitterContract)

		o := settlement.New(
			settlementCfg, chainCfg.ChainID, chain, signer,
			v, reg, nonces, auditLog, split, dispatcher,
		)

		worker := settlement.NewWorker(auditLog, chain, nonces, settlement.DefaultWorkerConfig())
		worker.Start(ctx)

		stacks[network] = &chainStack{chain: chain, settle: o, worker: worker}
		verifiers[network] = v
		settlers[network] = o

		slog.Info("chain configured", "network", network, "mode", chainCfg.Mode(), "spender", chainCfg.SpenderAddress)
	}

	srv := httpapi.New(cfg, httpapi.Deps{
		Verifiers: verifiers,
		Settlers:  settlers,
		Registry:  reg,
		AuditLog:  auditLog,
		Webhooks:  webhooks,
		Discovery: catalog,
		Prices:    prices,
		Chains:    cfg.Chains,
	})

	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	for network, s := range stacks {
		s.worker.Stop()
		s.settle.Close()
		s.chain.Close()
		slog.Info("chain stack stopped", "network", network)
	}

	slog.Info("server exited")
}

// buildSigner picks the facilitator's own key backend: a raw hex key when
// FACILITATOR_PRIVATE_KEY is set (the common, single-box case), otherwise
// an AWS KMS-backed asymmetric key identified by KMS_KEY_ID. At least one
// must be configured (Validate enforces this in production); when both are
// set, the hex key is used.
func buildSigner(ctx context.Context, cfg *appconfig.Config) (settlement.Signer, error) {
	if cfg.Signer.PrivateKeyHex != "" {
		return kmssigner.NewLocal(cfg.Signer.PrivateKeyHex)
	}
	if cfg.Signer.KMSKeyID != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
		if err != nil {
			return nil, fmt.Errorf("main: load AWS config: %w", err)
		}
		client := kms.NewFromConfig(awsCfg)
		return kmssigner.NewKMS(ctx, client, cfg.Signer.KMSKeyID)
	}
	return nil, fmt.Errorf("main: no signer configured (set FACILITATOR_PRIVATE_KEY or KMS_KEY_ID)")
}

// stablecoinPegFetcher is the default price source: every token this
// facilitator settles is a USD-pegged stablecoin (see internal/registry's
// curated token list), so a quote is just the $1.00 peg rather than a real
// market lookup. Deployments that also list a non-pegged asset would swap
// this for a real oracle client without touching internal/pricecache.
func stablecoinPegFetcher(_ context.Context, symbol string) (pricecache.Quote, error) {
	return pricecache.Quote{Symbol: symbol, USDPrice: 1.0}, nil
}

func setupLogging(cfg *appconfig.Config) {
	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}
