package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"github.com/dnsfence/dnsfence/internal/dns/common/clock"
	"github.com/dnsfence/dnsfence/internal/dns/common/log"
	"github.com/dnsfence/dnsfence/internal/dns/config"
	"github.com/dnsfence/dnsfence/internal/dns/gateways/doh"
	"github.com/dnsfence/dnsfence/internal/dns/gateways/procnet"
	"github.com/dnsfence/dnsfence/internal/dns/repos/blocklist"
	"github.com/dnsfence/dnsfence/internal/dns/repos/respcache"
	"github.com/dnsfence/dnsfence/internal/dns/repos/updates"
	"github.com/dnsfence/dnsfence/internal/dns/services/engine"
	"github.com/dnsfence/dnsfence/internal/dns/services/interceptor"
)

const (
	version = "0.1.0-dev"
	appName = "dnsfenced"
)

// Application holds all the components of the DNS firewall.
type Application struct {
	config    *config.AppConfig
	engine    *engine.Engine
	blocklist *blocklist.Repository
	updater   *updates.Updater // nil when no trusted URL is configured
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":    version,
		"env":        cfg.Env,
		"log_level":  cfg.LogLevel,
		"tun_device": cfg.TunDevice,
		"resolver":   cfg.ResolverURL,
		"cache_size": cfg.CacheSize,
		"data_dir":   cfg.DataDir,
	}, "Starting dnsfence")

	device, err := os.OpenFile(cfg.TunDevice, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(map[string]any{"device": cfg.TunDevice, "error": err}, "Failed to open tunnel device")
	}

	app, err := buildApplication(cfg, device)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				log.Info(nil, "SIGHUP received, refreshing blocklists")
				go app.update(ctx)
				continue
			}
			log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
			cancel()
			return
		}
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Firewall failed")
	}

	log.Info(nil, "dnsfence stopped gracefully")
}

// buildApplication constructs all components and wires them together. The
// device is passed in so tests can substitute a fake.
func buildApplication(cfg *config.AppConfig, device engine.Device) (*Application, error) {
	clk := clock.RealClock{}
	logger := log.GetLogger()

	blocklistRepo := blocklist.NewRepository(blocklist.Options{
		DataDir: cfg.DataDir,
		Sources: blocklistSources(cfg),
		Clock:   clk,
		Logger:  logger,
	})

	cacheSize := cfg.CacheSize
	if cacheSize > uint(^uint(0)>>1) {
		return nil, fmt.Errorf("cache size too large: %d", cacheSize)
	}
	cache, err := respcache.New(int(cacheSize), clk)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}

	dohClient, err := doh.New(doh.Options{
		Endpoint:       cfg.ResolverURL,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver client: %w", err)
	}

	handler := interceptor.New(interceptor.Options{
		Blocklist: blocklistRepo,
		Cache:     cache,
		Upstream:  dohClient,
		Logger:    logger,
	})

	eng, err := engine.New(engine.Options{
		Device:        device,
		Handler:       handler,
		Attributor:    procnet.New(procnet.Options{Logger: logger}),
		Cache:         cache,
		Upstream:      dohClient,
		QueueCapacity: cfg.QueueCapacity,
		MinWorkers:    cfg.MinWorkers,
		MaxWorkers:    cfg.MaxWorkers,
		IdleTimeout:   cfg.WorkerIdleTimeout,
		DrainTimeout:  cfg.DrainTimeout,
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	app := &Application{
		config:    cfg,
		engine:    eng,
		blocklist: blocklistRepo,
	}

	if cfg.TrustedURL != "" {
		app.updater, err = buildUpdater(cfg, blocklistRepo, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create updater: %w", err)
		}
	}

	return app, nil
}

func buildUpdater(cfg *config.AppConfig, repo *blocklist.Repository, logger log.Logger) (*updates.Updater, error) {
	encoded := cfg.PublicKey
	if encoded == "" {
		encoded = updates.DefaultPublicKey
	}
	publicKey, err := updates.DecodePublicKey(encoded)
	if err != nil {
		return nil, err
	}

	var community []updates.CommunitySource
	for _, u := range cfg.CommunityURLs {
		community = append(community, updates.CommunitySource{
			Name: sourceNameFromURL(u),
			URL:  u,
		})
	}

	return updates.New(updates.Options{
		Store:     repo,
		PublicKey: publicKey,
		Trusted: updates.TrustedSource{
			Name:   sourceNameFromURL(cfg.TrustedURL),
			URL:    cfg.TrustedURL,
			SigURL: cfg.TrustedSigURL,
		},
		Community: community,
		Logger:    logger,
	})
}

// blocklistSources maps the configured URLs onto the durable per-source
// files the repository merges at load time.
func blocklistSources(cfg *config.AppConfig) []blocklist.Source {
	var sources []blocklist.Source
	if cfg.TrustedURL != "" {
		sources = append(sources, blocklist.Source{
			Name:    sourceNameFromURL(cfg.TrustedURL),
			Trusted: true,
		})
	}
	for _, u := range cfg.CommunityURLs {
		sources = append(sources, blocklist.Source{
			Name: sourceNameFromURL(u),
		})
	}
	return sources
}

// sourceNameFromURL derives a stable filename-safe source name from a
// download URL, e.g. "https://x.example/lists/ads.txt" -> "ads".
func sourceNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "source"
	}
	name := path.Base(u.Path)
	name = strings.TrimSuffix(name, path.Ext(name))
	if name == "" || name == "." {
		return "source"
	}
	return name
}

// Run serves until the context is cancelled. The last-known blocklists
// load before the first packet; a failed refresh never prevents startup.
func (a *Application) Run(ctx context.Context) error {
	if err := a.blocklist.Load(); err != nil {
		log.Warn(map[string]any{"error": err.Error()}, "Initial blocklist load failed, starting empty")
	}

	if err := a.engine.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	if a.updater != nil {
		go a.update(ctx)
	}

	<-ctx.Done()
	return a.engine.Stop()
}

// update runs one blocklist refresh cycle in the background.
func (a *Application) update(ctx context.Context) {
	if a.updater == nil {
		log.Debug(nil, "No trusted source configured, skipping update")
		return
	}
	result, err := a.updater.Update(ctx)
	if err != nil {
		log.Warn(map[string]any{"error": err.Error()}, "Blocklist update failed, serving last-known lists")
		return
	}
	log.Info(map[string]any{
		"domains": result.DomainCount,
		"sources": result.Sources,
	}, "Blocklist update complete")
}
