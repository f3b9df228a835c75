package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/five82/asyncstate/internal/config"
	"github.com/five82/asyncstate/internal/geo"
	"github.com/five82/asyncstate/internal/geo/ipgeo"
	"github.com/five82/asyncstate/internal/kv"
	"github.com/five82/asyncstate/internal/kv/filemedium"
	"github.com/five82/asyncstate/internal/kv/natsbus"
	"github.com/five82/asyncstate/internal/kv/sqlitemedium"
	"github.com/five82/asyncstate/internal/logging"
	"github.com/five82/asyncstate/internal/metrics"
)

// ThemeKey is the store key holding the dashboard theme.
const ThemeKey = "ui.theme"

// Options configure an App.
type Options struct {
	ConfigPath string
	// Config skips loading ConfigPath when set.
	Config *config.Config
	// LogLevel overrides log.level when not empty.
	LogLevel  string
	LogOutput io.Writer
	// MetricsAddr serves /metrics on this address when not empty.
	MetricsAddr string
	// Provider replaces the IP-geolocation client.
	Provider geo.Provider
}

// App owns the configured store, provider and their resources.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Set

	medium   kv.Medium
	channel  kv.Channel
	store    *kv.Store
	provider geo.Provider

	metricsSrv  *http.Server
	metricsAddr string
	closers     []func() error
}

// New loads configuration and opens the store medium, its change channel and the
// position provider. Callers must Close the App.
func New(opts Options) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: opts.LogOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.New(reg),
	}

	if err := a.openStore(); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.provider = opts.Provider
	if a.provider == nil {
		client, err := ipgeo.NewClient(cfg.Geo.Endpoint, ipgeo.Options{
			PollInterval: cfg.Geo.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("init geolocation client: %w", err)
		}
		a.provider = client
	}

	if opts.MetricsAddr != "" {
		if err := a.serveMetrics(opts.MetricsAddr); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

func loadConfig(opts Options) (config.Config, error) {
	var cfg config.Config
	if opts.Config != nil {
		cfg = *opts.Config
	} else {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	return cfg, nil
}

func (a *App) openStore() error {
	sc := a.cfg.Store
	log := a.logger.With(zap.String("medium", sc.Medium), zap.String("channel", sc.Channel))

	var file *filemedium.File
	switch sc.Medium {
	case config.MediumMemory:
		a.medium = kv.NewMemoryMedium()
	case config.MediumFile:
		f, err := filemedium.Open(sc.Path)
		if err != nil {
			return fmt.Errorf("open store file: %w", err)
		}
		file = f
		a.medium = f
	case config.MediumSQLite:
		if sc.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
				return fmt.Errorf("create store dir: %w", err)
			}
		}
		db, err := sqlitemedium.Open(sc.Path)
		if err != nil {
			return fmt.Errorf("open store database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.medium = db
	default:
		return fmt.Errorf("unknown store medium %q", sc.Medium)
	}

	switch sc.Channel {
	case config.ChannelLocal:
		bus := kv.NewBus()
		a.closers = append(a.closers, bus.Close)
		a.channel = bus
	case config.ChannelFile:
		if file == nil {
			return fmt.Errorf("store channel %q requires the %q medium", config.ChannelFile, config.MediumFile)
		}
		w, err := filemedium.NewWatcher(file, filemedium.WatcherOptions{Logger: a.logger})
		if err != nil {
			return fmt.Errorf("watch store file: %w", err)
		}
		a.closers = append(a.closers, w.Close)
		a.channel = w
	case config.ChannelNATS:
		bus, err := natsbus.Connect(sc.NATSURL, natsbus.Options{Subject: sc.Subject, Logger: a.logger})
		if err != nil {
			return fmt.Errorf("connect change bus: %w", err)
		}
		a.closers = append(a.closers, bus.Close)
		a.channel = bus
	default:
		return fmt.Errorf("unknown store channel %q", sc.Channel)
	}

	a.store = a.newStore()
	log.Debug("store opened", zap.String("path", sc.Path), zap.String("origin", a.store.Origin()))
	return nil
}

func (a *App) newStore() *kv.Store {
	return kv.NewStore(a.medium, a.channel, kv.StoreOptions{
		Logger:  a.logger,
		Metrics: a.metrics.KV,
	})
}

func (a *App) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.metricsAddr = ln.Addr().String()

	go func() {
		if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", a.metricsAddr))
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when not serving.
func (a *App) MetricsAddr() string { return a.metricsAddr }

// Config returns the resolved configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the key-value store.
func (a *App) Store() *kv.Store { return a.store }

// Registry returns the registry holding all collectors.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// NewCache builds a position cache on the app's store and provider. With
// fetchOnInit a stale or empty cache starts a lookup in the background.
func (a *App) NewCache(fetchOnInit bool) *geo.Cache {
	g := a.cfg.Geo
	return geo.New(a.provider, a.store, geo.Options{
		PositionOptions: geo.PositionOptions{
			EnableHighAccuracy: g.HighAccuracy,
			MaximumAge:         g.MaximumAge,
			Timeout:            g.Timeout,
		},
		CacheDuration: g.CacheDuration,
		FetchOnInit:   fetchOnInit,
		RetryCount:    a.cfg.Retry.Count,
		RetryDelay:    a.cfg.Retry.Delay,
		Logger:        a.logger,
		Metrics:       a.metrics.Geo,
		Operation:     a.metrics.Operation,
	})
}

// Close releases the store resources and stops the metrics server.
func (a *App) Close() error {
	var errs []error
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
		cancel()
		a.metricsSrv, a.metricsAddr = nil, ""
	}
	// Channels first, then the medium they watch.
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
