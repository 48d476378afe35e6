package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yalathiya/tokenbucket/internal/config"
	"github.com/yalathiya/tokenbucket/internal/logging"
	"github.com/yalathiya/tokenbucket/internal/metrics"
	"github.com/yalathiya/tokenbucket/internal/ratelimit"
)

func newReverseProxy(target string) (*httputil.ReverseProxy, error) {
	up, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", target, err)
	}
	proxy := httputil.NewSingleHostReverseProxy(up)

	origDirector := proxy.Director
	proxy.Director = func(r *http.Request) {
		origDirector(r)
		r.Header.Set("X-Forwarded-By", "tbproxy")
	}
	return proxy, nil
}

func settingsFrom(b config.Bucket) ratelimit.Settings {
	return ratelimit.Settings{
		FillInterval:  b.FillInterval,
		Capacity:      b.Capacity,
		Quantum:       b.Quantum,
		InitialTokens: b.InitialTokens,
		MaxWait:       b.MaxWait,
	}
}

func newRouter(upstream string, requestTimeout time.Duration, limiter *ratelimit.Limiter, log *slog.Logger, g prometheus.Gatherer) (http.Handler, error) {
	proxy, err := newReverseProxy(upstream)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(logging.Middleware(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(g))

	// catch-all, must stay the last route
	r.With(limiter.Middleware).Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Tbproxy", "v0.1")
		proxy.ServeHTTP(w, r)
	}))
	return r, nil
}

// reloader applies reloaded bucket settings to limiter. The listen address,
// upstream and request timeout need a restart, so a max_wait that the
// running request timeout would cut short is refused.
func reloader(limiter *ratelimit.Limiter, requestTimeout time.Duration, log *slog.Logger) func(*config.Config, error) {
	return func(c *config.Config, err error) {
		if err != nil {
			log.Error("config reload failed", logging.Error(err))
			return
		}
		if c.Bucket.MaxWait >= requestTimeout {
			log.Error("config reload refused",
				slog.Duration("max_wait", c.Bucket.MaxWait),
				slog.Duration("request_timeout", requestTimeout))
			return
		}
		if err := limiter.Reconfigure(settingsFrom(c.Bucket)); err != nil {
			log.Error("bucket reconfigure failed", logging.Error(err))
			return
		}
		log.Info("bucket settings reloaded",
			slog.Duration("fill_interval", c.Bucket.FillInterval),
			slog.Uint64("capacity", c.Bucket.Capacity),
			slog.Uint64("quantum", c.Bucket.Quantum))
	}
}

func run(ctx context.Context, cfgPath string) error {
	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
	)
	if cfgPath != "" {
		watcher, err = config.NewWatcher(cfgPath)
		if err != nil {
			return err
		}
		cfg = watcher.Config()
	} else if cfg, err = config.Load(""); err != nil {
		return err
	}

	log, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	limiter, err := ratelimit.NewLimiter(settingsFrom(cfg.Bucket), log)
	if err != nil {
		return err
	}

	if watcher != nil {
		watcher.Start(reloader(limiter, cfg.RequestTimeout, log))
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	handler, err := newRouter(cfg.Upstream, cfg.RequestTimeout, limiter, log, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("tbproxy listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("upstream", cfg.Upstream))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func main() {
	cfgPath := flag.String("config", config.Path(), "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "tbproxy: %v\n", err)
		os.Exit(1)
	}
}
