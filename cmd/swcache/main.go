package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	swcache "github.com/always-cache/swcache"
	"github.com/always-cache/swcache/clients"
	"github.com/always-cache/swcache/fetcher"
	"github.com/always-cache/swcache/metrics"
	"github.com/always-cache/swcache/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	cacheNameFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL of the app (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config, default 8080)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name, 'memory' for in-memory storage (overrides config)")
	flag.StringVar(&cacheNameFlag, "cache-name", "", "Versioned cache name (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config := defaultConfig()
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
	}
	applyFlags(&config)

	if err := run(config); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

func applyFlags(config *Config) {
	if originFlag != "" {
		config.Origin = originFlag
	}
	if hostFlag != "" {
		config.Host = hostFlag
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if dbFilenameFlag != "" {
		config.DB = dbFilenameFlag
	}
	if cacheNameFlag != "" {
		config.CacheName = cacheNameFlag
	}
}

func openStorage(db string) (storage.CacheStorage, func() error, error) {
	if db == "memory" {
		return storage.NewMemStorage(), func() error { return nil }, nil
	}
	sqlite, err := storage.NewSQLiteStorage(db)
	if err != nil {
		return nil, nil, err
	}
	return sqlite, sqlite.Close, nil
}

func run(config Config) error {
	if config.Origin == "" {
		return errors.New("please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return fmt.Errorf("could not parse origin url: %w", err)
	}

	store, closeStore, err := openStorage(config.DB)
	if err != nil {
		return fmt.Errorf("open storage %s: %w", config.DB, err)
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := clients.NewHub(log.Logger)
	worker := swcache.New(swcache.Config{
		CacheName:  config.CacheName,
		Storage:    store,
		Classifier: config.Classify.Classifier(),
		Fetcher: fetcher.NewHTTPFetcher(fetcher.Config{
			OriginURL:  originURL,
			OriginHost: config.Host,
			Logger:     &log.Logger,
		}),
		ResponseModifier:   config.Headers.Apply,
		Clients:            hub,
		Origin:             originURL,
		Manifest:           config.Manifest,
		Timeout:            config.Timeout.Std(),
		InstallAttempts:    config.Install.Attempts,
		InstallDelay:       config.Install.Delay.Std(),
		InstallConcurrency: config.Install.Concurrency,
		PushDefaults:       &config.Push.Defaults,
		Logger:             &log.Logger,
		Metrics:            metrics.New(registry),
	})
	hub.OnMessage(func(ctx context.Context, clientID string, msg clients.Message) error {
		return worker.HandleMessage(ctx, swcache.Message{Type: msg.Type, ClientID: clientID})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := worker.Install(ctx)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	for _, failed := range report.Failed() {
		log.Warn().Str("url", failed.URL).Str("error", failed.Error).Msg("Manifest resource not cached")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           newRouter(worker, hub, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("Serving %s on port %d (cache %s, with hostname '%s')", originURL, config.Port, config.CacheName, config.Host)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Could not shut down gracefully")
	}
	// let background revalidations finish writing
	worker.Wait()
	return nil
}
