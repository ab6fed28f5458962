package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"atmoslofi/internal/api"
	"atmoslofi/internal/backend"
	"atmoslofi/internal/cli"
	"atmoslofi/internal/config"
	fileutil "atmoslofi/internal/file"
	"atmoslofi/internal/job"
	"atmoslofi/internal/payment"
	"atmoslofi/internal/progress"
	"atmoslofi/internal/store"
)

func main() {
	var (
		configPath string
		preset     string
		links      string
		format     string
		outDir     string
		userID     string
		zipOut     bool
	)
	flag.StringVar(&configPath, "config", "config.yml", "Path to YAML config")
	flag.StringVar(&preset, "preset", "Auto", "Preset for batch conversion")
	flag.StringVar(&links, "link", "", "Comma-separated video links to convert")
	flag.StringVar(&format, "format", "mp3", "Result format: mp3, wav or mp4")
	flag.StringVar(&outDir, "out", ".", "Directory for converted files")
	flag.StringVar(&userID, "user", "", "Signed-in user id for history and credits")
	flag.BoolVar(&zipOut, "zip", false, "Bundle results into one zip")
	mixParams := cli.MixFlags(flag.CommandLine)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLogLevel(cfg.LogLevel)

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}

	client := backend.New(backend.Options{BaseURL: cfg.APIURL, RequestsPerSecond: cfg.RequestsPerSec})
	hub := progress.NewHub()
	jobs := buildOrchestrator(cfg, client, hub)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	go hub.Run(baseCtx)

	local, err := store.NewLocal(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open local store")
	}
	remote := dialRemote(baseCtx, cfg.RedisURL)
	jobs.UseHistory(store.Recorder{Local: local, Remote: remote})

	if files := flag.Args(); len(files) > 0 || links != "" {
		code := runBatch(baseCtx, jobs, hub, client, cli.Options{
			Files:  files,
			Links:  splitList(links),
			Preset: preset,
			Mix:    mixParams(),
			Format: format,
			OutDir: outDir,
			Zip:    zipOut,
			UserID: userID,
		})
		baseCancel()
		closeRemote(remote)
		os.Exit(code)
	}

	router := setupRouter(cfg)
	apiHandler := api.NewAPI(api.Deps{
		Jobs:     jobs,
		Hub:      hub,
		Backend:  client,
		Local:    local,
		Remote:   remote,
		Checkout: payment.NewCheckout(client),
		Origins:  cfg.CORSOrigins,
		DataDir:  cfg.DataDir,
	})
	apiHandler.SetBaseContext(baseCtx)
	apiHandler.RegisterRoutes(router)
	apiHandler.RegisterUIRoutes(router)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Str("api_url", cfg.APIURL).Msg("studio listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, jobs, shutdownTimeout)
	closeRemote(remote)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if lvl > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
}

func setupRouter(cfg config.Config) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.CORS(cfg.CORSOrigins))
	r.Use(api.Sessions(sessionSecret(cfg), strings.HasPrefix(cfg.APIURL, "https://")))
	r.Use(api.Identity())
	r.Use(api.ZerologLogger())
	return r
}

func sessionSecret(cfg config.Config) string {
	if cfg.SessionSecret != "" {
		return cfg.SessionSecret
	}
	log.Warn().Msg("session_secret not set, sign-ins will not survive a restart")
	return fmt.Sprintf("atmoslofi-%d", time.Now().UnixNano())
}

func buildOrchestrator(cfg config.Config, client *backend.Client, hub *progress.Hub) *job.Orchestrator {
	o := job.New(client, job.Options{
		PollInterval:     cfg.PollInterval,
		ProgressInterval: cfg.ProgressInterval,
		LinkPollInterval: cfg.LinkPollInterval,
		MaxPollDuration:  cfg.MaxPollDuration,
	})
	o.UseNotifier(hub)
	return o
}

func dialRemote(ctx context.Context, url string) *store.Redis {
	if url == "" {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	r, err := store.Dial(dialCtx, url)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, signed-in users fall back to local storage")
		return nil
	}
	return r
}

func closeRemote(r *store.Redis) {
	if r == nil {
		return
	}
	if err := r.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close")
	}
}

func runBatch(ctx context.Context, jobs *job.Orchestrator, hub *progress.Hub, client *backend.Client, opts cli.Options) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		jobs.Cancel()
	}()

	rep, err := cli.NewRunner(jobs, hub, client).Run(ctx, opts)
	for _, j := range rep.Failed {
		log.Warn().Str("name", j.Name).Str("error", j.Error).Msg("conversion failed")
	}
	if err != nil {
		log.Error().Err(err).Msg("batch failed")
		return 1
	}
	log.Info().
		Int("done", rep.Summary.Done).
		Int("failed", rep.Summary.Failed).
		Bool("cancelled", rep.Summary.Cancelled).
		Strs("saved", rep.Saved).
		Msg("batch finished")
	if rep.Summary.Failed > 0 || rep.Summary.Cancelled {
		return 1
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, jobs *job.Orchestrator, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	jobs.Cancel()
	cancelBase()
	done := jobs.WaitAll(ctx)
	if !done {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
