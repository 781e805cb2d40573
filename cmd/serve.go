package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fiscalsync/internal/api"
	"fiscalsync/internal/auth"
	"fiscalsync/internal/awake"
	"fiscalsync/internal/classify"
	"fiscalsync/internal/clock"
	"fiscalsync/internal/config"
	fileutil "fiscalsync/internal/file"
	"fiscalsync/internal/progress"
	"fiscalsync/internal/remote"
	"fiscalsync/internal/storage"
	"fiscalsync/internal/task"
	"fiscalsync/internal/transport"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job websocket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	cipher, err := auth.NewCipher(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("secret key: %w", err)
	}
	if err := fileutil.EnsureDir(cfg.TempDir()); err != nil {
		return fmt.Errorf("ensure temp dir: %w", err)
	}

	repo, err := storage.OpenSQLite(ctx, cfg.DatabasePath())
	if err != nil {
		return err //nolint:wrapcheck
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}()

	client := remote.NewClient(remote.Options{
		BaseURL:           cfg.Remote.BaseURL,
		Origin:            cfg.Remote.Origin,
		Timeout:           cfg.Remote.Timeout,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		Burst:             cfg.Remote.Burst,
	})
	sessions := auth.NewManager(repo, client.SignIn, cipher, auth.Options{
		TokenLifetime:  cfg.Auth.TokenLifetime,
		RefreshMargin:  cfg.Auth.RefreshMargin,
		SignInAttempts: cfg.Auth.SignInAttempts,
		SignInDelay:    cfg.Auth.SignInDelay,
	})
	if err := sessions.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("could not load the saved session")
	}

	hub := transport.NewHub()
	jobs := buildJobs(cfg, repo, client, sessions, hub)
	hub.OnCommand(jobs)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()
	jobs.SetBaseContext(baseCtx)
	hub.SetBaseContext(baseCtx)

	router := api.NewRouter(api.NewAPI(jobs, repo, sessions, hub))
	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Str("db", cfg.DatabasePath()).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		gracefulShutdown(srv, baseCancel, jobs, hub, shutdownTimeout)
		return nil
	})
	return g.Wait() //nolint:wrapcheck
}

// buildJobs wires one orchestrator per job kind.
func buildJobs(cfg config.Config, repo storage.Repository, client *remote.Client, sessions *auth.Manager, hub *transport.Hub) *task.Manager {
	clk := clock.Real()
	inhibitor := awake.New(cfg.KeepAwake)
	classifier := classify.New(classify.WithClock(clk))
	taskCfg := task.Config{
		PausePollInterval: cfg.Jobs.PausePollInterval,
		ResumeLimit:       cfg.Jobs.ResumeLimit,
		Retry: task.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			Multiplier:   cfg.Retry.Multiplier,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
	}
	// a configured resume limit of zero means no resumption at all
	if taskCfg.ResumeLimit == 0 {
		taskCfg.ResumeLimit = -1
	}
	deps := func(kind storage.JobKind, a task.Authenticator) task.Deps {
		return task.Deps{
			Auth:      a,
			Reporter:  progress.NewReporter(kind, repo, hub, clk),
			Inhibitor: inhibitor,
			Clock:     clk,
		}
	}

	documents := task.NewOrchestrator[storage.WorkItem](storage.KindDocuments,
		task.NewFileStrategy(repo, classifier, client.UploadDocument, task.FileOptions{
			Kind:       storage.KindDocuments,
			Extensions: cfg.Discovery.DocumentExtensions,
			TempDir:    cfg.TempDir(),
			Clock:      clk,
		}),
		deps(storage.KindDocuments, sessions), taskCfg)

	certificates := task.NewOrchestrator[storage.WorkItem](storage.KindCertificates,
		task.NewFileStrategy(repo, classifier, client.UploadCertificate, task.FileOptions{
			Kind:         storage.KindCertificates,
			Certificates: true,
			Extensions:   cfg.Discovery.CertificateExtensions,
			TempDir:      cfg.TempDir(),
			Clock:        clk,
		}),
		deps(storage.KindCertificates, sessions), taskCfg)

	provider := remote.NewProviderClient(remote.ProviderOptions{
		BaseURL:           cfg.Provider.BaseURL,
		APIKey:            cfg.Provider.APIKey,
		Timeout:           cfg.Provider.Timeout,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
	})
	downloads := task.NewOrchestrator[task.Batch](storage.KindProvider,
		task.NewProviderStrategy(provider, repo, task.ProviderOptions{
			OutputDir: cfg.Provider.OutputDir,
			BatchSize: cfg.Provider.BatchSize,
		}),
		deps(storage.KindProvider, auth.StaticKey(provider.APIKey())), taskCfg)

	return task.NewManager(documents, certificates, downloads)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, jobs *task.Manager, hub *transport.Hub, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !jobs.WaitAll(ctx) {
		log.Warn().Msg("background jobs did not finish before timeout")
	}
	hub.Close()
	log.Info().Msg("server exited cleanly")
}
