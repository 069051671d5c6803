package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/realtime"
	"github.com/splax/localvercel/internal/session"
	apiclient "github.com/splax/localvercel/pkg/api/client"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/logger"
	"github.com/splax/localvercel/pkg/repourl"
)

type deployFlags struct {
	slug         string
	controlPlane string
	stream       string
	metricsAddr  string
	envFile      string
}

func commandDeploy(args []string) error {
	var flags deployFlags
	fs := pflag.NewFlagSet("deploy", pflag.ContinueOnError)
	fs.StringVar(&flags.slug, "slug", "", "Reuse an existing project slug")
	fs.StringVar(&flags.controlPlane, "control-plane", "", "Control-plane base URL")
	fs.StringVar(&flags.stream, "stream", "", "Log stream websocket URL")
	fs.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	fs.StringVar(&flags.envFile, "env-file", ".env", "Optional dotenv file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: peep deploy <github-url> [flags]")
	}
	gitURL := fs.Arg(0)
	repo, err := repourl.Parse(gitURL)
	if err != nil {
		return err
	}

	cfg, err := loadDeployConfig(flags)
	if err != nil {
		return err
	}
	log := logger.New("peep", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg, log)
	}

	api, err := apiclient.New(cfg.ControlPlaneURL, apiclient.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		return err
	}

	out := newPrinter(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
	watch := newConnectionWatch(out)
	sess, err := session.New(session.Options{
		API:       api,
		StreamURL: cfg.StreamURL,
		Dialer:    realtime.WebsocketDialer{HandshakeTimeout: cfg.RequestTimeout},
		Policy: realtime.Policy{
			MaxAttempts: cfg.ReconnectAttempts,
			Delay:       cfg.ReconnectDelay,
			Jitter:      cfg.ReconnectJitter,
		},
		Logger:   log,
		Metrics:  collector,
		OnChange: watch.observe,
		OnNotify: out.notify,
		OnLog:    out.log,
	})
	if err != nil {
		return err
	}

	log.Info("deploy session created", "session_id", sess.ID(), "repository", repo.String())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go retryOnSignal(ctx, hup, sess.Retry, out)

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()
	finish := func(err error) error {
		stop()
		if rerr := <-runErr; err == nil {
			err = rerr
		}
		return err
	}

	select {
	case <-watch.connected:
	case <-watch.failed:
		return finish(sess.Snapshot().ConnectionErr)
	case <-ctx.Done():
		return finish(nil)
	}

	out.info(fmt.Sprintf("deploying %s", repo))
	if _, err := sess.SetTarget(ctx, gitURL); err != nil {
		return finish(err)
	}
	res, err := sess.Deploy(ctx, apiclient.DeploymentRequest{GitURL: gitURL, Slug: flags.slug})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return finish(nil)
		}
		return finish(err)
	}
	out.preview(res.ProjectSlug, res.URL)

	<-ctx.Done()
	return finish(nil)
}

func loadDeployConfig(flags deployFlags) (config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(flags.envFile)
	if err != nil {
		return config.ClientConfig{}, err
	}
	if flags.controlPlane != "" {
		cfg.ControlPlaneURL = flags.controlPlane
	}
	if flags.stream != "" {
		cfg.StreamURL = flags.stream
	}
	if flags.metricsAddr != "" {
		cfg.MetricsAddr = flags.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return config.ClientConfig{}, err
	}
	return cfg, nil
}

// connectionWatch reports stream state changes, signals the first connect or
// the first exhaustion, and explains how to recover after each exhaustion.
type connectionWatch struct {
	out       *printer
	last      realtime.ConnectionState
	seen      bool
	exhausted bool
	pid       int
	connected chan struct{}
	failed    chan struct{}
	connOnce  sync.Once
	failOnce  sync.Once
}

func newConnectionWatch(out *printer) *connectionWatch {
	return &connectionWatch{
		out:       out,
		pid:       os.Getpid(),
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}
}

// observe runs on the session loop.
func (w *connectionWatch) observe(snap session.Snapshot) {
	if !w.seen || snap.State != w.last {
		w.seen = true
		w.last = snap.State
		w.out.state(snap.State)
	}
	if snap.State == realtime.Connected {
		w.connOnce.Do(func() { close(w.connected) })
	}
	if snap.ConnectionErr != nil && !w.exhausted {
		w.exhausted = true
		w.failOnce.Do(func() { close(w.failed) })
		w.out.info(fmt.Sprintf("log stream gave up; send SIGHUP to retry (kill -HUP %d)", w.pid))
	}
	if snap.ConnectionErr == nil {
		w.exhausted = false
	}
}

// retryOnSignal asks the session to reconnect each time sig fires, until ctx
// ends or the session is closed.
func retryOnSignal(ctx context.Context, sig <-chan os.Signal, retry func() error, out *printer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := retry(); err != nil {
				return
			}
			out.info("reconnecting to log stream")
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("metrics server starting", "addr", addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics shutdown failed", "error", err)
		}
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}
}
