package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/umputun/chatwarden/pkg/classifier"
	"github.com/umputun/chatwarden/pkg/config"
	"github.com/umputun/chatwarden/pkg/domain"
	"github.com/umputun/chatwarden/pkg/enforcer"
	"github.com/umputun/chatwarden/pkg/feed"
	"github.com/umputun/chatwarden/pkg/pipeline"
	"github.com/umputun/chatwarden/pkg/store"
	"github.com/umputun/chatwarden/server"
)

// Opts with all CLI options
type Opts struct {
	Config string `short:"f" long:"config" env:"CONFIG" default:"config.yml" description:"config file path"`
	Listen string `short:"l" long:"listen" env:"LISTEN" description:"listen address, overrides config"`

	// Common options
	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	setupLog(opts.Debug, opts.NoColor)

	lgr.Printf("[INFO] starting chatwarden version %s", revision)

	ctx, cancel := context.WithCancel(context.Background())

	// handle termination signals
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		lgr.Printf("[INFO] termination signal received")
		cancel()
	}()

	err := run(ctx, opts)
	cancel()

	if err != nil {
		lgr.Printf("[ERROR] service failed: %v", err)
		os.Exit(1)
	}

	lgr.Printf("[INFO] shutdown complete")
}

// run wires all components together and blocks until shutdown
func run(ctx context.Context, opts Opts) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}

	st, err := store.New(ctx, store.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			lgr.Printf("[WARN] failed to close store: %v", err)
		}
	}()

	// record the active endpoint so operators can see what a given
	// database was moderated against
	if err := st.Settings.Set(ctx, domain.SettingClassifierEndpoint, cfg.Classifier.Endpoint); err != nil {
		lgr.Printf("[WARN] failed to save classifier endpoint setting: %v", err)
	}

	cls := classifier.New(classifier.Config{
		Endpoint:       cfg.Classifier.Endpoint,
		Timeout:        cfg.Classifier.Timeout,
		RetryAttempts:  cfg.Classifier.RetryAttempts,
		RetryBaseDelay: cfg.Classifier.RetryBaseDelay,
	})

	var blocker enforcer.Blocker
	if cfg.Enforcer.BlockURL != "" {
		blocker = enforcer.NewWebhook(cfg.Enforcer.BlockURL)
		lgr.Printf("[INFO] native enforcement via %s", cfg.Enforcer.BlockURL)
	} else {
		lgr.Printf("[INFO] no enforcement webhook configured, block actions fall back to local hiding")
	}

	queue := enforcer.NewQueue(blocker, enforcer.Config{
		ActionDelay:    cfg.Enforcer.ActionDelay,
		AttemptTimeout: cfg.Enforcer.AttemptTimeout,
	})

	source := feed.NewSource(feed.Params{
		Feeds:         cfg.Observer.Feeds,
		PollInterval:  cfg.Observer.PollInterval,
		VisibleWindow: cfg.Observer.VisibleWindow,
		UserAgent:     cfg.Observer.UserAgent,
	})

	pl := pipeline.New(pipeline.Params{
		Classifier:    cls,
		Enforcer:      queue,
		Source:        source,
		Cache:         pipeline.NewCache(),
		BlockSet:      pipeline.LoadBlockSet(ctx, st.BlockSet),
		DecisionLog:   st.Decisions,
		Stats:         st.Stats,
		BatchSize:     cfg.Batch.MaxSize,
		FlushInterval: cfg.Batch.FlushInterval,
		SweepInterval: cfg.Observer.SweepInterval,
	})

	srv := server.New(cfg, pl, st.Decisions, st.Stats, cls, queue, revision, opts.Debug)

	queue.Start(ctx)
	source.Start(ctx)
	pl.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	err = g.Wait()

	source.Stop()
	pl.Stop()
	queue.Stop()

	return err
}

func setupLog(dbg, noColor bool, secs ...string) {
	if noColor {
		color.NoColor = true
	}

	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))
	if len(secs) > 0 {
		logOpts = append(logOpts, lgr.Secret(secs...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
