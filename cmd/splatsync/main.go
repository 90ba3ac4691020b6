package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"splatsync/internal/config"
	"splatsync/internal/constants"
	"splatsync/internal/domain"
	fxmodules "splatsync/internal/fx"
	"splatsync/internal/service"
)

func main() {
	os.Exit(run())
}

func run() int {
	monitorSecs := flag.Int("M", -1, "monitor for new results every N seconds (0 picks the default interval)")
	checkMissing := flag.Bool("r", false, "check for and upload results missed by earlier runs")
	battlesOnly := flag.Bool("nsr", false, "track battles only")
	jobsOnly := flag.Bool("osr", false, "track jobs only")
	export := flag.Bool("o", false, "export raw results to a local directory instead of uploading")
	importDump := flag.Bool("i", false, "upload from dumped files: -i results.json overview.json")
	testRun := flag.Bool("t", false, "dry run: transcode and validate without storing on the server")
	blackout := flag.Bool("blackout", false, "anonymize other players in uploaded data")
	flag.Parse()

	if *battlesOnly && *jobsOnly {
		fmt.Fprintln(os.Stderr, "-nsr and -osr are mutually exclusive")
		return 1
	}
	which := domain.SelectBoth
	if *battlesOnly {
		which = domain.SelectBattles
	}
	if *jobsOnly {
		which = domain.SelectJobs
	}

	var (
		log      zerolog.Logger
		store    *config.Store
		pipeline *service.TokenPipeline
		syncer   *service.Syncer
		monitor  *service.Monitor
		exporter *service.Exporter
	)
	app := fx.New(
		fxmodules.Module,
		fx.NopLogger,
		fx.Populate(&log, &store, &pipeline, &syncer, &monitor, &exporter),
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return 1
	}
	defer func() {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancelStop()
		if err := app.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown error")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("%s v%s\n", constants.AgentName, constants.AgentVersion)

	if err := ensureAPIKey(store); err != nil {
		log.Error().Err(err).Msg("api key setup failed")
		return 1
	}

	opts := service.TranscodeOptions{
		Anonymize: *blackout,
		TestRun:   *testRun,
	}

	switch {
	case *importDump:
		if flag.NArg() != 2 {
			fmt.Fprintln(os.Stderr, "usage: -i results.json overview.json")
			return 1
		}
		if err := exporter.Import(ctx, flag.Arg(0), flag.Arg(1), opts); err != nil {
			log.Error().Err(err).Msg("import failed")
			return 1
		}
		return 0

	case *export:
		if err := pipeline.EnsureFresh(ctx, true); err != nil {
			log.Error().Err(err).Msg("token refresh failed")
			return 1
		}
		if _, err := exporter.Export(ctx, which); err != nil {
			log.Error().Err(err).Msg("export failed")
			return 1
		}
		return 0
	}

	if err := pipeline.EnsureFresh(ctx, true); err != nil {
		log.Error().Err(err).Msg("token refresh failed")
		return 1
	}

	if *checkMissing {
		if err := syncer.CheckMissing(ctx, which, opts); err != nil {
			log.Error().Err(err).Msg("retroactive check failed")
			return 1
		}
	}

	if *monitorSecs >= 0 {
		interval := time.Duration(*monitorSecs) * time.Second
		if *monitorSecs == 0 {
			interval = constants.DefaultMonitorInterval
		} else if interval < constants.MinMonitorInterval {
			fmt.Printf("Polling faster than %v is not allowed; using %v.\n",
				constants.MinMonitorInterval, constants.MinMonitorInterval)
			interval = constants.MinMonitorInterval
		}
		opts.Monitoring = true
		if err := monitor.Run(ctx, which, interval, opts); err != nil {
			log.Error().Err(err).Msg("monitoring failed")
			return 1
		}
		return 0
	}

	if err := syncer.SyncLatest(ctx, which, service.ScopeLatest, opts); err != nil {
		log.Error().Err(err).Msg("sync failed")
		return 1
	}
	return 0
}

// ensureAPIKey prompts for the statistics-service key when none is stored.
// "skip" is accepted for token-setup-only runs.
func ensureAPIKey(store *config.Store) error {
	if len(store.APIKey()) == constants.StatInkKeyLength {
		return nil
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Println("stat.ink API key not found in the credential file.")
	for {
		fmt.Print("Enter your stat.ink API key (or \"skip\"): ")
		line, err := reader.ReadString('\n')
		if err != nil && strings.TrimSpace(line) == "" {
			return err
		}
		key := strings.TrimSpace(line)
		if key == "skip" {
			return nil
		}
		if len(key) == constants.StatInkKeyLength {
			return store.Set("api_key", key)
		}
		fmt.Printf("Invalid key - length should be %d characters. Try again.\n", constants.StatInkKeyLength)
	}
}
