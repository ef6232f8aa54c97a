package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/backends"
	"github.com/brettbedarf/projectfs/backends/remote"
	"github.com/brettbedarf/projectfs/config"
	"github.com/brettbedarf/projectfs/filesystem"
	"github.com/brettbedarf/projectfs/fixtures"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/brettbedarf/projectfs/server"
)

func main() {
	// Parse command line arguments
	var (
		configPath  string
		fixturePath string
		backend     string
		serve       bool
		listenAddr  string
		verbose     int
		umount      bool
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML or JSON config file")
	flag.StringVar(&configPath, "c", "", "--config (shorthand)")
	flag.StringVar(&fixturePath, "fixtures", "", "Path to a YAML or JSON fixtures file loaded at startup")
	flag.StringVar(&fixturePath, "f", "", "--fixtures (shorthand)")
	flag.StringVar(&backend, "backend", "", "Backend kind: memory, pointertree, native or remote (overrides config)")
	flag.StringVar(&backend, "b", "", "--backend (shorthand)")
	flag.BoolVar(&serve, "serve", false, "Serve the backend to remote clients over websockets")
	flag.StringVar(&listenAddr, "listen", "", "Address for -serve (overrides config)")
	flag.BoolVar(&umount, "umount", false,
		"Unmount the fs first if needed before mounting again. Useful for debuggers that don't exit properly.")
	flag.BoolVar(&umount, "u", false, "--umount (shorthand)")
	flag.IntVar(&verbose, "verbose", config.InfoVerbose, "Log verbosity level between 1 (error) and 5 (trace). Default is 3 (info).")
	flag.IntVar(&verbose, "v", config.InfoVerbose, "--verbose (shorthand)")
	flag.Parse()

	// Initialize logger
	logLvl := util.LevelFromVerbosity(verbose)
	util.InitializeLogger(logLvl)
	logger := util.GetLogger("main")

	mnt := flag.Arg(0)
	if mnt == "" && !serve {
		logger.Fatal().Msg("Nothing to do; pass a mount point argument and/or -serve")
	}

	// Load config: defaults < file < flags
	cfg := config.NewDefaultConfig()
	if configPath != "" {
		override, err := config.LoadConfigOverrideFile(configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("config", configPath).Msg("Failed to read config file")
		}
		cfg.Merge(override)
	}
	flags := &config.ConfigOverride{}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "verbose" || f.Name == "v" {
			flags.LogLvl = &verbose
		}
	})
	if backend != "" {
		flags.Backend = util.Pointer(projectfs.BackendKind(backend))
	}
	if listenAddr != "" {
		flags.ListenAddr = &listenAddr
	}
	cfg.Merge(flags)
	util.InitializeLogger(cfg.LogLvl)
	logger = util.GetLogger("main")
	logger.Info().
		Str("backend", string(cfg.Backend)).
		Str("mnt", mnt).
		Bool("serve", serve).
		Msg("ProjectFS initializing")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	b, err := backends.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open backend")
	}
	fsys := filesystem.New(b, filesystem.WithPermissionPoll(cfg.PermissionPollDuration()))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fsys.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to close file system")
		}
	}()

	// Load fixtures
	if fixturePath != "" {
		set, err := fixtures.LoadFile(fixturePath)
		if err != nil {
			logger.Fatal().Err(err).Str("fixtures", fixturePath).Msg("Failed to read fixtures file")
		}
		if err := set.Apply(ctx, fsys); err != nil {
			logger.Fatal().Err(err).Msg("Failed to apply fixtures")
		}
		logger.Info().Int("entries", len(set.Entries)).Msg("Fixtures loaded")
	}

	fsys.OnChange(func(ev projectfs.ChangeEvent) {
		logger.Debug().
			Str("type", string(ev.Type)).
			Str("kind", string(ev.Kind)).
			Stringer("path", ev.Path).
			Bool("external", ev.External).
			Msg("Change")
	})

	// Serve remote clients
	var httpSrv *http.Server
	if serve {
		httpSrv = &http.Server{Addr: cfg.ListenAddr, Handler: remote.NewHandler(b)}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", cfg.ListenAddr).Msg("Remote server failed")
				stop()
			}
		}()
		logger.Info().Str("addr", cfg.ListenAddr).Msg("Serving remote clients")
	}

	// Mount
	var fuseSrv *server.Server
	if mnt != "" {
		if umount {
			// we ignore error here if not already mounted
			exec.Command("fusermount", "-u", mnt).Run() // nolint:errcheck
		}
		fuseSrv = server.New(fsys, cfg)
		if err := fuseSrv.Serve(mnt); err != nil {
			logger.Fatal().Err(err).Msg("Failed to mount filesystem")
		}
		logger.Info().Str("mountpoint", mnt).Msg("Filesystem mounted successfully")
	}

	// Wait for termination signal
	<-ctx.Done()
	logger.Info().Msg("Received signal, shutting down")

	if fuseSrv != nil {
		if err := fuseSrv.Unmount(); err != nil {
			logger.Error().Err(err).Msg("Failed to unmount filesystem")
		} else {
			logger.Info().Msg("Filesystem unmounted successfully")
		}
	}
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
}
