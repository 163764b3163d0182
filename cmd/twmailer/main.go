package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/twmailer/twmailer/auth"
	"github.com/twmailer/twmailer/config"
	"github.com/twmailer/twmailer/logger"
	"github.com/twmailer/twmailer/pkg/errors"
	serverPkg "github.com/twmailer/twmailer/server"
	"github.com/twmailer/twmailer/server/adminapi"
	"github.com/twmailer/twmailer/server/lmtp"
	"github.com/twmailer/twmailer/server/twmail"
	"github.com/twmailer/twmailer/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverDependencies holds the services shared by all listeners.
type serverDependencies struct {
	config        config.Config
	store         *storage.MailStore
	blacklist     serverPkg.Blacklist
	authenticator auth.Authenticator
	servers       sync.WaitGroup
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	envPath := flag.String("env", defaultEnvPath, "Path to a .env file with secrets")
	hashPassword := flag.Bool("hash-password", false, "Read a password from stdin, print a bcrypt hash for the users file and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [port] [mail-dir]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("twmailer version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}
	if *hashPassword {
		if err := printPasswordHash(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "twmailer: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if err := loadEnvFile(*envPath, explicit["env"]); err != nil {
		errorHandler.ConfigError(*envPath, err)
		os.Exit(errorHandler.WaitForExit())
	}
	if err := loadConfig(*configPath, explicit["config"], &cfg); err != nil {
		errorHandler.ConfigError(*configPath, err)
		os.Exit(errorHandler.WaitForExit())
	}
	if err := applyArgs(&cfg, flag.Args()); err != nil {
		errorHandler.ValidationError(err)
		os.Exit(errorHandler.WaitForExit())
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError(err)
		os.Exit(errorHandler.WaitForExit())
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "twmailer: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("twmailer starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}

	errChan := startServers(ctx, deps)

	exitCode := 0
	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		exitCode = errorHandler.WaitForExit()
		cancel()
	}

	logger.Info("Waiting for all servers to stop")
	done := make(chan struct{})
	go func() {
		deps.servers.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All servers stopped")
	case <-time.After(15 * time.Second):
		logger.Warn("Server shutdown timeout reached after 15 seconds")
	}

	if err := deps.authenticator.Close(); err != nil {
		logger.Warn("Error closing authenticator", "error", err)
	}
	if err := deps.blacklist.Close(); err != nil {
		logger.Warn("Error closing blacklist", "error", err)
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	store, err := storage.New(cfg.Storage.MailDir)
	if err != nil {
		return nil, err
	}
	logger.Info("Mail store ready", "path", store.Root())

	blacklist, err := serverPkg.NewBlacklist(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("failed to create blacklist: %w", err)
	}
	logger.Info("Blacklist ready", "backend", cfg.Blacklist.Backend, "window", cfg.Blacklist.Window)

	authenticator, err := auth.New(ctx, cfg.Auth)
	if err != nil {
		blacklist.Close()
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}
	logger.Info("Authenticator ready", "type", cfg.Auth.Type, "cache_ttl", cfg.Auth.CacheTTL)

	return &serverDependencies{
		config:        cfg,
		store:         store,
		blacklist:     blacklist,
		authenticator: authenticator,
	}, nil
}

func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 4)
	cfg := deps.config

	sweepInterval, _ := cfg.Blacklist.GetSweepInterval()
	go serverPkg.RunBlacklistSweeper(ctx, deps.blacklist, sweepInterval)

	listeners := make(map[string]serverPkg.ConnectionStatsProvider)

	mailServer, err := newTwmailServer(ctx, deps)
	if err != nil {
		errChan <- err
		return errChan
	}
	listeners["twmail"] = mailServer
	runServer(ctx, deps, "twmail", mailServer.Start, func() error { mailServer.Close(); return nil }, errChan)

	if cfg.LMTP.Enabled {
		lmtpServer, err := newLMTPServer(ctx, deps)
		if err != nil {
			errChan <- err
			return errChan
		}
		listeners[cfg.LMTP.Mode] = lmtpServer
		runServer(ctx, deps, cfg.LMTP.Mode, lmtpServer.Start, lmtpServer.Close, errChan)
	}

	if cfg.AdminAPI.Enabled {
		options := adminapi.ServerOptions{
			Name:         cfg.Server.Name,
			Addr:         cfg.AdminAPI.Addr,
			APIKey:       cfg.AdminAPI.APIKey,
			AllowedHosts: cfg.AdminAPI.AllowedHosts,
			Store:        deps.store,
			Blacklist:    deps.blacklist,
			Listeners:    listeners,
		}
		if c, ok := deps.authenticator.(*auth.Cache); ok {
			options.AuthCache = c
		}
		deps.servers.Add(1)
		go func() {
			defer deps.servers.Done()
			adminapi.Start(ctx, options, errChan)
		}()
	}

	return errChan
}

// runServer starts a listener and closes it when ctx is done.
func runServer(ctx context.Context, deps *serverDependencies, name string, start func(chan error), stop func() error, errChan chan error) {
	deps.servers.Add(1)
	go func() {
		defer deps.servers.Done()
		go func() {
			<-ctx.Done()
			logger.Info("Shutting down server", "server", name)
			if err := stop(); err != nil {
				logger.Warn("Error closing server", "server", name, "error", err)
			}
		}()
		start(errChan)
	}()
}

func newTwmailServer(ctx context.Context, deps *serverDependencies) (*twmail.Server, error) {
	cfg := deps.config.Server
	maxRequestSize, err := cfg.GetMaxRequestSize()
	if err != nil {
		return nil, err
	}
	idleTimeout, err := cfg.GetIdleTimeout()
	if err != nil {
		return nil, err
	}

	s, err := twmail.New(ctx, cfg.Addr, deps.store, deps.authenticator, deps.blacklist, twmail.ServerOptions{
		Name:                cfg.Name,
		MaxLoginAttempts:    cfg.MaxLoginAttempts,
		MaxLineLength:       cfg.MaxLineLength,
		MaxRequestSize:      maxRequestSize,
		IdleTimeout:         idleTimeout,
		MaxConnections:      cfg.MaxConnections,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mail server: %w", err)
	}
	return s, nil
}

func newLMTPServer(ctx context.Context, deps *serverDependencies) (*lmtp.LMTPServerBackend, error) {
	cfg := deps.config
	maxMessageSize, err := cfg.LMTP.GetMaxMessageSize()
	if err != nil {
		return nil, err
	}
	readTimeout, err := cfg.LMTP.GetReadTimeout()
	if err != nil {
		return nil, err
	}

	s, err := lmtp.New(ctx, cfg.LMTP.Addr, deps.store, deps.authenticator, deps.blacklist, lmtp.LMTPServerOptions{
		Name:                cfg.Server.Name,
		Mode:                cfg.LMTP.Mode,
		Domain:              cfg.LMTP.Domain,
		MaxMessageSize:      maxMessageSize,
		MaxRecipients:       cfg.LMTP.MaxRecipients,
		ReadTimeout:         readTimeout,
		MaxLoginAttempts:    cfg.Server.MaxLoginAttempts,
		MaxConnections:      cfg.Server.MaxConnections,
		MaxConnectionsPerIP: cfg.Server.MaxConnectionsPerIP,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LMTP server: %w", err)
	}
	return s, nil
}
