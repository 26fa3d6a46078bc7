package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatrelay/chatrelay/auth"
	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/membership"
	"github.com/chatrelay/chatrelay/persistence"
	"github.com/chatrelay/chatrelay/presence"
	"github.com/chatrelay/chatrelay/registry"
	"github.com/chatrelay/chatrelay/web"
	"github.com/chatrelay/chatrelay/ws"
	"github.com/gofrs/flock"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")
)

const shutdownTimeout = 10 * time.Second

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}

	// All coordination state is in this process; a second server on the same
	// data set would silently split rooms and presence.
	if lockPath := dataLockPath(cfg); lockPath != "" {
		dataLock := flock.New(lockPath)
		locked, err := dataLock.TryLock()
		if err != nil {
			panic(err)
		}
		if !locked {
			globals.AppLogger.Error("data store is locked by another process", "lock", lockPath)
			os.Exit(1)
		}
		defer dataLock.Unlock() //nolint
	}

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	store := membership.NewStore(persister)
	if err := store.Load(); err != nil {
		panic(err)
	}

	authn, err := auth.NewAuthenticator(cfg, persister)
	if err != nil {
		panic(err)
	}

	tracker := presence.NewTracker()
	reg := registry.New(tracker)
	router := ws.NewRouter(cfg, store, reg, tracker, authn, persister)

	if cfg.RetentionConfig.MaxAge > 0 {
		runner := startRetention(cfg, persister)
		defer runner.Stop()
	}

	muxRouter := mux.NewRouter()
	web.NewAPI(cfg, authn, store, tracker, persister).Register(muxRouter)
	muxRouter.HandleFunc("/ws", router.ServeWS).Methods(http.MethodGet)

	server := &http.Server{Addr: *addr, Handler: muxRouter}
	go func() {
		var err error
		if *sslCert != "" && *sslKey != "" {
			err = server.ListenAndServeTLS(*sslCert, *sslKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			globals.AppLogger.Error("stopped listening", "error", err)
			os.Exit(1)
		}
	}()
	globals.AppLogger.Info("listening", "addr", *addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	globals.AppLogger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		globals.AppLogger.Error("could not shut down cleanly", "error", err)
	}
	router.Shutdown()
}

// dataLockPath is the explicitly configured lock file, or one derived from a
// file-backed DSN. Postgres needs no process lock of ours.
func dataLockPath(cfg *config.Config) string {
	if cfg.PersistenceConfig.FlockPath != "" {
		return cfg.PersistenceConfig.FlockPath
	}
	switch cfg.PersistenceConfig.Type {
	case "", "buntdb", "sqlite":
		if dsn := cfg.PersistenceConfig.DSN; dsn != "" && dsn != ":memory:" {
			return dsn + ".lock"
		}
	}
	return ""
}

// startRetention schedules the periodic purge of messages older than the
// configured maximum age.
func startRetention(cfg *config.Config, persister persistence.Persister) *cron.Cron {
	runner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	maxAge := cfg.RetentionConfig.MaxAge
	_, err := runner.AddFunc(cfg.RetentionConfig.CronSpec, func() {
		cutoff := time.Now().UTC().Add(-maxAge)
		n, err := persister.PurgeMessagesBefore(cutoff)
		if err != nil {
			globals.AppLogger.Error("retention purge failed", "error", err)
			return
		}
		if n > 0 {
			globals.AppLogger.Info("purged old messages", "count", n, "cutoff", cutoff)
		}
	})
	if err != nil {
		panic(err)
	}
	runner.Start()
	globals.AppLogger.Info("retention enabled", "max_age", maxAge, "cron", cfg.RetentionConfig.CronSpec)
	return runner
}
