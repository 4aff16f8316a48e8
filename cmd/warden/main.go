// Command warden runs the sandboxed-execution control plane daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/warden/pkg/account"
	"github.com/odvcencio/warden/pkg/budget"
	"github.com/odvcencio/warden/pkg/bus"
	"github.com/odvcencio/warden/pkg/config"
	"github.com/odvcencio/warden/pkg/journal"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/plane"
	"github.com/odvcencio/warden/pkg/planehttp"
	"github.com/odvcencio/warden/pkg/provider/dockercli"
	"github.com/odvcencio/warden/pkg/provider/hosted"
	"github.com/odvcencio/warden/pkg/provider/local"
	"github.com/odvcencio/warden/pkg/router"
)

func main() {
	configPath := flag.String("config", "", "path to the warden config file")
	listenAddr := flag.String("listen", "", "listen address override")
	flag.Parse()

	if err := run(*configPath, *listenAddr); err != nil {
		fmt.Fprintln(os.Stderr, "warden:", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	logger, err := logging.NewLogger(cfg.LogDir, cfg.Agent)
	if err != nil {
		return err
	}
	defer logger.Close()

	jnl, err := buildJournal(cfg.Journal)
	if err != nil {
		return err
	}

	eventBus, err := buildBus(cfg.Bus)
	if err != nil {
		return err
	}

	gateway := buildGateway(cfg.Account)

	rtr := router.New()
	if err := registerProviders(rtr, cfg.Providers); err != nil {
		return err
	}

	p, err := plane.New(plane.Options{
		Agent:   cfg.Agent,
		Router:  rtr,
		Ledger:  budget.NewLedger(cfg.Budget.TickLimit, cfg.Budget.DayLimit),
		Journal: jnl,
		Gateway: gateway,
		Bus:     eventBus,
		Logger:  logger,
		Policy:  cfg.Policy,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           planehttp.NewServer(p).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("warden listening on %s\n", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildJournal(cfg config.JournalConfig) (journal.Journal, error) {
	switch cfg.Backend {
	case "sqlite":
		return journal.OpenSQLite(cfg.Path, cfg.TTL)
	default:
		return journal.NewMemory(cfg.TTL, journal.DefaultMemoryEntries), nil
	}
}

func buildBus(cfg config.BusConfig) (bus.MessageBus, error) {
	if cfg.Backend == "nats" {
		nc := bus.DefaultConfig()
		nc.URL = cfg.URL
		return bus.NewNATSBus(nc)
	}
	return bus.NewMemoryBus(), nil
}

func buildGateway(cfg config.AccountConfig) account.Gateway {
	if cfg.BaseURL != "" {
		return account.NewHTTPGateway(cfg.BaseURL, nil)
	}
	return account.NewStaticGateway("local", cfg.Credits)
}

func registerProviders(rtr *router.Router, cfg config.ProvidersConfig) error {
	if cfg.Local.Enabled {
		p, err := local.New(cfg.Local.WorkDir)
		if err != nil {
			return err
		}
		rtr.Register(p)
	}
	if cfg.Docker.Enabled {
		rtr.Register(dockercli.New(cfg.Docker.Binary, cfg.Docker.DefaultImage))
	}
	if cfg.Hosted.Enabled {
		rtr.Register(hosted.New(hosted.Options{
			BaseURL:   cfg.Hosted.BaseURL,
			BaseCost:  cfg.Hosted.BaseCost,
			PerSecond: cfg.Hosted.PerSecond,
		}))
	}
	if len(rtr.List()) == 0 {
		return errors.New("no providers enabled")
	}
	return nil
}
