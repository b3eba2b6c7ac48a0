// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"dtrex.org/xchbridge/client/app"
	"dtrex.org/xchbridge/client/commit"
	"dtrex.org/xchbridge/client/db/bolt"
	"dtrex.org/xchbridge/client/market"
	"dtrex.org/xchbridge/client/relay"
	"dtrex.org/xchbridge/client/session"
	"dtrex.org/xchbridge/client/sign"
	"dtrex.org/xchbridge/client/webserver"
	"dtrex.org/xchbridge/dtx/rates"
	"github.com/jessevdk/go-flags"
)

func main() {
	err := mainCore()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mainCore() error {
	cfg, err := app.ParseCLIConfig(os.Args[1:])
	if err != nil {
		return err
	}

	lm, closeLogger, err := app.InitLogging(cfg.LogPath, cfg.DebugLevel, !cfg.NoStdout, !cfg.LocalLogs)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer closeLogger()
	log := lm.Logger("BRDG")
	log.Infof("xchbridge starting on %s", cfg.Net)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bolt.UseLogger(lm.Logger("DB"))
	boltDB, err := bolt.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database at %s: %w", cfg.DBPath, err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		boltDB.Run(ctx)
	}()

	bridge, err := relay.Initialize(ctx, &relay.Config{
		Host:   cfg.RelayHost,
		Path:   cfg.RelayPath,
		Cert:   cfg.RelayCert,
		Net:    cfg.Net,
		Store:  boltDB,
		Logger: lm.Logger("RELAY"),
	})
	if err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("failed to start relay client: %w", err)
	}

	sessions := session.NewManager(bridge, boltDB, cfg.Net, lm.Logger("SESS"))
	if _, err := sessions.RestoreSession(ctx); err != nil {
		// Not fatal. The user pairs again from the web UI.
		log.Warnf("Could not restore the saved wallet session: %v", err)
	}

	backend, err := market.NewClient(&market.Config{
		Addr:      cfg.BackendAddr,
		AuthToken: cfg.BackendToken,
		Logger:    lm.Logger("MKT"),
	})
	if err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	oracle := rates.NewOracle(lm.Logger("RATE"))
	signer := sign.NewBridge(bridge)

	commit.UseLogger(lm.Logger("FLOW"))
	newFlow := func(tradeID int64) *commit.Flow {
		return commit.NewFlow(&commit.FlowConfig{
			TradeID: tradeID,
			Backend: backend,
			Signer:  signer,
			Wallet:  sessions,
			Rates:   oracle,
		})
	}

	srv, err := webserver.New(&webserver.Config{
		Addr:     cfg.WebAddr,
		Sessions: sessions,
		NewFlow:  newFlow,
		Logger:   lm.Logger("WEB"),
	})
	if err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("failed to create web server: %w", err)
	}

	err = srv.Run(ctx)
	cancel()
	bridge.WaitForShutdown()
	wg.Wait()
	log.Info("xchbridge shut down")
	return err
}
