package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"prizedraw/internal/chain"
	"prizedraw/internal/config"
	"prizedraw/internal/handlers"
	"prizedraw/internal/metrics"
	"prizedraw/internal/models"
	"prizedraw/internal/oracle"
	"prizedraw/internal/services"
	"prizedraw/internal/storage/postgres"
	"prizedraw/internal/worker"
)

func main() {
	app := cli.NewApp()
	app.Name = "prizedraw"
	app.Usage = "prize draw engine backed by a randomness oracle"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to the YAML configuration file",
			EnvVar: "PRIZEDRAW_CONFIG",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP API and the background workers",
			Action: serve,
		},
		{
			Name:   "migrate",
			Usage:  "create the postgres schema and exit",
			Action: migrate,
		},
		{
			Name:  "token",
			Usage: "print a bearer token for an account",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "address, a",
					Usage: "account address the token acts as",
				},
			},
			Action: token,
		},
	}
	app.Action = serve

	if err := app.Run(os.Args); err != nil {
		logger.Fatalf("prizedraw: %v", err)
	}
}

func setup(c *cli.Context) (*config.Config, func(), error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, nil, err
	}
	logOut := io.Discard
	var logFile *os.File
	if cfg.Log.File != "" {
		logFile, err = os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
		if err != nil {
			return nil, nil, err
		}
		logOut = logFile
	}
	l := logger.Init("prizedraw", cfg.Log.Verbose, false, logOut)
	return cfg, func() {
		l.Close()
		if logFile != nil {
			logFile.Close()
		}
	}, nil
}

func migrate(c *cli.Context) error {
	cfg, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()
	if cfg.Storage.Driver != "postgres" {
		logger.Infof("storage driver %q needs no migration", cfg.Storage.Driver)
		return nil
	}
	ctx := context.Background()
	st, err := postgres.Open(ctx, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Infof("postgres schema is up to date")
	return nil
}

func token(c *cli.Context) error {
	cfg, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()
	addr := c.String("address")
	if addr == "" {
		return errors.New("token: --address is required")
	}
	tok, err := handlers.NewAuthenticator([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL).Issue(models.Address(addr))
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func serve(c *cli.Context) error {
	cfg, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()
	if cfg.Dev {
		logger.Warningf("DEV mode: do not run this configuration with real value")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Storage, oracle, ledger and odds backends
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Bootstrap(ctx, cfg.Engine.GlobalConfig()); err != nil {
		return err
	}
	client, err := openOracle(cfg.Oracle)
	if err != nil {
		return err
	}
	payments, err := openLedger(cfg.Ledger)
	if err != nil {
		return err
	}
	table, closeOdds, err := openOdds(ctx, cfg.Odds)
	if err != nil {
		return err
	}
	defer closeOdds()

	// 2. Initialize the draw service
	m := metrics.New()
	clock := chain.NewWallClock(cfg.Chain.GenesisTime(), cfg.Chain.Interval, cfg.Chain.Offset)
	drawService := services.NewDrawService(store, clock, table, oracle.NewResolver(client), payments)
	drawService.SetRecorder(m)
	drawService.SetPublisher(table)

	// 3. Set up the Gin router
	var limiter *handlers.RateLimiter
	if cfg.Server.RateLimit > 0 {
		limiter = handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	r, err := handlers.NewRouter(cfg.Server.Mode, cfg.Server.TrustedProxies, m, limiter)
	if err != nil {
		return err
	}
	auth := handlers.NewAuthenticator([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL)
	handlers.NewHTTPHandler(drawService, auth).RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(m.Handler()))

	// 4. Start the background workers
	var wg sync.WaitGroup
	if cfg.Relay.Enabled {
		relay := worker.NewRelay(drawService, models.Address(cfg.Relay.Caller), m)
		if err := relay.Start(ctx, cfg.Relay.Schedule); err != nil {
			return err
		}
		defer relay.Stop()
	}
	if cfg.Payout.Enabled {
		worker.NewPayouts(store, payments, cfg.Payout.Batch, m).Start(ctx, &wg, cfg.Payout.Interval)
	}

	// 5. Start the background janitor to forget idle rate limiter clients
	if limiter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(10 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					limiter.CleanUp(30 * time.Minute)
				}
			}
		}()
	}

	// 6. Run the server until interrupted
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on %s", cfg.Server.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			wg.Wait()
			return err
		}
	case <-ctx.Done():
	}

	logger.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	wg.Wait()
	return nil
}
