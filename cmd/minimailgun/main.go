/*
MiniMailGun - minimal SMTP relay service.
Copyright © 2026 MiniMailGun contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/minimailgun/minimailgun/framework/dns"
	"github.com/minimailgun/minimailgun/framework/log"
	"github.com/minimailgun/minimailgun/internal/api"
	"github.com/minimailgun/minimailgun/internal/cleaner"
	"github.com/minimailgun/minimailgun/internal/config"
	"github.com/minimailgun/minimailgun/internal/delivery"
	"github.com/minimailgun/minimailgun/internal/mx"
	"github.com/minimailgun/minimailgun/internal/queue"
	"github.com/minimailgun/minimailgun/internal/smtpclient"
	"github.com/minimailgun/minimailgun/internal/store"
	"github.com/minimailgun/minimailgun/internal/submit"
)

var Version = "unknown (built from source tree)"

func main() {
	app := &cli.App{
		Name:    "minimailgun",
		Usage:   "minimal SMTP relay service",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Start the queue, delivery workers and HTTP front-end",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "debug",
						Usage:   "enable debug logging",
						EnvVars: []string{"DEBUG"},
					},
				},
				Action: func(c *cli.Context) error {
					return run(c.Bool("debug"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("fatal error", err)
		os.Exit(2)
	}
}

func logger(name string, debug bool) log.Logger {
	return log.Logger{
		Out:   log.DefaultLogger.Out,
		Name:  name,
		Debug: debug,
	}
}

func run(debug bool) error {
	log.DefaultLogger.Debug = debug

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	clients, err := api.LoadClients(cfg.ClientsFile)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath, store.Options{
		// SHARD is 1-based in the environment, the store counts from 0.
		Shard:  cfg.Shard - 1,
		Shards: cfg.Shards,
		Log:    logger("store", debug),
	})
	if err != nil {
		return err
	}

	proxy := queue.NewProxy(st, logger("queue", debug))
	defer proxy.Close()

	var resolver mx.Resolver
	if cfg.StaticMXConfig != "" {
		static, err := mx.ParseStatic(cfg.StaticMXConfig)
		if err != nil {
			return err
		}
		resolver = static
	} else {
		resolver = mx.DNS{R: dns.DefaultResolver()}
	}

	client := smtpclient.New()
	client.Port = cfg.SMTPPort
	client.Hostname = cfg.Hostname
	client.Log = logger("smtpclient", debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := &delivery.Pool{
		Agent: &delivery.Agent{
			Queue:         proxy,
			Resolver:      resolver,
			Client:        client,
			MaxAttempts:   cfg.MaxDeliveryAttempts,
			RetryInterval: cfg.RetryInterval,
			Log:           logger("delivery", debug),
		},
		Workers: cfg.DeliveryThreads,
		Log:     logger("delivery", debug),
	}
	pool.Start(ctx)

	clean := &cleaner.Cleaner{
		Queue:     proxy,
		Retention: cfg.RetentionPeriod,
		Interval:  time.Duration(cfg.CleanupInterval) * time.Second,
		Log:       logger("cleaner", debug),
	}

	apiSrv := &api.Server{
		Submit:  submit.NewAdapter(proxy, cfg.Hostname, logger("submit", debug)),
		Status:  proxy,
		Clients: clients,
		Log:     logger("api", debug),
	}
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiSrv.Handler(),
		// net/http wants a *stdlib* logger for its accept/TLS errors.
		ErrorLog: zap.NewStdLog(logger("http", debug).Zap()),
	}

	log.DefaultLogger.Msg("minimailgun started",
		"listen", cfg.ListenAddr, "db", cfg.DBPath,
		"shard", cfg.Shard, "shards", cfg.Shards,
		"workers", cfg.DeliveryThreads, "version", Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		clean.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := httpSrv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	// Workers notice ctx cancellation (or the proxy closing) on their next
	// iteration; in-flight SMTP sessions run to completion first.
	pool.Wait()

	log.DefaultLogger.Msg("minimailgun stopped")
	return err
}
