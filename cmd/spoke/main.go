package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spokecrm/spoke/config"
	"github.com/spokecrm/spoke/internal/app"
	"github.com/spokecrm/spoke/internal/webapi"
	"github.com/spokecrm/spoke/internal/webserver"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfile    = flag.String("c", "spoke.yml", "config file path")
	initdb   = flag.Bool("initdb", false, "drop and recreate database tables, then exit")
	showVer  = flag.Bool("v", false, "print version and exit")
	gitHash  = "unknown"
	buildVer = "dev"
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("spoke %s (%s)\n", buildVer, gitHash)
		return
	}

	cfg := config.LoadConfig(*cfile)
	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	server := webserver.NewServer(cfg.Web)
	handler := webapi.NewHandler(application.Sessions(), application.Engine(), application.Registry(), cfg)
	handler.Register(server.Echo())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zap.L().Error("server exited", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("spoke stopped")
}
