package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/waxline/waxline/config"
	"github.com/waxline/waxline/internal/app"
)

var (
	cfile   = flag.String("c", "waxline.yml", "config file path")
	initdb  = flag.Bool("initdb", false, "drop and recreate database tables, then exit")
	showVer = flag.Bool("v", false, "print version and exit")
)

var version = "dev"

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println("waxlined", version)
		return
	}

	cfg := config.LoadConfig(*cfile)
	if err := os.MkdirAll(cfg.System.Workdir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "workdir %s: %v\n", cfg.System.Workdir, err)
		os.Exit(1)
	}

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	application.StartBackgroundJobs(ctx)

	errC := make(chan error, 1)
	go func() {
		errC <- application.StartWebServer()
	}()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigC:
		zap.L().Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errC:
		if err != nil {
			zap.L().Error("web server exited", zap.Error(err))
		}
	}
}
