package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/config"
	"github.com/matheus3301/wprelay/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "config file (default $WPRELAY_CONFIG or ~/.wprelay/config.toml)")
	initFlag := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initFlag {
		path, err := config.Init(*configFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", path)
		return
	}

	app := fx.New(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		daemon.Module(daemon.Params{ConfigPath: *configFlag}),
	)

	app.Run()
}
