package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/courier/internal/config"
	"github.com/matheus3301/courier/internal/daemon"
	"github.com/matheus3301/courier/internal/instance"
)

var version = "dev"

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default $COURIER_HOME/config.toml)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version)
		return
	}

	if err := config.LoadDotEnv(".env", instance.EnvPath()); err != nil {
		fatal(err)
	}
	path := *configFlag
	if path == "" {
		path = instance.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		fatal(fmt.Errorf("load config: %w", err))
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	name := instance.Resolve(*instanceFlag, cfg)
	if err := instance.ValidateName(name); err != nil {
		fatal(err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Instance: name, Config: cfg, Version: version}),
	)

	app.Run()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
