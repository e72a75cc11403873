package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/premiscale/premiscale/pkg/config"
	"github.com/premiscale/premiscale/pkg/supervisor"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		token     string
		cfgPath   string
		validate  bool
		showVer   bool
		logLevel  string
		logFile   string
		logStdout bool
	)

	cmd := &cobra.Command{
		Use:   "premiscale",
		Short: "On-premises virtual machine autoscaling controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVer {
				fmt.Println(version)
				return nil
			}

			f, err := os.Open(cfgPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "premiscale: config: %s\n", err)
				os.Exit(2)
			}
			defer f.Close()

			cfg, err := config.Parse(f)
			if err != nil {
				fmt.Fprintf(os.Stderr, "premiscale: config: %s\n", err)
				os.Exit(2)
			}

			if token != "" {
				cfg.Controller.Platform.Token = token
			}

			if validate {
				return nil
			}

			log, err := newLogger(logLevel, logFile, logStdout)
			if err != nil {
				fmt.Fprintf(os.Stderr, "premiscale: logging: %s\n", err)
				os.Exit(2)
			}
			defer log.Sync()

			sup := supervisor.New(log, cfg)
			code := sup.Run(context.Background())
			os.Exit(code)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "platform registration token")
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "/etc/premiscale/config.yaml", "path to the configuration file")
	cmd.Flags().BoolVar(&validate, "validate", false, "validate the configuration file and exit")
	cmd.Flags().BoolVar(&showVer, "version", false, "print the version and exit")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: info|warn|error|debug")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write logs to this file")
	cmd.Flags().BoolVar(&logStdout, "log-stdout", true, "write logs to stdout")
	cmd.MarkFlagsMutuallyExclusive("log-file", "log-stdout")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func newLogger(level, file string, stdout bool) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"

	if file != "" {
		cfg.OutputPaths = []string{file}
	} else {
		cfg.OutputPaths = []string{"stdout"}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
