package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
)

type rootOptions struct {
	cfgFile string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "filevaultctl",
		Short:         "Operate a filevault deployment: migrations, usage reports, blob sweeping.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (env vars override)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable logging")

	rootCmd.AddCommand(newMigrateCmd(opts))
	rootCmd.AddCommand(newUsageCmd(opts))
	rootCmd.AddCommand(newSweepCmd(opts))
	rootCmd.AddCommand(newTokenCmd(opts))
	return rootCmd
}

// load 读取配置；非 verbose 模式下不输出日志
func (o *rootOptions) load() (*conf.Config, *logger.Logger, error) {
	config, err := conf.LoadConfig(o.cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if !o.verbose {
		return config, logger.NewNop(), nil
	}
	config.Log.Output = "console"
	log, err := logger.New(&config.Log)
	if err != nil {
		return nil, nil, err
	}
	return config, log, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
