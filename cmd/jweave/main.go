// Command jweave weaves accessor interfaces into compiled JVM classes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("jweave.cli")

var (
	configPath string
	verbose    int

	config *Config
)

var rootCmd = &cobra.Command{
	Use:           "jweave",
	Short:         "Weave accessors and interceptors into compiled JVM classes",
	Long:          `jweave exposes private members of classes it does not own through accessor interfaces and inserts interceptor calls into their method bodies.`,
	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		cfg, err := LoadConfig(configPath, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		config = cfg

		var logFile *string
		if cfg.Log.File != "" {
			logFile = &cfg.Log.File
		}
		commonlog.Configure(cfg.Log.Verbosity+verbose, logFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", DefaultConfigFile, "configuration file")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase log verbosity (repeatable)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
