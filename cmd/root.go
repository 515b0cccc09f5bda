// Package cmd provides the command-line interface for attitude.
//
// Configuration is read, in order of precedence, from command-line flags,
// ATTITUDE_ prefixed environment variables (a .env file in the working
// directory is loaded first), the file named by --config or
// ATTITUDE_CONFIG_FILE, and finally .attitude.yml in the working directory.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/conneroisu/attitude/internal/config"
	"github.com/conneroisu/attitude/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "attitude",
	Short: "A file-system driven site builder and development server",
	Long: `attitude turns a directory of pages into a routed site.

Every directory below the pages root is a page. Files are bound to page keys
by name, dotfiles configure pages declaratively and attitudes (built in or
loaded from Go plugins) add keys and hooks.

Quick Start:
  attitude serve                  Build, serve and rebuild on change
  attitude build                  Build once into dist
  attitude routes                 Print the route table`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is .attitude.yml, can also use ATTITUDE_CONFIG_FILE env var)")
	flags.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.String("root", "./pages", "pages root directory")
	flags.String("dist", "./dist", "build output directory")
	flags.String("mode", config.ModeDevelopment, "development or production")

	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("root", flags.Lookup("root"))
	_ = viper.BindPFlag("dist", flags.Lookup("dist"))
	_ = viper.BindPFlag("mode", flags.Lookup("mode"))
}

// initConfig wires viper to the config file and the environment.
func initConfig() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "Warning:", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("ATTITUDE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".attitude")
	}

	// ATTITUDE_SERVER_PORT overrides server.port.
	viper.SetEnvPrefix("ATTITUDE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newLogger(cfg *config.Config) logging.Logger {
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
}
