// Package cmd provides the command-line interface of simbus.
package cmd

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var (
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "simbus",
	Short: "simbus connects device simulators over a simulated bus.",
	Long: `simbus runs a bus server that device simulators join over TCP. ` +
		`The server keeps the simulators in lockstep and computes the bus ` +
		`signals of the configured protocol (PCI or AXI4).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level: debug, info, warn or error.")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"Log format: text or json.")
}

func setupLogging() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrap(err, "--log-level")
	}

	logrus.SetLevel(level)

	switch strings.ToLower(logFormat) {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("--log-format: unknown format %q", logFormat)
	}

	return nil
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Trace files are flushed before the process exits. Variables
// in a .env file of the working directory become flag defaults.
func Execute() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("cannot load .env")
	}

	registerRunFlags()

	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
