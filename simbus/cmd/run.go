package cmd

import (
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/sarchlab/simbus/config"
	"github.com/sarchlab/simbus/server"
	"github.com/sarchlab/simbus/tracing"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type runOptions struct {
	configPath  string
	tracePaths  []string
	port        int
	monitorPort int
	openMonitor bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a bus server.",
	Long: "`run -c bus.yaml` waits for the devices listed in bus.yaml to " +
		"join and runs the bus until a device finishes or the process is " +
		"interrupted. Signals are traced to the -t files, chosen by " +
		"extension (.vcd, .sqlite3, .db).",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, sink, err := runOpts.build()
		if err != nil {
			return err
		}

		if runOpts.openMonitor && srv.MonitorURL() != "" {
			if err := browser.OpenURL(srv.MonitorURL()); err != nil {
				logrus.WithError(err).Warn("cannot open the monitor")
			}
		}

		err = srv.Run(ctx)

		if closeErr := sink.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "close trace")
		}

		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// registerRunFlags runs after the .env file is loaded so that the
// environment provides the flag defaults.
func registerRunFlags() {
	f := runCmd.Flags()

	f.StringVarP(&runOpts.configPath, "config", "c",
		os.Getenv("SIMBUS_CONFIG"),
		"Bus description file. Defaults to $SIMBUS_CONFIG.")
	f.StringSliceVarP(&runOpts.tracePaths, "trace", "t",
		splitList(os.Getenv("SIMBUS_TRACE")),
		"Trace files (.vcd, .sqlite3 or .db). Defaults to $SIMBUS_TRACE.")
	f.IntVar(&runOpts.port, "port",
		envInt("SIMBUS_PORT", 0),
		"Port to listen on, overriding the bus description.")
	f.IntVar(&runOpts.monitorPort, "monitor-port",
		envInt("SIMBUS_MONITOR_PORT", -1),
		"Serve the web monitor on this port. 0 picks a random port; "+
			"negative turns the monitor off.")
	f.BoolVar(&runOpts.openMonitor, "open-monitor", false,
		"Open the web monitor in a browser.")
}

func (o runOptions) build() (*server.Server, tracing.Sink, error) {
	if o.configPath == "" {
		return nil, nil, errors.New(
			"no bus description, use -c or set SIMBUS_CONFIG")
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}

	if o.port > 0 {
		cfg.Port = o.port
	}

	sink, err := openSinks(o.tracePaths, cfg.Name)
	if err != nil {
		return nil, nil, err
	}

	b := server.MakeBuilder().
		WithConfig(cfg).
		WithTraceSink(sink).
		WithLogger(logrus.StandardLogger())

	if o.monitorPort >= 0 {
		b = b.WithMonitorPort(o.monitorPort)
	}

	srv, err := b.Build()
	if err != nil {
		sink.Close()
		return nil, nil, err
	}

	return srv, sink, nil
}

func openSinks(paths []string, scope string) (tracing.Sink, error) {
	if len(paths) == 0 {
		return tracing.Discard, nil
	}

	sinks := make(tracing.MultiSink, 0, len(paths))
	for _, p := range paths {
		s, err := tracing.Open(p, scope)
		if err != nil {
			sinks.Close()
			return nil, err
		}

		sinks = append(sinks, s)
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}

	return sinks, nil
}

func splitList(s string) []string {
	var out []string

	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}

func envInt(key string, def int) int {
	s, found := os.LookupEnv(key)
	if !found || s == "" {
		return def
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		logrus.WithField("variable", key).Warn("not a number, ignored")
		return def
	}

	return v
}
