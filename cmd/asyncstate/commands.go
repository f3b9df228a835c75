package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/five82/asyncstate/internal/app"
	"github.com/five82/asyncstate/internal/config"
	"github.com/five82/asyncstate/internal/geo"
)

const watchLogPath = "~/.local/share/asyncstate/watch.log"

type rootFlags struct {
	configPath  string
	logLevel    string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "asyncstate",
		Short: "Cached geolocation and a shared key-value store",
		Long: `asyncstate reads positions through a persisted TTL cache and exposes the
key-value store behind it. Every process sharing the store sees writes from the
others through the configured change channel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(newLocateCmd(flags), newWatchCmd(flags), newKVCmd(flags))
	return root
}

func openApp(cmd *cobra.Command, flags *rootFlags, logOutput io.Writer) (*app.App, error) {
	if logOutput == nil {
		logOutput = cmd.ErrOrStderr()
	}
	return app.New(app.Options{
		ConfigPath:  flags.configPath,
		LogLevel:    flags.logLevel,
		LogOutput:   logOutput,
		MetricsAddr: flags.metricsAddr,
	})
}

type locateReport struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	FromCache bool      `json:"from_cache"`
}

func newLocateCmd(flags *rootFlags) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "locate",
		Short: "Print the current position as JSON",
		Long: `Print the current position as JSON. A fresh cached fix is printed without
contacting the provider unless --refresh is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			st, lookupErr := a.Locate(cmd.Context(), refresh)
			if st.HasCoords {
				if err := printJSON(cmd.OutOrStdout(), report(st)); err != nil {
					return err
				}
			}
			return lookupErr
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore the cache and ask the provider")
	return cmd
}

func report(st geo.State) locateReport {
	return locateReport{
		Latitude:  st.Coords.Latitude,
		Longitude: st.Coords.Longitude,
		Accuracy:  st.Coords.Accuracy,
		Timestamp: st.Timestamp,
		FromCache: st.FromCache,
	}
}

func newWatchCmd(flags *rootFlags) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open the position dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logFile, err := openWatchLog()
			if err != nil {
				return err
			}
			defer logFile.Close()

			a, err := openApp(cmd, flags, logFile)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Dashboard(cmd.Context(), follow)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "start with continuous watching enabled")
	return cmd
}

// openWatchLog keeps log output off the terminal the dashboard draws on.
func openWatchLog() (*os.File, error) {
	path, err := config.ExpandPath(watchLogPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func newKVCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write the shared store",
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the JSON value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			raw, found := a.KVGet(args[0])
			if !found {
				return fmt.Errorf("key %q not found", args[0])
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return err
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value; anything that is not JSON is stored as a string",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.KVSet(args[0], args[1])
		},
	}

	rm := &cobra.Command{
		Use:     "rm <key>",
		Aliases: []string{"remove"},
		Short:   "Delete a key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.KVRemove(args[0])
		},
	}

	var debounce time.Duration
	watch := &cobra.Command{
		Use:   "watch <key>",
		Short: "Print the value of a key on every change",
		Long: `Print the value of a key, then again whenever any process sharing the store
changes it. With --debounce, a burst of changes prints once with the latest value.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			return a.KVWatch(cmd.Context(), args[0], debounce, func(v json.RawMessage, found bool) {
				if !found {
					fmt.Fprintln(out, "<absent>")
					return
				}
				fmt.Fprintln(out, string(v))
			})
		},
	}
	watch.Flags().DurationVar(&debounce, "debounce", 0, "collapse bursts of changes within this quiet period")

	cmd.AddCommand(get, set, rm, watch)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
