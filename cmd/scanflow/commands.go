package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/scanflow"
	"github.com/loykin/scanflow/internal/config"
	"github.com/loykin/scanflow/internal/record"
)

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen      string
	BasePath    string
	MetricsAddr string
}

// SubmitFlags holds flags for the submit command.
type SubmitFlags struct {
	Payload string
	Kind    string
	Source  string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	submitFlags := &SubmitFlags{}

	root := &cobra.Command{
		Use:           "scanflow",
		Short:         "Scan event engine: dedup, persist, and deliver barcode scans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "scanflow.toml", "path to TOML config file")

	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createSubmitCommand(globalFlags, submitFlags),
		createExportCommand(globalFlags),
		createValidateCommand(globalFlags),
	)
	return root
}

func createServeCommand(gf *GlobalFlags, sf *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its HTTP API until interrupted",
		RunE: func(_ *cobra.Command, _ []string) error {
			fc, err := config.Load(gf.ConfigPath)
			if err != nil {
				return err
			}
			eng, err := scanflow.NewFromConfig(gf.ConfigPath)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			if err := scanflow.RegisterMetricsDefault(); err != nil {
				return err
			}
			if err := eng.Start(); err != nil {
				return err
			}

			listen := sf.Listen
			if listen == "" {
				listen = fc.Server.Listen
			}
			if listen == "" {
				listen = ":8080"
			}
			srv, err := eng.NewHTTPServer(listen, sf.BasePath)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()

			metricsAddr := sf.MetricsAddr
			if metricsAddr == "" && fc.Metrics.Enabled {
				metricsAddr = fc.Metrics.Listen
			}
			if metricsAddr != "" {
				go func() { _ = scanflow.ServeMetrics(metricsAddr) }()
			}

			fmt.Printf("scanflow listening on %s\n", listen)
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			fmt.Println("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&sf.Listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&sf.BasePath, "base-path", "", "base path for API routes")
	cmd.Flags().StringVar(&sf.MetricsAddr, "metrics-listen", "", "Prometheus metrics address (overrides config)")
	return cmd
}

func createSubmitCommand(gf *GlobalFlags, sf *SubmitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a single scan through the pipeline and wait for delivery",
		RunE: func(_ *cobra.Command, _ []string) error {
			kind, err := record.ParseKind(sf.Kind)
			if err != nil {
				return err
			}
			eng, err := scanflow.NewFromConfig(gf.ConfigPath)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			if err := eng.Start(); err != nil {
				return err
			}

			out := eng.Submit(scanflow.RawEvent{
				Payload:    sf.Payload,
				Kind:       kind,
				Source:     sf.Source,
				CapturedAt: time.Now(),
			})
			if out.Err != nil {
				return fmt.Errorf("%s: %w", out.Status, out.Err)
			}
			fmt.Printf("%s %s\n", out.Status, out.Record.ID)
			// Close cancels a delivery still mid-retry; the record then
			// stays pending and the next run redelivers it
			return nil
		},
	}
	cmd.Flags().StringVarP(&sf.Payload, "payload", "p", "", "decoded scan payload")
	cmd.Flags().StringVarP(&sf.Kind, "kind", "k", "qrcode", "barcode symbology")
	cmd.Flags().StringVar(&sf.Source, "source", "cli", "capture source label")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func createExportCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write the current history as CSV to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fc, err := config.Load(gf.ConfigPath)
			if err != nil {
				return err
			}
			eng, err := scanflow.New(scanflow.Options{
				History: fc.History.Options(),
				SinkDSN: fc.Sink.DSN,
			})
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			return eng.ExportCSV(cmd.OutOrStdout())
		},
	}
}

func createValidateCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			fc, err := config.Load(gf.ConfigPath)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: history in %s, sink %s\n", fc.History.Dir, fc.Sink.DSN)
			return nil
		},
	}
}
