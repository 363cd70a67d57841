package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/armorclaw/exceptionmailer/internal/server"
	"github.com/armorclaw/exceptionmailer/pkg/config"
	"github.com/armorclaw/exceptionmailer/pkg/dispatch"
	"github.com/armorclaw/exceptionmailer/pkg/logger"
	"github.com/armorclaw/exceptionmailer/pkg/mail"
	"github.com/armorclaw/exceptionmailer/pkg/mailer"
	"github.com/armorclaw/exceptionmailer/pkg/metrics"
	"github.com/armorclaw/exceptionmailer/pkg/report"
	"github.com/armorclaw/exceptionmailer/pkg/snapshot"
	"github.com/armorclaw/exceptionmailer/pkg/trace"
)

var titleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("0")).
	Background(lipgloss.Color("6")).
	Padding(0, 1)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo application with exception mail enabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			log := logger.Global()

			m, err := mailer.NewFromConfig(cfg, mailer.WithLogger(log))
			if err != nil {
				return err
			}
			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return fmt.Errorf("failed to register metrics: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := m.Start(ctx); err != nil {
				return err
			}
			mailer.SetDefault(m)

			srv := server.New(server.Config{
				Addr:        cfg.Server.Addr,
				MetricsPath: cfg.Server.MetricsPath,
			}, m, prometheus.DefaultGatherer, log)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				logger.Info("shutdown signal received")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				err = srv.Stop(shutdownCtx)
			}

			if stopErr := m.Stop(); stopErr != nil {
				logger.Warn("mail pool did not stop cleanly", "error", stopErr)
				if err == nil {
					err = stopErr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

type previewOptions struct {
	name    string
	kind    string
	message string
	frames  bool
	html    string
	eml     string
}

func newPreviewCmd(opts *rootOptions) *cobra.Command {
	p := &previewOptions{}

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Compose a sample report and print it without sending",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			mc := mailer.FromConfig(cfg)
			mc.Disabled = false

			m, err := mailer.New(mc, &mail.Recorder{}, mailer.WithLogger(logger.Global()))
			if err != nil {
				return err
			}
			return runPreview(cmd.OutOrStdout(), m, p)
		},
	}
	cmd.Flags().StringVar(&p.name, "name", "preview.sample_view", "report name")
	cmd.Flags().StringVar(&p.kind, "type", "IndexError", "exception type, empty for a report without an exception")
	cmd.Flags().StringVar(&p.message, "message", "list index out of range", "exception message")
	cmd.Flags().BoolVar(&p.frames, "frames", false, "print a frame table")
	cmd.Flags().StringVar(&p.html, "html", "", "write the HTML body to this file")
	cmd.Flags().StringVar(&p.eml, "eml", "", "write the complete message to this file")
	return cmd
}

func runPreview(out io.Writer, m *mailer.Mailer, p *previewOptions) error {
	var err error
	if p.kind != "" {
		err = trace.New(p.kind, p.message)
	}

	rep, art := m.Composer().ComposeAndRender(report.Input{
		Name: p.name,
		Err:  err,
		Locals: snapshot.Vars{
			snapshot.V("items", []string{"alpha", "beta"}),
			snapshot.V("index", 5),
		},
		Site: trace.CaptureSite(0),
	})

	fmt.Fprintln(out, titleStyle.Render(art.Subject))
	fmt.Fprintln(out)
	fmt.Fprint(out, art.Text)

	if p.frames {
		writeFrameTable(out, rep)
	}

	if p.html != "" {
		if err := os.WriteFile(p.html, []byte(art.HTML), 0644); err != nil {
			return fmt.Errorf("failed to write HTML: %w", err)
		}
		fmt.Fprintf(out, "HTML written to %s\n", p.html)
	}

	if p.eml != "" {
		data, err := mail.Encode(m.Message(art))
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		if err := os.WriteFile(p.eml, data, 0644); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		fmt.Fprintf(out, "Message written to %s\n", p.eml)
	}
	return nil
}

func writeFrameTable(out io.Writer, rep report.Report) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"#", "Function", "Location", "Source", "Vars"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetAutoWrapText(false)

	for i, f := range rep.Frames {
		src := "ok"
		if f.Context.Empty() {
			src = f.Context.Reason
		}
		table.Append([]string{
			strconv.Itoa(i),
			f.Frame.Function,
			fmt.Sprintf("%s:%d", filepath.Base(f.Frame.File), f.Frame.Line),
			src,
			strconv.Itoa(len(f.Snapshot.Bindings)),
		})
	}
	table.Render()
}

func newSendTestCmd(opts *rootOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "send-test",
		Short: "Send a test report through the configured transport",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			m, err := mailer.NewFromConfig(cfg, mailer.WithLogger(logger.Global()))
			if err != nil {
				return err
			}

			res := m.Capture(cmd.Context(), mailer.CaptureRequest{
				Name: name,
				Err:  trace.New("TestError", "this is a test report"),
			})
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", res.Status, res.Subject, res.ReportID)
			if res.Status == dispatch.Failed {
				return res.Err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "exceptionmailer.send_test", "report name")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write an example configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "exceptionmailer.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.GenerateExampleConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}
