package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/glimte/mailbus"
	"github.com/glimte/mailbus/health"
	"github.com/glimte/mailbus/management"
	"github.com/glimte/mailbus/metrics"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type probeFlags struct {
	configPath string
	timeout    time.Duration
}

func newRootCommand(out io.Writer) *cobra.Command {
	flags := &probeFlags{}

	rootCmd := &cobra.Command{
		Use:   "mailbus-probe",
		Short: "Check the RabbitMQ setup of a mail server",
		Long: `mailbus-probe reads the mail server's RabbitMQ configuration and verifies
that the broker is reachable, channels can be borrowed and queues declared
the way the server will declare them.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "mailbus.toml", "Path to the TOML configuration file")
	rootCmd.PersistentFlags().DurationVarP(&flags.timeout, "timeout", "t", 30*time.Second, "Overall timeout")

	rootCmd.AddCommand(
		newCheckCommand(flags),
		newQueuesCommand(flags),
		newHealthCommand(flags),
		newServeCommand(flags),
	)
	return rootCmd
}

func openClient(cmd *cobra.Command, flags *probeFlags) (*mailbus.Client, context.Context, context.CancelFunc, error) {
	client, err := mailbus.NewClientFromFile(flags.configPath, mailbus.WithConnectionName("mailbus-probe"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create client: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	return client, ctx, cancel, nil
}

func newCheckCommand(flags *probeFlags) *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Connect, borrow a channel and round-trip a probe queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := openClient(cmd, flags)
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			return runCheck(ctx, cmd.OutOrStdout(), client, keep)
		},
	}
	cmd.Flags().BoolVar(&keep, "keep", false, "Leave the probe queue in place")
	return cmd
}

func runCheck(ctx context.Context, out io.Writer, client *mailbus.Client, keep bool) error {
	cfg := client.Configuration()
	fmt.Fprintf(out, "Broker: %s\n", cfg.URI().Redacted())
	fmt.Fprintf(out, "Quorum queues: %t\n", cfg.UseQuorumQueues())

	start := time.Now()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	fmt.Fprintf(out, "%-10s ok (%s)\n", "connect", time.Since(start).Truncate(time.Millisecond))

	start = time.Now()
	ch, err := client.Borrow(ctx)
	if err != nil {
		return fmt.Errorf("failed to borrow channel: %w", err)
	}
	ch.Release()
	fmt.Fprintf(out, "%-10s ok (%s)\n", "borrow", time.Since(start).Truncate(time.Millisecond))

	queue := "mailbus-probe-" + uuid.New().String()
	declared, err := client.Topology().DeclareQueue(ctx, mailbus.QueueDeclaration{
		Name:       queue,
		AutoDelete: true,
		Exclusive:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to declare probe queue: %w", err)
	}
	queueType := "classic"
	if client.Topology().Policy().UseQuorumQueues {
		queueType = "quorum"
	}
	fmt.Fprintf(out, "%-10s ok (%s, %s)\n", "declare", declared.Name, queueType)

	if err := client.Publisher().Publish(ctx, "", queue, amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte("probe"),
	}); err != nil {
		return fmt.Errorf("failed to publish to probe queue: %w", err)
	}
	fmt.Fprintf(out, "%-10s ok\n", "publish")

	if keep {
		fmt.Fprintf(out, "Probe queue %s kept\n", queue)
		return nil
	}
	if err := client.Topology().DeleteQueue(ctx, queue, false, false); err != nil {
		return fmt.Errorf("failed to delete probe queue: %w", err)
	}
	fmt.Fprintf(out, "%-10s ok\n", "delete")
	return nil
}

func newQueuesCommand(flags *probeFlags) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "queues [pattern...]",
		Short: "List queues through the management API",
		Long:  "List queue depths and consumer counts. Patterns such as 'mailboxEvent-*' restrict the listing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := mailbus.NewClientFromFile(flags.configPath, mailbus.WithConnectionName("mailbus-probe"))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			watcher := management.NewQueueWatcher(client.Management(), interval, args...)
			if !watch {
				ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
				defer cancel()
				snapshot, err := watcher.Snapshot(ctx)
				if err != nil {
					return fmt.Errorf("failed to list queues: %w", err)
				}
				printQueues(out, snapshot)
				return nil
			}

			err = watcher.Watch(cmd.Context(), func(snapshot management.QueueSnapshot, err error) {
				if err != nil {
					fmt.Fprintf(out, "Error: %v\n", err)
					return
				}
				printQueues(out, snapshot)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep polling until interrupted")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Polling interval with --watch")
	return cmd
}

func newHealthCommand(flags *probeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the connection, channel pool and management checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := openClient(cmd, flags)
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			report := client.Health().Check(ctx)
			printHealth(cmd.OutOrStdout(), report)
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker is %s", report.Status)
			}
			return nil
		},
	}
}

func newServeCommand(flags *probeFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose /health and /metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			recorder := metrics.NewPrometheusRecorder(nil)
			client, err := mailbus.NewClientFromFile(flags.configPath,
				mailbus.WithConnectionName("mailbus-probe"),
				mailbus.WithMetrics(recorder))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			listener, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Serving /health and /metrics on %s\n", listener.Addr())
			return serve(cmd.Context(), listener, newServeMux(client, flags.timeout))
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", ":9090", "Address to listen on")
	return cmd
}

func newServeMux(client *mailbus.Client, timeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(client.Logger()))

	router.Handle("/health", health.NewHandler(client.Health(), timeout)).Methods(http.MethodGet)
	if recorder := client.Metrics(); recorder != nil {
		router.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)
	}
	return router
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("probe request served", "method", r.Method, "path", r.URL.Path,
				"remote", r.RemoteAddr, "duration", time.Since(start))
		})
	}
}

// serve runs until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, listener net.Listener, handler http.Handler) error {
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func printQueues(out io.Writer, snapshot management.QueueSnapshot) {
	fmt.Fprintf(out, "Queues at %s: %d | Messages: %d | Consumers: %d\n",
		snapshot.Time.Format("2006-01-02 15:04:05"),
		len(snapshot.Queues), snapshot.TotalMessages, snapshot.TotalConsumers)
	if len(snapshot.Queues) == 0 {
		fmt.Fprintln(out, "No queues found")
		return
	}

	fmt.Fprintf(out, "%-40s %-8s %-10s %-10s %-10s\n", "Name", "Type", "Messages", "Consumers", "State")
	fmt.Fprintln(out, strings.Repeat("-", 82))

	for _, q := range snapshot.Queues {
		fmt.Fprintf(out, "%-40s %-8s %-10d %-10d %-10s\n",
			truncate(q.Name, 40),
			q.Type,
			q.Messages,
			q.Consumers,
			q.State,
		)
	}
}

func printHealth(out io.Writer, report health.OverallHealth) {
	fmt.Fprintf(out, "Overall: %s\n", report.Status)
	for name, check := range report.Checks {
		line := fmt.Sprintf("  %-22s %-10s %s", name, check.Status, check.Message)
		if check.Error != "" {
			line += " (" + check.Error + ")"
		}
		fmt.Fprintln(out, strings.TrimRight(line, " "))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
