package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	metricsprometheus "github.com/slok/taskstream/internal/metrics/prometheus"
	"github.com/slok/taskstream/internal/model"
	"github.com/slok/taskstream/internal/printer"
	"github.com/slok/taskstream/internal/stream"
	"github.com/slok/taskstream/internal/transport/sse"
)

type WatchCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID            string
	serverURL         string
	format            string
	raw               bool
	reconnectDelay    time.Duration
	metricsListenAddr string
	metricsPath       string
}

// NewWatchCommand returns the watch command.
func NewWatchCommand(rootCmd *RootCommand, app *kingpin.Application) *WatchCommand {
	c := &WatchCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("watch", "Follow the live events of a code generation task.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Flag("server-url", "Base URL of the task stream server.").Default("http://127.0.0.1:8080").StringVar(&c.serverURL)
	c.Cmd.Flag("format", "Output format (text, json).").Default("text").EnumVar(&c.format, "text", "json")
	c.Cmd.Flag("raw", "Print the timeline without merging consecutive entries.").BoolVar(&c.raw)
	c.Cmd.Flag("reconnect-delay", "Wait before reconnecting a lost stream.").Default(stream.DefaultReconnectDelay.String()).DurationVar(&c.reconnectDelay)
	c.Cmd.Flag("metrics-listen-addr", "Address to expose the client metrics on, disabled when empty.").StringVar(&c.metricsListenAddr)
	c.Cmd.Flag("metrics-path", "Path of the metrics endpoint.").Default("/metrics").StringVar(&c.metricsPath)

	return c
}

func (c WatchCommand) Name() string { return c.Cmd.FullCommand() }

func (c WatchCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	client, err := sse.NewClient(sse.ClientConfig{
		ServerURL: c.serverURL,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("could not create stream client: %w", err)
	}

	reg := prometheus.NewRegistry()
	recorder := metricsprometheus.NewRecorder(metricsprometheus.Config{Registerer: reg})

	sub, err := stream.NewSubscriber(stream.SubscriberConfig{
		Transport:       client,
		ReconnectDelay:  c.reconnectDelay,
		MetricsRecorder: recorder,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("could not create subscriber: %w", err)
	}
	defer sub.Close()

	conn, err := sub.Subscribe(ctx, c.taskID, true)
	if err != nil {
		return fmt.Errorf("could not subscribe to task: %w", err)
	}

	var p printer.Printer
	switch c.format {
	case "json":
		p = printer.NewJSONPrinter(c.rootCmd.Stdout, c.raw)
	default: // text
		p = printer.NewTextPrinter(c.rootCmd.Stdout, c.raw)
	}

	var g run.Group

	// Metrics.
	if c.metricsListenAddr != "" {
		srv := newMetricsServer(c.metricsListenAddr, c.metricsPath, reg)
		g.Add(
			func() error {
				logger.Infof("Serving metrics on %s%s", c.metricsListenAddr, c.metricsPath)
				return serveHTTP(srv)
			},
			func(_ error) {
				shutdownHTTP(srv)
			},
		)
	}

	// Stream.
	{
		start := time.Now()
		g.Add(
			func() error {
				for s := range conn.Updates() {
					if err := p.PrintUpdate(s); err != nil {
						return fmt.Errorf("could not print update: %w", err)
					}
				}

				final := conn.State()
				if err := p.PrintFinal(final); err != nil {
					return fmt.Errorf("could not print task: %w", err)
				}
				logger.Infof("Stream ended after %s (%d entries)", printer.FormatDuration(time.Since(start)), len(final.Entries))

				return watchResult(final)
			},
			func(_ error) {
				sub.Close()
			},
		)
	}

	return g.Run()
}

// watchResult returns an error unless the task completed successfully.
func watchResult(s model.StreamState) error {
	if s.Done == nil {
		if s.Error != "" {
			return fmt.Errorf("stream ended before the task finished: %s", s.Error)
		}
		return fmt.Errorf("stream ended before the task finished")
	}

	if s.Done.Status != model.TaskStatusCompleted {
		return fmt.Errorf("task finished with %s status", s.Done.Status)
	}

	return nil
}
