package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/slok/taskstream/internal/hub"
	hubhttp "github.com/slok/taskstream/internal/hub/http"
	metricsprometheus "github.com/slok/taskstream/internal/metrics/prometheus"
	"github.com/slok/taskstream/internal/storage"
	storageio "github.com/slok/taskstream/internal/storage/io"
	"github.com/slok/taskstream/internal/storage/memory"
	storageredis "github.com/slok/taskstream/internal/storage/redis"
)

type ServeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	listenAddr        string
	metricsListenAddr string
	metricsPath       string
	redisAddr         string
	redisKeyPrefix    string
	doneTTL           time.Duration
	heartbeatInterval time.Duration
	subscriberBuffer  int
	rateLimit         int
	scriptPath        string
	scriptTaskID      string
}

// NewServeCommand returns the serve command.
func NewServeCommand(rootCmd *RootCommand, app *kingpin.Application) *ServeCommand {
	c := &ServeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("serve", "Run a task event stream server.")
	c.Cmd.Flag("listen-addr", "Address of the stream server.").Default(":8080").StringVar(&c.listenAddr)
	c.Cmd.Flag("metrics-listen-addr", "Address of the metrics server.").Default(":8081").StringVar(&c.metricsListenAddr)
	c.Cmd.Flag("metrics-path", "Path of the metrics endpoint.").Default("/metrics").StringVar(&c.metricsPath)
	c.Cmd.Flag("redis-addr", "Redis address to store the task logs, in memory when empty.").StringVar(&c.redisAddr)
	c.Cmd.Flag("redis-key-prefix", "Prefix of the Redis task log keys.").Default(storageredis.DefaultKeyPrefix).StringVar(&c.redisKeyPrefix)
	c.Cmd.Flag("done-ttl", "How long finished task logs are kept.").Default(hub.DefaultDoneTTL.String()).DurationVar(&c.doneTTL)
	c.Cmd.Flag("heartbeat-interval", "Interval of the keep alive comments on idle streams.").Default(hubhttp.DefaultHeartbeatInterval.String()).DurationVar(&c.heartbeatInterval)
	c.Cmd.Flag("subscriber-buffer", "Live events a stream can fall behind before being dropped.").Default(fmt.Sprint(hub.DefaultSubscriberBuffer)).IntVar(&c.subscriberBuffer)
	c.Cmd.Flag("rate-limit", "Requests per minute allowed for each client IP, disabled when zero.").Default("0").IntVar(&c.rateLimit)
	c.Cmd.Flag("script", "YAML task script to replay once the server is running.").StringVar(&c.scriptPath)
	c.Cmd.Flag("task-id", "Task ID of the replayed script, the script one when empty.").StringVar(&c.scriptTaskID)

	return c
}

func (c ServeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metricsprometheus.NewRecorder(metricsprometheus.Config{Registerer: reg})

	// Initialize storage.
	var repo storage.EventRepository
	if c.redisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: c.redisAddr})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("could not connect to redis: %w", err)
		}

		r, err := storageredis.NewRepository(storageredis.RepositoryConfig{
			Client:    client,
			KeyPrefix: c.redisKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("could not create repository: %w", err)
		}
		repo = r
	} else {
		r, err := memory.NewRepository(memory.RepositoryConfig{Logger: logger})
		if err != nil {
			return fmt.Errorf("could not create repository: %w", err)
		}
		repo = r
	}

	h, err := hub.New(hub.Config{
		Repository:       repo,
		DoneTTL:          c.doneTTL,
		SubscriberBuffer: c.subscriberBuffer,
		MetricsRecorder:  recorder,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("could not create hub: %w", err)
	}

	handler, err := hubhttp.NewHandler(hubhttp.HandlerConfig{
		Hub:               h,
		HeartbeatInterval: c.heartbeatInterval,
		RateLimit:         c.rateLimit,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("could not create handler: %w", err)
	}

	var g run.Group

	// Stream server.
	{
		srv := &http.Server{
			Addr:              c.listenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(
			func() error {
				logger.Infof("Serving task streams on %s", c.listenAddr)
				return serveHTTP(srv)
			},
			func(_ error) {
				shutdownHTTP(srv)
			},
		)
	}

	// Metrics server.
	{
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

	// Script player.
	if c.scriptPath != "" {
		loader := storageio.NewScriptYAMLRepository(os.DirFS(filepath.Dir(c.scriptPath)))
		script, err := loader.GetScript(ctx, filepath.Base(c.scriptPath))
		if err != nil {
			return fmt.Errorf("could not load script: %w", err)
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				if err := h.PlayScript(ctx, c.scriptTaskID, script); err != nil && ctx.Err() == nil {
					return fmt.Errorf("could not play script: %w", err)
				}
				// Keep serving the replay log once the script finished.
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Context cancellation (from parent signal handling).
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}
