package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jrsteele09/go-session-keeper/health"
	"github.com/jrsteele09/go-session-keeper/internal/config"
	"github.com/jrsteele09/go-session-keeper/keeper"
	"github.com/jrsteele09/go-session-keeper/renewal"
	"github.com/jrsteele09/go-session-keeper/scheduler"
	"github.com/jrsteele09/go-session-keeper/session"
	"github.com/jrsteele09/go-session-keeper/sink"
	"github.com/jrsteele09/go-session-keeper/store"
	"github.com/jrsteele09/go-session-keeper/store/inmemory"
	"github.com/jrsteele09/go-session-keeper/store/redisstore"
)

func main() {
	for {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error running keeper: %s\n", err)
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	fmt.Println("Keeper stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	cfg := config.New()
	logger := newLogger(cfg)
	displayAppname(cfg.GetAppName())

	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.GetRedisPassword(),
		DB:       cfg.GetRedisDB(),
	})
	defer redisClient.Close()

	primary, err := redisstore.New(redisClient)
	if err != nil {
		return fmt.Errorf("redisstore.New: %w", err)
	}
	kv, err := store.NewResilient(primary, inmemory.New(nil), logger)
	if err != nil {
		return fmt.Errorf("store.NewResilient: %w", err)
	}

	automationSource, err := session.NewAutomationSource(kv)
	if err != nil {
		return fmt.Errorf("session.NewAutomationSource: %w", err)
	}
	sessions, err := session.NewStore(kv, cfg, logger, session.WithFallbackSource(automationSource))
	if err != nil {
		return fmt.Errorf("session.NewStore: %w", err)
	}
	healthTracker, err := health.NewTracker(kv, sessions, cfg, logger)
	if err != nil {
		return fmt.Errorf("health.NewTracker: %w", err)
	}

	prober, err := renewal.NewHTTPProbe(cfg.GetProbeURL(), cfg.GetProbeTimeout(), logger)
	if err != nil {
		return fmt.Errorf("renewal.NewHTTPProbe: %w", err)
	}
	login, err := renewal.NewAutomationLogin(kv, automationSource, logger)
	if err != nil {
		return fmt.Errorf("renewal.NewAutomationLogin: %w", err)
	}
	workflow, err := renewal.NewWorkflow(sessions, prober, login, healthTracker, cfg, logger)
	if err != nil {
		return fmt.Errorf("renewal.NewWorkflow: %w", err)
	}
	orchestrator, err := scheduler.New(sessions, workflow, healthTracker, cfg, logger)
	if err != nil {
		return fmt.Errorf("scheduler.New: %w", err)
	}

	keeperOptions := []keeper.Option{}
	mongoClient, notifier := connectSink(ctx, cfg, logger)
	if mongoClient != nil {
		defer mongoClient.Disconnect(ctx)
	}
	if notifier != nil {
		keeperOptions = append(keeperOptions, keeper.WithNotifier(notifier))
	}

	k, err := keeper.New(sessions, workflow, orchestrator, cfg, logger, keeperOptions...)
	if err != nil {
		return fmt.Errorf("keeper.New: %w", err)
	}

	k.StartScheduler(ctx)
	defer k.StopScheduler()

	metricsServer := &http.Server{Addr: cfg.GetMetricsAddr(), Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("addr", metricsServer.Addr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	waitForStopSignal()
	return shutdown(metricsServer)
}

// connectSink wires the dashboard document database. The sink is optional:
// when Mongo is unreachable the keeper runs without it and renewal work is
// unaffected.
func connectSink(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*mongo.Client, sink.Notifier) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.GetMongoURI()))
	if err != nil {
		logger.Warn().Err(err).Msg("dashboard sink unavailable, continuing without it")
		return nil, nil
	}
	notifier, err := sink.NewMongoNotifier(client.Database(cfg.GetMongoDatabase()))
	if err != nil {
		logger.Warn().Err(err).Msg("dashboard sink unavailable, continuing without it")
		return client, nil
	}
	return client, notifier
}

func newLogger(cfg config.Config) zerolog.Logger {
	if cfg.GetEnv() == "DEV" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
