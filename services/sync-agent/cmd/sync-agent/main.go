package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Shvan11/shwnod-sync/libs/appointment"
	"github.com/Shvan11/shwnod-sync/libs/config"
	"github.com/Shvan11/shwnod-sync/libs/httpx"
	otelx "github.com/Shvan11/shwnod-sync/libs/otel"
	"github.com/Shvan11/shwnod-sync/libs/runtime"
	"github.com/Shvan11/shwnod-sync/services/sync-agent/internal/actionid"
	"github.com/Shvan11/shwnod-sync/services/sync-agent/internal/apiclient"
	"github.com/Shvan11/shwnod-sync/services/sync-agent/internal/consumer"
	"github.com/Shvan11/shwnod-sync/services/sync-agent/internal/orchestrator"
	"github.com/Shvan11/shwnod-sync/services/sync-agent/internal/syncmetrics"
	"github.com/Shvan11/shwnod-sync/services/sync-agent/internal/windows"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "sync-agent")
	port, err := config.Port("PORT", "8091")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	redisAddr, err := config.RequiredString("REDIS_ADDR")
	if err != nil {
		panic(err)
	}
	redisDB := 0
	if v, err := strconv.Atoi(config.String("REDIS_DB", "0")); err == nil && v >= 0 {
		redisDB = v
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       redisDB,
	})
	defer func() { _ = rdb.Close() }()

	instanceID := uuid.NewString()
	store := windows.NewRedisStore(rdb, config.String("WINDOW_SLOT_PREFIX", "windows"), instanceID, logger)
	coordinator := windows.NewCoordinator(store, logger, windows.Config{
		InstanceID:        instanceID,
		HeartbeatInterval: config.Duration("WINDOW_HEARTBEAT_INTERVAL", 2*time.Second),
		TimeoutMultiple:   config.Int("WINDOW_TIMEOUT_MULTIPLE", 3),
		SweepInterval:     config.Duration("WINDOW_SWEEP_INTERVAL", 10*time.Second),
		Events: windows.Events{
			OnFocus: func(name, url string) {
				logger.Info("focus request received", "name", name, "url", url)
			},
		},
	})

	station := config.String("STATION_SLOT", "appointments-today")
	branch, err := coordinator.OpenOrFocus(ctx, "", station)
	if err != nil {
		logger.Error("station slot claim failed", "err", err)
		panic(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = coordinator.Close(shutdownCtx)
	}()

	metrics := syncmetrics.New()

	if branch == windows.BranchOpened {
		actions := actionid.New(logger, actionid.Config{
			TTL:        config.Duration("ACTION_TTL", 5*time.Minute),
			SweepEvery: config.Duration("ACTION_SWEEP_INTERVAL", time.Minute),
		})
		go actions.Run(ctx)

		api := apiclient.New(config.String("APPOINTMENT_API_URL", "http://appointment-service:8090"))

		orch := orchestrator.New(logger, actions, api, api, metrics, orchestrator.Config{
			OutOfOrderTolerance: config.Duration("OUT_OF_ORDER_TOLERANCE", 2*time.Second),
			OnReload: func(appts []appointment.Appointment) {
				logger.Info("day sheet reloaded", "appointments", len(appts))
			},
		})

		eventConsumer := consumer.New(logger, consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", "sync-agent-"+instanceID),
			Topic:   config.String("KAFKA_CONSUME_TOPIC", "clinic.appointment.changed.v1"),
			OnReconnect: func() {
				orch.Reconnected(context.WithoutCancel(ctx))
			},
		}, orch.HandleMessage)
		go eventConsumer.Run(ctx)

		go func() {
			ticker := time.NewTicker(config.Duration("METRICS_SUMMARY_INTERVAL", time.Minute))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					metrics.LogSummary(logger)
				}
			}
		}()
	} else {
		// Another live agent already serves this station. Running a second
		// consumer would double every reload for the same sheet, so only
		// the debug surface stays up.
		logger.Warn("another agent owns this station, sync pipeline not started", "station", station)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}},
	)
	mux.HandleFunc("/debug/syncz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			metrics.Reset()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"instance_id": instanceID,
			"station":     station,
			"healthy":     metrics.Healthy(),
			"metrics":     metrics.Snapshot(),
		})
	})

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "sync-agent")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
