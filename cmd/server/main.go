package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/shiva/ridehail/config"
	"github.com/shiva/ridehail/internal/eventbus"
	"github.com/shiva/ridehail/internal/gateway"
	"github.com/shiva/ridehail/internal/handler"
	"github.com/shiva/ridehail/internal/middleware"
	"github.com/shiva/ridehail/internal/repository"
	"github.com/shiva/ridehail/internal/service"
	"github.com/shiva/ridehail/pkg/cache"
	"github.com/shiva/ridehail/pkg/db"
)

func main() {
	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// ── Connect to PostgreSQL ───────────────────────────
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	defer pgPool.Close()
	log.Println("✓ PostgreSQL connected")

	// ── Connect to Redis ────────────────────────────────
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("✓ Redis connected")

	// ── Connect to the event bus ────────────────────────
	publisher, err := eventbus.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
	if err != nil {
		log.Fatalf("failed to connect event bus publisher: %v", err)
	}
	defer publisher.Close()

	consumer, err := eventbus.NewConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.ConsumerName, []eventbus.Topic{
		eventbus.TopicBookingCreated,
		eventbus.TopicBookingAccepted,
		eventbus.TopicBookingTaken,
		eventbus.TopicBookingRejected,
		eventbus.TopicBookingCancelled,
		eventbus.TopicBookingCompleted,
		eventbus.TopicTripStarted,
		eventbus.TopicTripUpdated,
		eventbus.TopicTripEnded,
		eventbus.TopicPaymentUpdated,
	}, cfg.RabbitMQ.Prefetch)
	if err != nil {
		log.Fatalf("failed to connect event bus consumer: %v", err)
	}
	defer consumer.Close()
	log.Println("✓ RabbitMQ connected")

	// ── Initialize repositories ──────────────────────────
	bookingRepo := repository.NewBookingRepository(pgPool)
	driverRepo := repository.NewDriverRepository(pgPool)
	notificationRepo := repository.NewNotificationRepository(pgPool)
	kvsRepo := repository.NewKVSRepository(redisClient)
	ledger := eventbus.NewIdempotencyLedger(redisClient)

	// ── Initialize collaborators ─────────────────────────
	hub := gateway.NewHub()
	trackingClient := service.NewTrackingClient(cfg.Tracking.BaseURL, cfg.Tracking.Timeout)

	// ── Initialize services ──────────────────────────────
	matchingSvc := service.NewMatchingService(driverRepo, bookingRepo, kvsRepo, cfg.Matching)
	bookingSvc := service.NewBookingService(bookingRepo, kvsRepo, matchingSvc, trackingClient, publisher, cfg.Booking)
	notificationSvc := service.NewNotificationService(notificationRepo, hub, ledger)
	reaper := service.NewTimeoutReaper(bookingSvc, cfg.Booking.ReaperInterval, time.Duration(cfg.Booking.TimeoutMinutes)*time.Minute, cfg.Booking.AutoCancelEnabled)

	// ── Background workers ───────────────────────────────
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	go reaper.Run(workerCtx)
	go func() {
		if err := notificationSvc.Subscribe(workerCtx, consumer); err != nil {
			log.Printf("[eventbus] notification subscriber stopped: %v", err)
		}
	}()

	// ── Initialize handlers ───────────────────────────────
	bookingHandler := handler.NewBookingHandler(bookingSvc)
	rpcHandler := handler.NewRPCHandler(matchingSvc, trackingClient, hub)

	// ── Setup router ────────────────────────────────────
	router := mux.NewRouter()
	router.Use(middleware.RequestLogger, middleware.Recoverer)

	// Health check endpoint.
	router.HandleFunc("/health", healthHandler(pgPool, redisClient)).Methods(http.MethodGet)

	// Realtime session gateway.
	router.HandleFunc("/ws", hub.ServeWS)

	// Customer/driver-facing booking surface, bearer/gateway-header authenticated.
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth(cfg.JWT.SigningKey))
	api.HandleFunc("/bookings", bookingHandler.CreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings", bookingHandler.ListBookings).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}", bookingHandler.GetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/accept", bookingHandler.AcceptBooking).Methods(http.MethodPut)
	api.HandleFunc("/bookings/{id}/reject", bookingHandler.RejectBooking).Methods(http.MethodPut)
	api.HandleFunc("/bookings/{id}/cancel", bookingHandler.CancelBooking).Methods(http.MethodPut)
	api.HandleFunc("/bookings/{id}", bookingHandler.DeleteBooking).Methods(http.MethodDelete)

	// Internal RPC surface, not bearer-authenticated.
	rpc := router.PathPrefix("/api/v1/rpc").Subrouter()
	rpc.HandleFunc("/find-drivers", rpcHandler.FindDrivers).Methods(http.MethodPost)
	rpc.HandleFunc("/bookings/{id}/rematch", rpcHandler.RematchDriversForBooking).Methods(http.MethodPost)
	rpc.HandleFunc("/drivers/{driverId}/availability", rpcHandler.CheckDriverAvailability).Methods(http.MethodGet)
	rpc.HandleFunc("/bookings/{id}/match-driver", rpcHandler.MatchDriverToBooking).Methods(http.MethodPost)
	rpc.HandleFunc("/drivers/{driverId}/active-trip", rpcHandler.GetDriverActiveTrip).Methods(http.MethodGet)
	rpc.HandleFunc("/send-to-driver", rpcHandler.SendToDriver).Methods(http.MethodPost)
	rpc.HandleFunc("/send-to-customer", rpcHandler.SendToCustomer).Methods(http.MethodPost)
	rpc.HandleFunc("/broadcast-nearby-drivers", rpcHandler.BroadcastToNearbyDrivers).Methods(http.MethodPost)
	rpc.HandleFunc("/connection-stats", rpcHandler.GetConnectionStats).Methods(http.MethodGet)

	// Wrap with CORS so browser clients (Swagger UI, driver/customer web apps) can call the API.
	rootHandler := middleware.CORS(router)

	// ── Start HTTP server ───────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.ServerAddr(),
		Handler:      rootHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start in a goroutine so we can listen for shutdown signals.
	go func() {
		log.Printf("🚀 Server listening on %s", cfg.Server.ServerAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// ── Graceful shutdown ───────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("⏳ Shutting down server...")

	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("✅ Server gracefully stopped")
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// healthHandler returns an HTTP handler that checks PostgreSQL and Redis
// connectivity. RabbitMQ's connection is checked at startup only — amqp091-go
// has no lightweight ping, and a broken channel surfaces via publish/consume
// failures instead.
func healthHandler(pgPool *pgxpool.Pool, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Services: make(map[string]string),
		}

		if err := db.HealthCheck(r.Context(), pgPool); err != nil {
			resp.Status = "degraded"
			resp.Services["postgres"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["postgres"] = "healthy"
		}

		if err := cache.HealthCheck(r.Context(), redisClient); err != nil {
			resp.Status = "degraded"
			resp.Services["redis"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["redis"] = "healthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
