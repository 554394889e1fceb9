package cmd

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"qrauth/config"
	"qrauth/internal/actions"
	"qrauth/internal/audit"
	"qrauth/internal/handlers"
	"qrauth/internal/services"
	"qrauth/internal/store"
	_ "qrauth/migrations"
	"qrauth/monitoring"
	"qrauth/security"
	"qrauth/utils"

	"github.com/labstack/echo/v5"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL)
	defer redisClient.Close()

	// Initialize PubNub
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	pn := pubnub.NewPubNub(pnConfig)

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services. The action registry must cover every declared
	// action type; an incomplete registry is fatal here, at startup.
	st := store.New(redisClient)
	registry := actions.MustRegistry(actions.DefaultHandlers())

	ticketService := services.NewTicketService(st, registry, cfg)
	pollingService := services.NewPollingService(st, ticketService, cfg)
	realtimeService := services.NewRealtimeService(pn)

	ticketService.AddListener(pollingService)
	ticketService.SetBroadcaster(realtimeService)
	ticketService.SetDeliveryIssuer(pollingService)
	ticketService.SetAuditRecorder(audit.NewRecorder(app))

	monitor := monitoring.NewMonitor(redisClient, st, pollingService)

	rateLimiter := security.NewRateLimiter(redisClient, cfg.RateLimitWindow, map[string]int{
		security.ClassCreateTicket: cfg.CreateTicketLimit,
		security.ClassExchange:     cfg.ExchangeLimit,
		security.ClassGeneric:      cfg.GenericLimit,
	}, cfg.PollMarkerTTL)

	// Initialize handlers
	ticketHandler := handlers.NewTicketHandler(app, ticketService, monitor)
	pollHandler := handlers.NewPollHandler(app, pollingService, monitor)
	realtimeHandler := handlers.NewRealtimeHandler(app, realtimeService, ticketService, cfg)
	adminHandler := handlers.NewAdminHandler(app, st, redisClient)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Metrics/ops server on its own port
	if cfg.EnableMetrics {
		go startMetricsServer(cfg)
	}

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		// Ticket endpoints
		e.Router.POST("/api/v1/tickets", ticketHandler.CreateTicket).
			BindFunc(rateLimiter.Middleware(security.ClassCreateTicket))
		e.Router.GET("/api/v1/tickets/{ticketId}/preview", ticketHandler.GetPreview).
			BindFunc(rateLimiter.Middleware(security.ClassGeneric))
		e.Router.POST("/api/v1/tickets/{ticketId}/scan", ticketHandler.ScanTicket).
			BindFunc(rateLimiter.Middleware(security.ClassGeneric))
		e.Router.POST("/api/v1/tickets/{ticketId}/approve", ticketHandler.ApproveTicket).
			BindFunc(rateLimiter.Middleware(security.ClassGeneric))
		e.Router.POST("/api/v1/tickets/{ticketId}/reject", ticketHandler.RejectTicket).
			BindFunc(rateLimiter.Middleware(security.ClassGeneric))

		// Delivery endpoints
		e.Router.GET("/api/v1/tickets/{ticketId}/poll", pollHandler.ShortPoll).
			BindFunc(rateLimiter.PollMiddleware(security.ClassShortPoll))
		e.Router.GET("/api/v1/tickets/{ticketId}/wait", pollHandler.LongPoll).
			BindFunc(rateLimiter.PollMiddleware(security.ClassLongPoll))
		e.Router.POST("/api/v1/grants/exchange", ticketHandler.ExchangeGrant).
			BindFunc(rateLimiter.Middleware(security.ClassExchange))
		e.Router.GET("/api/v1/tickets/{ticketId}/delivery", pollHandler.GetDelivery).
			BindFunc(rateLimiter.Middleware(security.ClassExchange))
		e.Router.POST("/api/v1/tickets/{ticketId}/delivery/consume", pollHandler.ConsumeDelivery).
			BindFunc(rateLimiter.Middleware(security.ClassExchange))

		// Realtime room membership
		e.Router.POST("/api/v1/realtime/subscribe", realtimeHandler.Subscribe).
			BindFunc(rateLimiter.Middleware(security.ClassGeneric))
		e.Router.POST("/api/v1/realtime/unsubscribe", realtimeHandler.Unsubscribe)

		// Admin endpoints
		e.Router.GET("/api/v1/admin/ticket-stats", adminHandler.GetTicketStats)

		// Test endpoint for driving the mobile side without a device
		if cfg.Environment == "development" {
			e.Router.POST("/api/v1/test/simulate-approval", ticketHandler.SimulateApproval)
		}

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

// startMetricsServer exposes prometheus metrics and a liveness probe on
// a secondary port, away from the public API.
func startMetricsServer(cfg *config.Config) {
	e := echo.New()
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	server := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: e,
	}

	log.Printf("Metrics server listening on :%s", cfg.MetricsPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("Metrics server stopped: %v", err)
	}
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
