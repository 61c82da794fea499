/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the clinic billing engine: the HTTP API, the
  daily reminder job and the delivery ledger sweep. Handles configuration,
  dependency injection and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment, flags override)
  2. Open the SQL store (sqlite3 or postgres) and apply the schema
  3. Build the notification channels (email over HTTP or SMTP, WhatsApp)
  4. Wire quota guard, delivery ledger, pipeline and orchestrator
  5. Start the cron scheduler
  6. Start the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      Database DSN (overrides DB_CONN)
           Use ":memory:" with sqlite3 for a throwaway database
  -demo    Mount the demo scenario loaders under /api/scenarios

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, waiting for a running job
  4. Close the database connection

ENVIRONMENT:
  See config/config.go for every variable and its default.

SEE ALSO:
  - api/server.go:         Router configuration
  - reminder/scheduler.go: Cron jobs
  - store/sqlstore:        Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicflow/billing-engine/api"
	"github.com/clinicflow/billing-engine/billing"
	"github.com/clinicflow/billing-engine/config"
	"github.com/clinicflow/billing-engine/ledger"
	"github.com/clinicflow/billing-engine/notify"
	"github.com/clinicflow/billing-engine/quota"
	"github.com/clinicflow/billing-engine/reminder"
	"github.com/clinicflow/billing-engine/store/sqlstore"
	"github.com/sirupsen/logrus"
)

func main() {
	port := flag.String("port", "", "HTTP server port (overrides PORT)")
	dsn := flag.String("db", "", "database DSN (overrides DB_CONN)")
	demo := flag.Bool("demo", false, "mount /api/scenarios demo loaders")
	flag.Parse()

	cfg, err := config.NewConfig()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *dsn != "" {
		cfg.DBConn = *dsn
	}
	log := cfg.Logger()

	store, err := sqlstore.New(cfg.DBDriver, cfg.DBConn)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Notification channels
	channels := []notify.NotificationChannel{emailChannel(cfg)}
	if cfg.WhatsAppEnabled() {
		channels = append(channels, notify.NewWhatsApp(cfg.TwilioAPIURL, cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppFrom))
	} else {
		log.Warn("twilio credentials not set, whatsapp channel disabled")
	}
	dispatcher := notify.NewDispatcher(log, cfg.DispatchTimeout, channels...)

	// Billing and delivery pipeline
	plans := billing.NewPlanService(store, log)
	if !cfg.RoundingUnit.IsZero() {
		plans.RoundingIncrement = cfg.RoundingUnit
	}
	guard := quota.NewGuard(store, cfg.QuotaMode, log)
	deliveries := ledger.New(store, log)
	pipeline := reminder.NewDeliveryPipeline(guard, deliveries, dispatcher, log)
	pipeline.StoreTimeout = cfg.StoreTimeout

	orch := reminder.NewOrchestrator(store, store, pipeline, log)
	orch.Runs = store
	orch.Channel = cfg.ReminderChannel
	orch.AppointmentLookahead = cfg.AppointmentLookahead
	orch.StoreTimeout = cfg.StoreTimeout
	orch.Messages = reminder.Messages{
		ClinicName:             cfg.ClinicName,
		InstallmentTemplateSID: cfg.InstallmentTemplateSID,
		AppointmentTemplateSID: cfg.AppointmentTemplateSID,
	}

	scheduler := reminder.NewScheduler(orch, store, deliveries, log)
	scheduler.ReminderSpec = cfg.ReminderCron
	scheduler.SweepSpec = cfg.LedgerSweepCron
	scheduler.StaleAfter = cfg.LedgerStaleAfter
	if err := scheduler.Start(); err != nil {
		log.WithError(err).Fatal("failed to start scheduler")
	}

	// HTTP API
	handler := api.NewHandler(plans, deliveries, guard, pipeline, orch, log)
	handler.Runs = store
	handler.Store = store
	if *demo {
		handler.Demo = store
	}
	router := api.NewRouter(handler, api.NewAuthenticator(cfg.JWTSecret))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.DispatchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"port":            cfg.Port,
			"db_driver":       cfg.DBDriver,
			"email_transport": cfg.EmailTransport,
			"quota_mode":      cfg.QuotaMode,
			"reminder_cron":   cfg.ReminderCron,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	scheduler.Stop(ctx)

	log.Info("server stopped")
}

func emailChannel(cfg *config.Config) notify.NotificationChannel {
	if cfg.EmailTransport == "smtp" {
		return notify.NewSMTPEmail(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom)
	}
	return notify.NewHTTPEmail(cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom)
}
