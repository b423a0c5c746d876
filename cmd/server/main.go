package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/enrollment-mailer/internal/api"
	"github.com/ignite/enrollment-mailer/internal/config"
	"github.com/ignite/enrollment-mailer/internal/contacts"
	"github.com/ignite/enrollment-mailer/internal/gateway"
	"github.com/ignite/enrollment-mailer/internal/pipeline"
	"github.com/ignite/enrollment-mailer/internal/pkg/distlock"
	"github.com/ignite/enrollment-mailer/internal/rules"
	"github.com/ignite/enrollment-mailer/internal/scheduler"
	"github.com/ignite/enrollment-mailer/internal/template"
	"github.com/ignite/enrollment-mailer/internal/tracking"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	live := flag.Bool("live", false, "serve the production pipeline")
	flag.Parse()

	log.Println("Starting enrollment mailer server...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	mode := tracking.ModeTest
	if *live {
		if !cfg.Sending.ProductionSendingEnabled {
			log.Fatal("Refusing --live: production sending is disabled in config")
		}
		mode = tracking.ModeProduction
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	store := tracking.NewStore(db)
	if err := store.EnsureSchema(pingCtx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	var loader contacts.Loader
	switch cfg.Contacts.Source {
	case "database":
		loader = contacts.NewDBLoader(db)
	default:
		loader = contacts.NewFileLoader(cfg.Contacts.Path)
	}

	var gw gateway.Gateway
	gatewayTimeout := cfg.SendGrid.Timeout()
	switch {
	case cfg.SES.Enabled:
		gw, err = gateway.NewSES(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
		if err != nil {
			log.Fatalf("Failed to build SES gateway: %v", err)
		}
		gatewayTimeout = cfg.SES.Timeout()
		log.Println("Using SES gateway")
	default:
		gw = gateway.NewSendGrid(cfg.SendGrid.APIKey)
		log.Println("Using SendGrid gateway")
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		log.Printf("Batch locking via Redis at %s", cfg.Redis.Addr)
	} else {
		log.Println("Batch locking via Postgres advisory locks")
	}
	lockFactory := func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, ttl)
	}

	pl := pipeline.New(store, loader, gw, template.NewRenderer(), lockFactory, &cfg.Organization, pipeline.Options{
		OrgID:            cfg.Contacts.OrgID,
		Mode:             mode,
		DryRun:           cfg.Sending.DryRunEnabled(),
		TestEmails:       cfg.Sending.TestEmails,
		Delay:            cfg.Sending.Delay(),
		GatewayTimeout:   gatewayTimeout,
		StatusStaleAfter: time.Duration(cfg.Sending.StatusStaleMinutes) * time.Minute,
		DeliveredGrace:   time.Duration(cfg.Sending.DeliveredGraceHours) * time.Hour,
	})

	rulesCfg := rules.Default()
	if cfg.RulesPath != "" {
		if rulesCfg, err = rules.Load(cfg.RulesPath); err != nil {
			log.Fatalf("Failed to load rules: %v", err)
		}
	}
	if err := rulesCfg.Validate(); err != nil {
		log.Fatalf("Invalid rules: %v", err)
	}
	processor := scheduler.NewProcessor(scheduler.NewEngine(rules.NewEngine(rulesCfg)), 0)

	handlers := api.NewHandlers(cfg.Contacts.OrgID, cfg.Sending.ChunkSize, store, pl, processor, loader)
	server := api.NewServer(cfg.Server, handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	go func() {
		log.Printf("Listening on %s (mode=%s, dry_run=%v)", addr, mode, cfg.Sending.DryRunEnabled())
		if err := server.ListenAndServe(addr); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
