package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/enrollment-mailer/internal/calendar"
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

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sender <command> [flags]

commands:
  init          build a batch from the schedule (or bulk) and insert tracking rows
  send          claim and send a chunk of a batch
  retry         reset failed rows and send them again
  resume        continue a partially processed batch
  status        print a batch's aggregate counts
  check-status  reconcile delivery status with the provider`)
	os.Exit(2)
}

type app struct {
	cfg      *config.Config
	db       *sql.DB
	store    *tracking.Store
	loader   contacts.Loader
	pipeline *pipeline.Pipeline
}

// delayMS < 0 keeps the config value; 0 disables the inter-send pause.
func newApp(configPath string, live bool, delayMS int) *app {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	mode := tracking.ModeTest
	if live {
		if !cfg.Sending.ProductionSendingEnabled {
			log.Fatal("Refusing --live: production sending is disabled in config")
		}
		mode = tracking.ModeProduction
	} else if !cfg.Sending.TestSendingEnabled() {
		log.Fatal("Test sending is disabled in config")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	store := tracking.NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
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
	default:
		gw = gateway.NewSendGrid(cfg.SendGrid.APIKey)
	}

	// With Redis off the lock falls back to a Postgres advisory lock on db.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	lockFactory := func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, ttl)
	}

	delay := cfg.Sending.Delay()
	if delayMS == 0 {
		delay = -1
	} else if delayMS > 0 {
		delay = time.Duration(delayMS) * time.Millisecond
	}

	pl := pipeline.New(store, loader, gw, template.NewRenderer(), lockFactory, &cfg.Organization, pipeline.Options{
		OrgID:            cfg.Contacts.OrgID,
		Mode:             mode,
		DryRun:           cfg.Sending.DryRunEnabled(),
		TestEmails:       cfg.Sending.TestEmails,
		Delay:            delay,
		GatewayTimeout:   gatewayTimeout,
		StatusStaleAfter: time.Duration(cfg.Sending.StatusStaleMinutes) * time.Minute,
		DeliveredGrace:   time.Duration(cfg.Sending.DeliveredGraceHours) * time.Hour,
	})

	return &app{cfg: cfg, db: db, store: store, loader: loader, pipeline: pl}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "init":
		cmdInit(ctx, os.Args[2:])
	case "send":
		cmdSend(ctx, os.Args[2:])
	case "retry":
		cmdRetry(ctx, os.Args[2:])
	case "resume":
		cmdResume(ctx, os.Args[2:])
	case "status":
		cmdStatus(ctx, os.Args[2:])
	case "check-status":
		cmdCheckStatus(ctx, os.Args[2:])
	default:
		usage()
	}
}

func cmdInit(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	scopeStr := fs.String("scope", string(pipeline.ScopeToday), "today|next_7_days|next_30_days|next_90_days|bulk")
	kindStr := fs.String("kind", "", "email kind for bulk scope")
	dateStr := fs.String("date", "", "scheduled date for bulk scope, YYYY-MM-DD (default today)")
	live := fs.Bool("live", false, "insert as a production batch")
	fs.Parse(args)

	scope, err := pipeline.ParseScope(*scopeStr)
	if err != nil {
		log.Fatalf("Invalid scope: %v", err)
	}

	a := newApp(*configPath, *live, -1)
	defer a.db.Close()

	list, err := a.loader.LoadAll(ctx, a.cfg.Contacts.OrgID)
	if err != nil {
		log.Fatalf("Failed to load contacts: %v", err)
	}
	log.Printf("Loaded %d contacts", len(list))

	now := calendar.Normalize(time.Now())
	var intents []scheduler.Intent
	if scope == pipeline.ScopeBulk {
		if *kindStr == "" {
			log.Fatal("Bulk scope requires --kind")
		}
		kind, err := scheduler.ParseKind(*kindStr)
		if err != nil {
			log.Fatalf("Invalid kind: %v", err)
		}
		date := now
		if *dateStr != "" {
			if date, err = calendar.Parse(*dateStr); err != nil {
				log.Fatalf("Invalid date: %v", err)
			}
		}
		intents = pipeline.BulkIntents(list, kind, date)
	} else {
		rulesCfg := rules.Default()
		if a.cfg.RulesPath != "" {
			if rulesCfg, err = rules.Load(a.cfg.RulesPath); err != nil {
				log.Fatalf("Failed to load rules: %v", err)
			}
		}
		start, end, _ := scope.Window(now)
		processor := scheduler.NewProcessor(scheduler.NewEngine(rules.NewEngine(rulesCfg)), 0)
		intents, _, err = processor.Intents(ctx, list, start, end)
		if err != nil {
			log.Fatalf("Scheduling failed: %v", err)
		}
	}

	batchID, rows, err := a.pipeline.InsertScheduled(ctx, intents, scope, now)
	if err != nil {
		log.Fatalf("Failed to insert batch: %v", err)
	}
	if batchID == "" {
		log.Println("Nothing to send for this scope")
		return
	}
	log.Printf("Batch %s created with %d rows", batchID, len(rows))
	printJSON(map[string]interface{}{"batch_id": batchID, "rows": len(rows)})
}

func batchFlags(fs *flag.FlagSet) (configPath, batchID *string, chunk, delay *int, live *bool) {
	configPath = fs.String("config", "config.yaml", "path to config file")
	batchID = fs.String("batch", "", "batch id")
	chunk = fs.Int("chunk", 0, "chunk size, 0 for config default")
	delay = fs.Int("delay", -1, "delay between sends in milliseconds (not seconds); 0 disables, -1 uses config")
	live = fs.Bool("live", false, "operate on a production batch")
	return
}

func (a *app) chunkSize(n int) int {
	if n > 0 {
		return n
	}
	return a.cfg.Sending.ChunkSize
}

func cmdSend(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath, batchID, chunk, delay, live := batchFlags(fs)
	fs.Parse(args)
	if *batchID == "" {
		log.Fatal("send requires --batch")
	}

	a := newApp(*configPath, *live, *delay)
	defer a.db.Close()

	report, err := a.pipeline.ProcessChunk(ctx, *batchID, a.chunkSize(*chunk))
	if err != nil {
		log.Fatalf("Send failed: %v", err)
	}
	printJSON(report)
}

func cmdRetry(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	configPath, batchID, chunk, delay, live := batchFlags(fs)
	fs.Parse(args)
	if *batchID == "" {
		log.Fatal("retry requires --batch")
	}

	a := newApp(*configPath, *live, *delay)
	defer a.db.Close()

	report, err := a.pipeline.RetryFailed(ctx, *batchID, a.chunkSize(*chunk))
	if err != nil {
		log.Fatalf("Retry failed: %v", err)
	}
	printJSON(report)
}

func cmdResume(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath, batchID, chunk, delay, live := batchFlags(fs)
	fs.Parse(args)
	if *batchID == "" {
		log.Fatal("resume requires --batch")
	}

	a := newApp(*configPath, *live, *delay)
	defer a.db.Close()

	report, err := a.pipeline.Resume(ctx, *batchID, a.chunkSize(*chunk))
	if err != nil {
		log.Fatalf("Resume failed: %v", err)
	}
	printJSON(report)
}

func cmdStatus(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath, batchID, _, _, live := batchFlags(fs)
	fs.Parse(args)

	a := newApp(*configPath, *live, -1)
	defer a.db.Close()

	if *batchID != "" {
		b, err := a.pipeline.Status(ctx, *batchID)
		if err != nil {
			log.Fatalf("Status failed: %v", err)
		}
		printJSON(b)
		return
	}
	batches, err := a.store.ListBatches(ctx, a.cfg.Contacts.OrgID, tracking.BatchFilter{Limit: 20})
	if err != nil {
		log.Fatalf("Status failed: %v", err)
	}
	printJSON(batches)
}

func cmdCheckStatus(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("check-status", flag.ExitOnError)
	configPath, batchID, _, _, live := batchFlags(fs)
	fs.Parse(args)
	if *batchID == "" {
		log.Fatal("check-status requires --batch")
	}

	a := newApp(*configPath, *live, -1)
	defer a.db.Close()

	report, err := a.pipeline.UpdateDeliveryStatus(ctx, *batchID)
	if err != nil {
		log.Fatalf("Status check failed: %v", err)
	}
	printJSON(report)
}
