package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/enrollment-mailer/internal/calendar"
	"github.com/ignite/enrollment-mailer/internal/contacts"
	"github.com/ignite/enrollment-mailer/internal/rules"
	"github.com/ignite/enrollment-mailer/internal/scheduler"
)

func main() {
	var (
		input     = flag.String("input", "", "path to the contacts JSON export")
		output    = flag.String("output", "", "write results to this file instead of stdout")
		startStr  = flag.String("start", "", "range start, YYYY-MM-DD")
		endStr    = flag.String("end", "", "range end, YYYY-MM-DD")
		rulesPath = flag.String("rules", "", "optional rule overrides YAML")
		orgID     = flag.Int("org", 1, "organization id")
		parallel  = flag.Int("parallel", 0, "worker count, 0 for default")
	)
	flag.Parse()

	if *input == "" || *startStr == "" || *endStr == "" {
		log.Fatal("usage: scheduler --input contacts.json --start 2024-01-01 --end 2024-12-31")
	}
	start, err := calendar.Parse(*startStr)
	if err != nil {
		log.Fatalf("Invalid start date: %v", err)
	}
	end, err := calendar.Parse(*endStr)
	if err != nil {
		log.Fatalf("Invalid end date: %v", err)
	}
	if end.Before(start) {
		log.Fatal("End date is before start date")
	}

	cfg := rules.Default()
	if *rulesPath != "" {
		if cfg, err = rules.Load(*rulesPath); err != nil {
			log.Fatalf("Failed to load rules: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid rules: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	list, err := contacts.NewFileLoader(*input).LoadAll(ctx, *orgID)
	if err != nil {
		log.Fatalf("Failed to load contacts: %v", err)
	}
	log.Printf("Loaded %d contacts", len(list))

	processor := scheduler.NewProcessor(scheduler.NewEngine(rules.NewEngine(cfg)), *parallel)
	results, err := processor.Run(ctx, list, start, end)
	if err != nil {
		log.Fatalf("Scheduling failed: %v", err)
	}

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatalf("Failed to create output file: %v", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		log.Fatalf("Failed to write results: %v", err)
	}

	scheduled, skipped := 0, 0
	for _, r := range results {
		scheduled += len(r.Emails)
		skipped += len(r.Skipped)
	}
	log.Printf("Done: %d contacts, %d scheduled, %d skipped", len(results), scheduled, skipped)
}
