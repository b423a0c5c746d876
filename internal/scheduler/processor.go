package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/enrollment-mailer/internal/contacts"
	"github.com/ignite/enrollment-mailer/internal/pkg/logger"
)

// DefaultWorkers bounds the scheduling fan-out when the caller does not.
const DefaultWorkers = 16

// Processor fans scheduling out across contacts with bounded concurrency and
// gathers a deterministic result regardless of completion order.
type Processor struct {
	engine  *Engine
	workers int
}

// NewProcessor wraps an engine. workers <= 0 selects DefaultWorkers.
func NewProcessor(engine *Engine, workers int) *Processor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Processor{engine: engine, workers: workers}
}

type contactIntents struct {
	contactID string
	scheduled []Intent
	skipped   []Intent
}

func (p *Processor) run(ctx context.Context, list []*contacts.Contact, start, end time.Time) []contactIntents {
	results := make([]contactIntents, len(list))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					return
				}
				c := list[i]
				s, k := p.engine.Schedule(c, start, end)
				results[i] = contactIntents{contactID: c.ID, scheduled: s, skipped: k}
			}
		}()
	}

feed:
	for i := range list {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	return results
}

// Run schedules every contact over [start, end] and returns per-contact
// results sorted by contact id. Cancellation discards partial results.
func (p *Processor) Run(ctx context.Context, list []*contacts.Contact, start, end time.Time) ([]ContactResult, error) {
	per, err := p.gather(ctx, list, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]ContactResult, 0, len(per))
	for _, ci := range per {
		out = append(out, BuildResult(ci.contactID, ci.scheduled, ci.skipped))
	}
	return out, nil
}

// Intents schedules every contact and returns the flattened scheduled and
// skipped intents in canonical order, for callers that persist rather than
// report.
func (p *Processor) Intents(ctx context.Context, list []*contacts.Contact, start, end time.Time) (scheduled, skipped []Intent, err error) {
	per, err := p.gather(ctx, list, start, end)
	if err != nil {
		return nil, nil, err
	}
	for _, ci := range per {
		scheduled = append(scheduled, ci.scheduled...)
		skipped = append(skipped, ci.skipped...)
	}
	sort.SliceStable(scheduled, func(i, j int) bool { return Less(scheduled[i], scheduled[j]) })
	sort.SliceStable(skipped, func(i, j int) bool { return Less(skipped[i], skipped[j]) })
	return scheduled, skipped, nil
}

func (p *Processor) gather(ctx context.Context, list []*contacts.Contact, start, end time.Time) ([]contactIntents, error) {
	results := p.run(ctx, list, start, end)
	if err := ctx.Err(); err != nil {
		logger.Warn("scheduling cancelled, discarding partial results", "contacts", len(list))
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].contactID < results[j].contactID })
	return results, nil
}
