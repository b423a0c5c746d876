package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/enrollment-mailer/internal/calendar"
	"github.com/ignite/enrollment-mailer/internal/contacts"
	"github.com/ignite/enrollment-mailer/internal/gateway"
	"github.com/ignite/enrollment-mailer/internal/pkg/distlock"
	"github.com/ignite/enrollment-mailer/internal/scheduler"
	"github.com/ignite/enrollment-mailer/internal/template"
	"github.com/ignite/enrollment-mailer/internal/tracking"
)

// memStore is an in-memory TrackingStore that enforces the same uniqueness
// and transition rules as the Postgres store.
type memStore struct {
	mu     sync.Mutex
	rows   map[int64]*tracking.Row
	nextID int64
	lease  int64
}

func newMemStore() *memStore {
	return &memStore{rows: map[int64]*tracking.Row{}}
}

func (s *memStore) InsertBatch(_ context.Context, rows []*tracking.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	for _, r := range s.rows {
		seen[rowKey(r)] = true
	}
	for _, r := range rows {
		if r.SendStatus == "" {
			r.SendStatus = tracking.StatusPending
		}
		if seen[rowKey(r)] {
			return tracking.ErrDuplicateRow
		}
		seen[rowKey(r)] = true
	}
	now := time.Now()
	for _, r := range rows {
		s.nextID++
		r.ID = s.nextID
		r.CreatedAt, r.UpdatedAt = now, now
		cp := *r
		s.rows[r.ID] = &cp
	}
	return nil
}

func rowKey(r *tracking.Row) string {
	return fmt.Sprintf("%d/%s/%s/%s/%s", r.OrgID, r.BatchID, r.ContactID, r.EmailType, calendar.Format(r.ScheduledDate))
}

func (s *memStore) GetBatch(_ context.Context, orgID int, batchID string) (*tracking.BatchSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &tracking.BatchSummary{BatchID: batchID}
	for _, r := range s.rows {
		if r.OrgID != orgID || r.BatchID != batchID {
			continue
		}
		b.Mode = r.SendMode
		b.Total++
		switch r.SendStatus {
		case tracking.StatusPending:
			b.Pending++
		case tracking.StatusProcessing:
			b.Processing++
		case tracking.StatusSent, tracking.StatusAccepted, tracking.StatusDelivered:
			b.Sent++
		case tracking.StatusFailed:
			b.Failed++
		case tracking.StatusDeferred:
			b.Deferred++
		case tracking.StatusBounced:
			b.Bounced++
		case tracking.StatusDropped:
			b.Dropped++
		case tracking.StatusSkipped:
			b.Skipped++
		}
	}
	if b.Total == 0 {
		return nil, tracking.ErrNotFound
	}
	return b, nil
}

func (s *memStore) ClaimChunk(_ context.Context, orgID int, batchID string, n int) ([]*tracking.Row, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lease++
	var pending []*tracking.Row
	for _, r := range s.rows {
		if r.OrgID == orgID && r.BatchID == batchID && r.SendStatus == tracking.StatusPending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].ScheduledDate.Equal(pending[j].ScheduledDate) {
			return pending[i].ScheduledDate.Before(pending[j].ScheduledDate)
		}
		return pending[i].ID < pending[j].ID
	})
	if len(pending) > n {
		pending = pending[:n]
	}
	var out []*tracking.Row
	for _, r := range pending {
		r.SendStatus = tracking.StatusProcessing
		cp := *r
		out = append(out, &cp)
	}
	return out, s.lease, nil
}

func (s *memStore) Finalize(_ context.Context, rowID int64, out tracking.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowID]
	if !ok {
		return tracking.ErrNotFound
	}
	if !tracking.CanTransition(r.SendStatus, out.Status) {
		return tracking.ErrBadTransition
	}
	r.SendStatus = out.Status
	if out.Status == tracking.StatusSent || out.Status == tracking.StatusFailed {
		r.AttemptCount++
		now := time.Now()
		r.LastAttemptAt = &now
	}
	if out.Error != "" {
		r.LastError = out.Error
	}
	if out.MessageID != "" {
		r.MessageID = out.MessageID
	}
	if out.DeliveryStatus != "" {
		r.DeliveryStatus = out.DeliveryStatus
		now := time.Now()
		r.StatusCheckedAt = &now
	}
	if out.Details != "" {
		r.StatusDetails = out.Details
	}
	r.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) MarkFailedAsRetryable(_ context.Context, orgID int, batchID string, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.rows {
		if count == n {
			break
		}
		if r.OrgID == orgID && r.BatchID == batchID &&
			r.SendStatus == tracking.StatusFailed && r.AttemptCount < tracking.MaxAttempts {
			r.SendStatus = tracking.StatusPending
			count++
		}
	}
	return count, nil
}

func (s *memStore) StaleRows(_ context.Context, orgID int, batchID string, staleAfter time.Duration) ([]*tracking.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	var out []*tracking.Row
	for _, r := range s.rows {
		if r.OrgID != orgID || r.BatchID != batchID || r.MessageID == "" {
			continue
		}
		switch r.SendStatus {
		case tracking.StatusSent, tracking.StatusAccepted, tracking.StatusDeferred:
		default:
			continue
		}
		if r.StatusCheckedAt == nil || r.StatusCheckedAt.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) RecordStatusCheck(_ context.Context, rowID int64, deliveryStatus, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowID]
	if !ok {
		return tracking.ErrNotFound
	}
	now := time.Now()
	r.StatusCheckedAt = &now
	if deliveryStatus != "" {
		r.DeliveryStatus = deliveryStatus
	}
	if details != "" {
		r.StatusDetails = details
	}
	return nil
}

func (s *memStore) row(id int64) *tracking.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.rows[id]
	return &cp
}

// memResolver serves contacts from a map.
type memResolver struct{ byID map[string]*contacts.Contact }

func (r *memResolver) GetByID(_ context.Context, _ int, id string) (*contacts.Contact, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, contacts.ErrNotFound
	}
	return c, nil
}

// fakeGateway scripts one result per recipient address.
type fakeGateway struct {
	mu        sync.Mutex
	results   map[string]*gateway.SendResult
	statuses  map[string]*gateway.StatusResult
	envelopes []*gateway.Envelope
	calls     int
}

func (g *fakeGateway) Send(_ context.Context, env *gateway.Envelope) (*gateway.SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.envelopes = append(g.envelopes, env)
	g.calls++
	if res, ok := g.results[env.To]; ok {
		return res, nil
	}
	return &gateway.SendResult{Accepted: true, MessageID: fmt.Sprintf("msg-%d", g.calls)}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, messageID string) (*gateway.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if res, ok := g.statuses[messageID]; ok {
		return res, nil
	}
	return &gateway.StatusResult{Status: gateway.DeliveryUnknown}, nil
}

func testOrg() *template.Organization {
	return &template.Organization{
		Name: "Acme Benefits", AgentName: "Pat Smith", Phone: "5551234567",
		FromEmail: "pat@acme.example.com", FromName: "Pat Smith",
	}
}

func testResolver() *memResolver {
	bd := calendar.NewDate(1960, time.December, 15)
	return &memResolver{byID: map[string]*contacts.Contact{
		"101": {ID: "101", OrgID: 1, FirstName: "Ada", Email: "ada@example.com", State: "CA", BirthDate: &bd},
		"202": {ID: "202", OrgID: 1, FirstName: "Grace", Email: "grace@example.com", State: "IL", BirthDate: &bd},
		"303": {ID: "303", OrgID: 1, FirstName: "Mary", Email: "mary@example.com", State: "NV", BirthDate: &bd},
		"404": {ID: "404", OrgID: 1, FirstName: "Nobody", Email: "", State: "TX", BirthDate: &bd},
	}}
}

func newTestPipeline(store TrackingStore, gw gateway.Gateway, opts Options) *Pipeline {
	opts.OrgID = 1
	opts.Delay = -1 // no inter-send pause in tests
	return New(store, testResolver(), gw, template.NewRenderer(), nil, testOrg(), opts)
}

func scheduledIntent(contactID string, kind scheduler.Kind, date time.Time) scheduler.Intent {
	return scheduler.Intent{ContactID: contactID, Kind: kind, Date: date, Status: scheduler.StatusScheduled}
}

func TestScopeWindow(t *testing.T) {
	now := calendar.NewDate(2024, time.June, 10)

	start, end, bounded := ScopeToday.Window(now)
	require.True(t, bounded)
	assert.Equal(t, "2024-06-10", calendar.Format(start))
	assert.Equal(t, "2024-06-10", calendar.Format(end))

	_, end, _ = ScopeNext7.Window(now)
	assert.Equal(t, "2024-06-17", calendar.Format(end))
	_, end, _ = ScopeNext90.Window(now)
	assert.Equal(t, "2024-09-08", calendar.Format(end))

	_, _, bounded = ScopeBulk.Window(now)
	assert.False(t, bounded)

	_, err := ParseScope("next_7_days")
	require.NoError(t, err)
	_, err = ParseScope("fortnight")
	assert.Error(t, err)
}

func TestInsertScheduledScopeAndRoundRobin(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &fakeGateway{}, Options{
		Mode:       tracking.ModeTest,
		TestEmails: []string{"t1@example.com", "t2@example.com"},
	})
	now := calendar.NewDate(2024, time.June, 10)

	intents := []scheduler.Intent{
		scheduledIntent("101", scheduler.KindBirthday, calendar.NewDate(2024, time.June, 11)),
		scheduledIntent("202", scheduler.KindAEP, calendar.NewDate(2024, time.June, 15)),
		scheduledIntent("303", scheduler.KindPostWindow, calendar.NewDate(2024, time.June, 16)),
		// Outside next_7_days.
		scheduledIntent("101", scheduler.KindAEP, calendar.NewDate(2024, time.August, 18)),
		// Skipped intents never become rows.
		{ContactID: "202", Kind: scheduler.KindBirthday, Date: now, Status: scheduler.StatusSkipped, Reason: "year-round enrollment state"},
	}

	batchID, rows, err := p.InsertScheduled(context.Background(), intents, ScopeNext7, now)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(batchID, "batch_"))
	require.Len(t, rows, 3)

	assert.Equal(t, "t1@example.com", rows[0].TestEmail)
	assert.Equal(t, "t2@example.com", rows[1].TestEmail)
	assert.Equal(t, "t1@example.com", rows[2].TestEmail)

	b, err := store.GetBatch(context.Background(), 1, batchID)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Total)
	assert.Equal(t, 3, b.Pending)
}

func TestInsertScheduledNothingAdmitted(t *testing.T) {
	p := newTestPipeline(newMemStore(), &fakeGateway{}, Options{})
	batchID, rows, err := p.InsertScheduled(context.Background(), []scheduler.Intent{
		scheduledIntent("101", scheduler.KindBirthday, calendar.NewDate(2024, time.December, 1)),
	}, ScopeToday, calendar.NewDate(2024, time.June, 10))
	require.NoError(t, err)
	assert.Empty(t, batchID)
	assert.Empty(t, rows)
}

func TestProcessChunkDryRun(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	p := newTestPipeline(store, gw, Options{Mode: tracking.ModeTest, DryRun: true, TestEmails: []string{"t@example.com"}})
	now := calendar.NewDate(2024, time.June, 10)

	batchID, rows, err := p.InsertScheduled(context.Background(), []scheduler.Intent{
		scheduledIntent("101", scheduler.KindBirthday, now),
		scheduledIntent("202", scheduler.KindAEP, now),
	}, ScopeToday, now)
	require.NoError(t, err)

	report, err := p.ProcessChunk(context.Background(), batchID, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 2, report.Sent)
	assert.Zero(t, gw.calls, "dry-run must not touch the gateway")

	for _, r := range rows {
		got := store.row(r.ID)
		assert.Equal(t, tracking.StatusSent, got.SendStatus)
		assert.True(t, strings.HasPrefix(got.MessageID, "dry:"), "message id %q", got.MessageID)
		assert.Equal(t, 1, got.AttemptCount)
	}
}

func TestProcessChunkOutcomes(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{results: map[string]*gateway.SendResult{
		"grace@example.com": {Accepted: false, Error: "mailbox does not exist", Transient: false},
		"mary@example.com":  {Accepted: false, Error: "rate limited", Transient: true},
	}}
	p := newTestPipeline(store, gw, Options{Mode: tracking.ModeProduction})
	now := calendar.NewDate(2024, time.June, 10)

	batchID, rows, err := p.InsertScheduled(context.Background(), []scheduler.Intent{
		scheduledIntent("101", scheduler.KindBirthday, now),
		scheduledIntent("202", scheduler.KindBirthday, now),
		scheduledIntent("303", scheduler.KindBirthday, now),
		scheduledIntent("404", scheduler.KindBirthday, now),
	}, ScopeToday, now)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	report, err := p.ProcessChunk(context.Background(), batchID, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Claimed)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Skipped)

	byContact := map[string]*tracking.Row{}
	for _, r := range rows {
		got := store.row(r.ID)
		byContact[got.ContactID] = got
	}
	assert.Equal(t, tracking.StatusSent, byContact["101"].SendStatus)
	assert.NotEmpty(t, byContact["101"].MessageID)

	assert.Equal(t, tracking.StatusFailed, byContact["202"].SendStatus)
	assert.Contains(t, byContact["202"].StatusDetails, `"transient":false`)

	assert.Equal(t, tracking.StatusFailed, byContact["303"].SendStatus)
	assert.Contains(t, byContact["303"].StatusDetails, `"transient":true`)

	assert.Equal(t, tracking.StatusSkipped, byContact["404"].SendStatus)
	assert.Equal(t, ReasonMissingRecipient, byContact["404"].LastError)
	assert.Zero(t, byContact["404"].AttemptCount, "a skip is not an attempt")
}

func TestProcessChunkTemplateError(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &fakeGateway{}, Options{Mode: tracking.ModeProduction})
	now := calendar.NewDate(2024, time.June, 10)

	batchID, rows, err := p.InsertScheduled(context.Background(), []scheduler.Intent{
		scheduledIntent("101", scheduler.Kind("newsletter"), now),
	}, ScopeToday, now)
	require.NoError(t, err)

	report, err := p.ProcessChunk(context.Background(), batchID, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)

	got := store.row(rows[0].ID)
	assert.Equal(t, tracking.StatusSkipped, got.SendStatus)
	assert.True(t, strings.HasPrefix(got.LastError, ReasonTemplateError), "last error %q", got.LastError)
}

func TestProcessChunkTestModeRecipientOverride(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	p := newTestPipeline(store, gw, Options{Mode: tracking.ModeTest, TestEmails: []string{"t@example.com"}})
	now := calendar.NewDate(2024, time.June, 10)

	batchID, _, err := p.InsertScheduled(context.Background(), []scheduler.Intent{
		scheduledIntent("101", scheduler.KindBirthday, now),
	}, ScopeToday, now)
	require.NoError(t, err)

	_, err = p.ProcessChunk(context.Background(), batchID, 10)
	require.NoError(t, err)
	require.Len(t, gw.envelopes, 1)
	assert.Equal(t, "t@example.com", gw.envelopes[0].To, "test mode replaces the contact's address")
	assert.Equal(t, "pat@acme.example.com", gw.envelopes[0].FromEmail)
}

// A live test-mode batch with no test addresses configured must skip every
// row rather than mail the contacts directly.
func TestProcessChunkTestModeWithoutTestEmails(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	p := newTestPipeline(store, gw, Options{Mode: tracking.ModeTest})
	now := calendar.NewDate(2024, time.June, 10)

	batchID, rows, err := p.InsertScheduled(context.Background(), []scheduler.Intent{
		scheduledIntent("101", scheduler.KindBirthday, now),
		scheduledIntent("202", scheduler.KindAEP, now),
	}, ScopeToday, now)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	report, err := p.ProcessChunk(context.Background(), batchID, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Zero(t, report.Sent)
	assert.Empty(t, gw.envelopes, "nothing may reach the gateway")

	for _, r := range rows {
		got := store.row(r.ID)
		assert.Equal(t, tracking.StatusSkipped, got.SendStatus)
		assert.Equal(t, ReasonNoTestRecipient, got.LastError)
		assert.Zero(t, got.AttemptCount)
	}
}

// Dry-run never hands anything to the gateway, so a missing test address is
// not a reason to skip there.
func TestProcessChunkDryRunWithoutTestEmails(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	p := newTestPipeline(store, gw, Options{Mode: tracking.ModeTest, DryRun: true})
	now := calendar.NewDate(2024, time.June, 10)

	batchID, rows, err := p.InsertScheduled(context.Background(), []scheduler.Intent{
		scheduledIntent("101", scheduler.KindBirthday, now),
	}, ScopeToday, now)
	require.NoError(t, err)

	report, err := p.ProcessChunk(context.Background(), batchID, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Empty(t, gw.envelopes)
	assert.Contains(t, store.row(rows[0].ID).MessageID, "dry:")
}

/// Three rows, one transient failure, one retry pass: the retried row goes
// back through pending and the batch completes.
func TestRetrySemantics(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{results: map[string]*gateway.SendResult{
		"mary@example.com": {Accepted: false, Error: "rate limited", Transient: true},
	}}
	p := newTestPipeline(store, gw, Options{Mode: tracking.ModeProduction})
	now := calendar.NewDate(2024, time.June, 10)

	batchID, rows, err := p.InsertScheduled(context.Background(), []scheduler.Intent{
		scheduledIntent("101", scheduler.KindBirthday, now),
		scheduledIntent("202", scheduler.KindAEP, now),
		scheduledIntent("303", scheduler.KindBirthday, now),
	}, ScopeToday, now)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	report, err := p.ProcessChunk(context.Background(), batchID, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Failed)

	b, err := p.Status(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Sent)
	assert.Equal(t, 1, b.Failed)
	assert.False(t, b.Complete())

	var failedID int64
	for _, r := range rows {
		if got := store.row(r.ID); got.SendStatus == tracking.StatusFailed {
			failedID = got.ID
			assert.Equal(t, 1, got.AttemptCount)
		}
	}
	require.NotZero(t, failedID)

	// The gateway recovers before the retry.
	gw.mu.Lock()
	delete(gw.results, "mary@example.com")
	gw.mu.Unlock()

	report, err = p.RetryFailed(context.Background(), batchID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	got := store.row(failedID)
	assert.Equal(t, tracking.StatusSent, got.SendStatus)
	assert.Equal(t, 2, got.AttemptCount, "retry attempt strictly increases the count")

	b, err = p.Status(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Sent)
	assert.Zero(t, b.Failed)
	assert.True(t, b.Complete())
}

func TestRetryStopsAtAttemptCap(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{results: map[string]*gateway.SendResult{
		"mary@example.com": {Accepted: false, Error: "still down", Transient: true},
	}}
	p := newTestPipeline(store, gw, Options{Mode: tracking.ModeProduction})
	now := calendar.NewDate(2024, time.June, 10)

	batchID, rows, err := p.InsertScheduled(context.Background(), []scheduler.Intent{
		scheduledIntent("303", scheduler.KindBirthday, now),
	}, ScopeToday, now)
	require.NoError(t, err)

	_, err = p.ProcessChunk(context.Background(), batchID, 1)
	require.NoError(t, err)
	for i := 0; i < tracking.MaxAttempts; i++ {
		_, err = p.RetryFailed(context.Background(), batchID, 1)
		require.NoError(t, err)
	}

	got := store.row(rows[0].ID)
	assert.Equal(t, tracking.StatusFailed, got.SendStatus)
	assert.Equal(t, tracking.MaxAttempts, got.AttemptCount, "attempts stop at the cap")
}

func TestUpdateDeliveryStatus(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	p := newTestPipeline(store, gw, Options{Mode: tracking.ModeProduction, StatusStaleAfter: time.Nanosecond})
	now := calendar.NewDate(2024, time.June, 10)

	batchID, rows, err := p.InsertScheduled(context.Background(), []scheduler.Intent{
		scheduledIntent("101", scheduler.KindBirthday, now),
		scheduledIntent("202", scheduler.KindAEP, now),
		scheduledIntent("303", scheduler.KindBirthday, now),
	}, ScopeToday, now)
	require.NoError(t, err)

	_, err = p.ProcessChunk(context.Background(), batchID, 3)
	require.NoError(t, err)

	byContact := map[string]*tracking.Row{}
	for _, r := range rows {
		got := store.row(r.ID)
		byContact[got.ContactID] = got
	}
	gw.mu.Lock()
	gw.statuses = map[string]*gateway.StatusResult{
		byContact["101"].MessageID: {Status: gateway.DeliveryDelivered, Details: "delivered"},
		byContact["202"].MessageID: {Status: gateway.DeliveryBounced, Details: "bounce"},
		// 303 stays unknown.
	}
	gw.mu.Unlock()

	report, err := p.UpdateDeliveryStatus(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Bounced)
	assert.Equal(t, 1, report.Unknown)

	assert.Equal(t, tracking.StatusDelivered, store.row(byContact["101"].ID).SendStatus)
	assert.Equal(t, tracking.StatusBounced, store.row(byContact["202"].ID).SendStatus)

	unknown := store.row(byContact["303"].ID)
	assert.Equal(t, tracking.StatusSent, unknown.SendStatus)
	assert.NotNil(t, unknown.StatusCheckedAt, "unknown outcome still stamps the check")
}

func TestUpdateDeliveryStatusGracePromotion(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	p := newTestPipeline(store, gw, Options{
		Mode:             tracking.ModeProduction,
		StatusStaleAfter: time.Nanosecond,
		DeliveredGrace:   time.Nanosecond,
	})
	now := calendar.NewDate(2024, time.June, 10)

	batchID, rows, err := p.InsertScheduled(context.Background(), []scheduler.Intent{
		scheduledIntent("101", scheduler.KindBirthday, now),
	}, ScopeToday, now)
	require.NoError(t, err)

	_, err = p.ProcessChunk(context.Background(), batchID, 1)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	report, err := p.UpdateDeliveryStatus(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)

	got := store.row(rows[0].ID)
	assert.Equal(t, tracking.StatusDelivered, got.SendStatus)
	assert.Contains(t, got.StatusDetails, "grace period")
}

type deniedLock struct{}

func (deniedLock) Acquire(context.Context) (bool, error) { return false, nil }
func (deniedLock) Release(context.Context) error         { return nil }

func TestProcessChunkBatchLockHeld(t *testing.T) {
	store := newMemStore()
	p := New(store, testResolver(), &fakeGateway{}, template.NewRenderer(),
		func(string, time.Duration) distlock.DistLock { return deniedLock{} },
		testOrg(), Options{OrgID: 1, Delay: -1})

	_, err := p.ProcessChunk(context.Background(), "batch_x", 5)
	assert.ErrorIs(t, err, ErrBatchLocked)
}

func TestInsertDuplicateRowsRejected(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, &fakeGateway{}, Options{})
	now := calendar.NewDate(2024, time.June, 10)

	intents := []scheduler.Intent{
		scheduledIntent("101", scheduler.KindBirthday, now),
		scheduledIntent("101", scheduler.KindBirthday, now),
	}
	_, _, err := p.InsertScheduled(context.Background(), intents, ScopeToday, now)
	assert.ErrorIs(t, err, tracking.ErrDuplicateRow)
}
