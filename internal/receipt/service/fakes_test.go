package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	bizeventdomain "github.com/smallbiznis/receiptflow/internal/bizevent/domain"
	"github.com/smallbiznis/receiptflow/internal/clock"
	"github.com/smallbiznis/receiptflow/internal/config"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/smallbiznis/receiptflow/internal/receipt/mapping"
	"go.uber.org/zap"
)

const (
	debtorCF = "RSSMRA80A01H501U"
	payerCF  = "VRDGPP70B02F205X"
)

type fakeEvents struct {
	mu     sync.Mutex
	events map[string]*bizeventdomain.BizEvent
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{events: map[string]*bizeventdomain.BizEvent{}}
}

func (f *fakeEvents) add(events ...*bizeventdomain.BizEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range events {
		f.events[e.ID] = e
	}
}

func (f *fakeEvents) FetchEvent(_ context.Context, id string) (*bizeventdomain.BizEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return nil, bizeventdomain.ErrEventNotFound
	}
	return e, nil
}

func (f *fakeEvents) FetchEventByOrganizationAndIUV(_ context.Context, organizationFiscalCode, iuv string) (*bizeventdomain.BizEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.OrganizationFiscalCode() == organizationFiscalCode && e.IUV() == iuv {
			return e, nil
		}
	}
	return nil, bizeventdomain.ErrEventNotFound
}

func (f *fakeEvents) FetchCartEvents(_ context.Context, cartID string) ([]*bizeventdomain.BizEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*bizeventdomain.BizEvent
	for _, e := range f.events {
		if e.CartID() == cartID {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, bizeventdomain.ErrEventNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// fakeReceipts mirrors the version check of the gorm store.
type fakeReceipts struct {
	mu       sync.Mutex
	byID     map[string]*domain.Receipt
	saves    int
	failSave error
}

func newFakeReceipts() *fakeReceipts {
	return &fakeReceipts{byID: map[string]*domain.Receipt{}}
}

func (f *fakeReceipts) FetchReceipt(_ context.Context, id string) (*domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "receipt", ID: id}
	}
	return r.Clone(), nil
}

func (f *fakeReceipts) FetchByEventID(_ context.Context, eventID string) (*domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.byID {
		if r.EventID == eventID {
			return r.Clone(), nil
		}
	}
	return nil, &domain.NotFoundError{Resource: "receipt", ID: eventID}
}

func (f *fakeReceipts) FetchByMessageID(_ context.Context, messageID string) (*domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.byID {
		if messageID != "" && (r.MessageID(domain.RoleDebtor) == messageID || r.MessageID(domain.RolePayer) == messageID) {
			return r.Clone(), nil
		}
	}
	return nil, &domain.NotFoundError{Resource: "io_message", ID: messageID}
}

func (f *fakeReceipts) SaveReceipt(_ context.Context, receipt *domain.Receipt) (*domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave != nil {
		return nil, f.failSave
	}
	conflict := &domain.VersionConflictError{Resource: "receipt", ID: receipt.ID, Version: receipt.Version}
	if receipt.Version == 0 {
		for _, r := range f.byID {
			if r.EventID == receipt.EventID {
				return nil, conflict
			}
		}
	} else if stored, ok := f.byID[receipt.ID]; !ok || stored.Version != receipt.Version {
		return nil, conflict
	}
	saved := receipt.Clone()
	saved.Version++
	f.byID[saved.ID] = saved
	f.saves++
	return saved.Clone(), nil
}

func (f *fakeReceipts) ScanRecoverable(_ context.Context, filter domain.ScanFilter, cursor string, pageSize int) ([]*domain.Receipt, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.byID))
	for id := range f.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var page []*domain.Receipt
	for _, id := range ids {
		if id <= cursor {
			continue
		}
		r := f.byID[id]
		if !filter.Matches(r) {
			continue
		}
		if len(page) == pageSize {
			return page, page[len(page)-1].ID, nil
		}
		page = append(page, r.Clone())
	}
	return page, "", nil
}

func (f *fakeReceipts) put(r *domain.Receipt) *domain.Receipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := r.Clone()
	if saved.Version == 0 {
		saved.Version = 1
	}
	f.byID[saved.ID] = saved
	return saved.Clone()
}

func (f *fakeReceipts) get(eventID string) *domain.Receipt {
	r, _ := f.FetchByEventID(context.Background(), eventID)
	return r
}

type fakeCarts struct {
	mu    sync.Mutex
	carts map[string]*domain.CartForReceipt
}

func newFakeCarts() *fakeCarts {
	return &fakeCarts{carts: map[string]*domain.CartForReceipt{}}
}

func (f *fakeCarts) FetchCart(_ context.Context, id string) (*domain.CartForReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.carts[id]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "cart", ID: id}
	}
	return c.Clone(), nil
}

func (f *fakeCarts) SaveCart(_ context.Context, cart *domain.CartForReceipt) (*domain.CartForReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.carts[cart.ID]
	if (cart.Version == 0 && ok) || (cart.Version != 0 && (!ok || stored.Version != cart.Version)) {
		return nil, &domain.VersionConflictError{Resource: "cart", ID: cart.ID, Version: cart.Version}
	}
	saved := cart.Clone()
	saved.Version++
	f.carts[saved.ID] = saved
	return saved.Clone(), nil
}

func (f *fakeCarts) ScanCarts(_ context.Context, statuses []domain.CartStatus, cursor string, pageSize int) ([]*domain.CartForReceipt, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.carts))
	for id := range f.carts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var page []*domain.CartForReceipt
	for _, id := range ids {
		c := f.carts[id]
		if id <= cursor {
			continue
		}
		match := false
		for _, s := range statuses {
			match = match || c.Status == s
		}
		if !match {
			continue
		}
		if len(page) == pageSize {
			return page, page[len(page)-1].ID, nil
		}
		page = append(page, c.Clone())
	}
	return page, "", nil
}

type fakeReceiptErrors struct {
	mu      sync.Mutex
	records map[string]*domain.ReceiptError
}

func newFakeReceiptErrors() *fakeReceiptErrors {
	return &fakeReceiptErrors{records: map[string]*domain.ReceiptError{}}
}

func (f *fakeReceiptErrors) FetchByEventID(_ context.Context, eventID string) (*domain.ReceiptError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[eventID]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "receipt_error", ID: eventID}
	}
	out := *r
	return &out, nil
}

func (f *fakeReceiptErrors) SaveReceiptError(_ context.Context, r *domain.ReceiptError) (*domain.ReceiptError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := *r
	if stored, ok := f.records[out.BizEventID]; ok {
		allowed := false
		for _, from := range domain.ReceiptErrorSources(out.Status) {
			allowed = allowed || from == stored.Status
		}
		if !allowed {
			return nil, &domain.TransitionError{Entity: "receipt_error", From: string(stored.Status), To: string(out.Status)}
		}
		out.ID = stored.ID
	}
	if out.ID == "" {
		out.ID = fmt.Sprintf("re-%d", len(f.records)+1)
	}
	f.records[out.BizEventID] = &out
	saved := out
	return &saved, nil
}

func (f *fakeReceiptErrors) ListByStatus(_ context.Context, status domain.ReceiptErrorStatus, cursor string, pageSize int) ([]*domain.ReceiptError, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.records))
	for k := range f.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var page []*domain.ReceiptError
	for _, k := range keys {
		r := f.records[k]
		if k <= cursor || r.Status != status {
			continue
		}
		if len(page) == pageSize {
			return page, page[len(page)-1].BizEventID, nil
		}
		out := *r
		page = append(page, &out)
	}
	return page, "", nil
}

// fakeRenderer fails roles listed in fail and blocks until ctx ends for roles listed in hang.
type fakeRenderer struct {
	mu    sync.Mutex
	calls map[domain.DocumentRole]int
	fail  map[domain.DocumentRole]error
	hang  map[domain.DocumentRole]bool
	seen  []domain.RenderRequest
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		calls: map[domain.DocumentRole]int{},
		fail:  map[domain.DocumentRole]error{},
		hang:  map[domain.DocumentRole]bool{},
	}
}

func (f *fakeRenderer) Render(ctx context.Context, req domain.RenderRequest) (*domain.Artifact, error) {
	f.mu.Lock()
	f.calls[req.Role]++
	f.seen = append(f.seen, req)
	failErr := f.fail[req.Role]
	hang := f.hang[req.Role]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failErr != nil {
		return nil, failErr
	}
	return &domain.Artifact{Content: []byte("%PDF-" + req.Receipt.ID + "-" + string(req.Role)), ContentType: "application/pdf"}, nil
}

func (f *fakeRenderer) setFail(role domain.DocumentRole, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, role)
		return
	}
	f.fail[role] = err
}

func (f *fakeRenderer) count(role domain.DocumentRole) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[role]
}

type fakeBlobs struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	writes map[string]int
	fail   error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: map[string][]byte{}, writes: map[string]int{}}
}

func (f *fakeBlobs) Store(_ context.Context, name string, content io.Reader) (*domain.ReceiptMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	raw, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	f.blobs[name] = raw
	f.writes[name]++
	return &domain.ReceiptMetadata{Name: name, URL: "mem://" + name}, nil
}

func (f *fakeBlobs) Open(_ context.Context, name string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBlobs) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.blobs))
	for name := range f.blobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type fakeQueue struct {
	mu         sync.Mutex
	messages   []domain.NotificationMessage
	generation []domain.GenerationRequest
	failNotify error
	failGen    error
}

func (f *fakeQueue) EnqueueNotification(_ context.Context, msg domain.NotificationMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNotify != nil {
		return "", f.failNotify
	}
	f.messages = append(f.messages, msg)
	return fmt.Sprintf("msg-%d", len(f.messages)), nil
}

func (f *fakeQueue) EnqueueGeneration(_ context.Context, req domain.GenerationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGen != nil {
		return f.failGen
	}
	f.generation = append(f.generation, req)
	return nil
}

func (f *fakeQueue) setNotifyFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNotify = err
}

func (f *fakeQueue) sent() []domain.NotificationMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.NotificationMessage(nil), f.messages...)
}

// countingDispatcher records how many times each cart was dispatched.
type countingDispatcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  error
}

func (d *countingDispatcher) DispatchCart(_ context.Context, cart *domain.CartForReceipt) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls == nil {
		d.calls = map[string]int{}
	}
	d.calls[cart.ID]++
	return d.fail
}

func (d *countingDispatcher) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

type harness struct {
	clock         *clock.FakeClock
	cfg           config.RecoveryConfig
	events        *fakeEvents
	receipts      *fakeReceipts
	carts         *fakeCarts
	receiptErrors *fakeReceiptErrors
	renderer      *fakeRenderer
	blobs         *fakeBlobs
	queue         *fakeQueue
	holder        *config.RecoveryConfigHolder

	generator *Generator
	cart      *CartAggregator
	recovery  *Recovery
	review    *Review
}

type harnessOption func(*harness, *GeneratorParams)

func withGenerationQueue() harnessOption {
	return func(h *harness, p *GeneratorParams) { p.Generation = h.queue }
}

func withRenderTimeout(d time.Duration) harnessOption {
	return func(h *harness, _ *GeneratorParams) { h.cfg.RenderTimeout = d }
}

func withMaxConflicts(n int) harnessOption {
	return func(h *harness, _ *GeneratorParams) { h.cfg.MaxConflictRetries = n }
}

// withDispatcher swaps the generator-backed dispatcher for d.
func (h *harness) withDispatcher(d domain.Dispatcher) {
	h.cart = NewCartAggregator(CartParams{
		Clock:      h.clock,
		Recovery:   h.holder,
		Carts:      h.carts,
		Dispatcher: d,
	})
	h.recovery = NewRecovery(RecoveryParams{
		Clock:     h.clock,
		Recovery:  h.holder,
		Generator: h.generator,
		Carts:     h.cart,
		Receipts:  h.receipts,
		CartStore: h.carts,
	})
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		clock:         clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		cfg:           config.DefaultRecoveryConfig(),
		events:        newFakeEvents(),
		receipts:      newFakeReceipts(),
		carts:         newFakeCarts(),
		receiptErrors: newFakeReceiptErrors(),
		renderer:      newFakeRenderer(),
		blobs:         newFakeBlobs(),
		queue:         &fakeQueue{},
	}
	h.cfg.MaxRetry = 3
	h.cfg.MaxNotifyRetry = 3
	h.cfg.PageSize = 2

	params := GeneratorParams{
		Log:           zap.NewNop(),
		Clock:         h.clock,
		Events:        h.events,
		Receipts:      h.receipts,
		ReceiptErrors: h.receiptErrors,
		Renderer:      h.renderer,
		Blobs:         h.blobs,
		Notifications: h.queue,
		Mapper: mapping.New(mapping.Options{
			ValidOrigins:           []string{"IO", "CHECKOUT", "WISP"},
			EcommerceFilterEnabled: true,
		}),
	}
	for _, opt := range opts {
		opt(h, &params)
	}
	holder := config.NewStaticRecoveryConfigHolder(h.cfg)
	params.Recovery = holder
	h.holder = holder

	h.generator = NewGenerator(params)
	h.cart = NewCartAggregator(CartParams{
		Clock:      h.clock,
		Recovery:   holder,
		Carts:      h.carts,
		Dispatcher: NewGeneratorDispatcher(h.generator),
	})
	h.recovery = NewRecovery(RecoveryParams{
		Clock:     h.clock,
		Recovery:  holder,
		Generator: h.generator,
		Carts:     h.cart,
		Receipts:  h.receipts,
		CartStore: h.carts,
	})
	h.review = NewReview(nil, holder, h.receiptErrors)
	return h
}

// event builds a valid single payment. An empty payer makes the debtor the only recipient.
func event(id, debtor, payer string) *bizeventdomain.BizEvent {
	e := &bizeventdomain.BizEvent{
		ID:          id,
		EventStatus: bizeventdomain.EventStatusDone,
		Debtor:      &bizeventdomain.Subject{EntityUniqueIdentifierValue: debtor},
		Creditor:    &bizeventdomain.Creditor{CompanyName: "Comune di Roma"},
		PaymentInfo: &bizeventdomain.PaymentInfo{
			Amount:                "10.10",
			RemittanceInformation: "TARI " + id,
			TotalNotice:           "1",
		},
		TransactionDetails: &bizeventdomain.TransactionDetails{
			Transaction: &bizeventdomain.Transaction{
				TransactionID: "tx-" + id,
				CreationDate:  "2026-03-01T09:59:00",
				Origin:        "IO",
			},
		},
	}
	if payer != "" {
		e.TransactionDetails.User = &bizeventdomain.User{FiscalCode: payer, Type: bizeventdomain.UserTypeRegistered}
	}
	return e
}

func cartEvent(id, cartID string, total int) *bizeventdomain.BizEvent {
	e := event(id, debtorCF, "")
	e.PaymentInfo.TotalNotice = fmt.Sprintf("%d", total)
	e.TransactionDetails.Transaction.TransactionID = cartID
	return e
}
