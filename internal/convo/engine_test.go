package convo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bot-pedidos/internal/catalog"
	"bot-pedidos/internal/delivery"
	"bot-pedidos/internal/ledger"
	"bot-pedidos/internal/logging"
	"bot-pedidos/internal/repo"
	"bot-pedidos/internal/wa"

	"go.mau.fi/whatsmeow/types/events"
)

const (
	operator = "573009999999@s.whatsapp.net"
	customer = "573001112233@s.whatsapp.net"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCatalog struct {
	products []catalog.Product
}

func (f *fakeCatalog) Find(ctx context.Context, query string) (catalog.Product, bool) {
	q := catalog.Normalize(query)
	for _, p := range f.products {
		if strings.Contains(catalog.Normalize(p.Name), q) {
			return p, true
		}
	}
	return catalog.Product{}, false
}

func (f *fakeCatalog) Image(ctx context.Context, p catalog.Product) ([]byte, string, error) {
	return nil, "", errors.New("no image")
}

type fakeQuoter struct {
	mu       sync.Mutex
	requests []delivery.Request
	fail     int
	cost     int64
	mapPath  string
}

func (f *fakeQuoter) Quote(ctx context.Context, req delivery.Request) (*delivery.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.fail > 0 {
		f.fail--
		return nil, delivery.ErrQuoteRejected
	}
	return &delivery.Quote{CostMinor: f.cost, MapImagePath: f.mapPath}, nil
}

type fakeSessions struct {
	mu    sync.Mutex
	clock *clock
	last  map[string]time.Time
}

func (f *fakeSessions) Touch(ctx context.Context, sender string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[sender] = f.clock.Now()
}

func (f *fakeSessions) LastActive(ctx context.Context, sender string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.last[sender]
	return at, ok
}

func (f *fakeSessions) Remove(ctx context.Context, sender string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.last, sender)
}

type memOrders struct {
	mu     sync.Mutex
	orders []repo.Order
	fail   bool
}

func (m *memOrders) InsertOrder(ctx context.Context, o repo.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("database is locked")
	}
	m.orders = append(m.orders, o)
	return nil
}

func (m *memOrders) UpdateOrderStatus(ctx context.Context, u repo.StatusUpdate) error {
	return nil
}

func (m *memOrders) ListOrders(ctx context.Context) ([]repo.Order, error) {
	return nil, nil
}

type sent struct {
	to   string
	kind string
	text string
}

type fakeMessenger struct {
	mu          sync.Mutex
	sent        []sent
	forwardErr  error
	imageErr    error
	downloadErr error
	thumbnail   []byte
}

func (m *fakeMessenger) record(to, kind, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{to: to, kind: kind, text: text})
}

func (m *fakeMessenger) SendText(ctx context.Context, to, text string) error {
	m.record(to, "text", text)
	return nil
}

func (m *fakeMessenger) SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error {
	if m.imageErr != nil {
		return m.imageErr
	}
	m.record(to, "image", caption)
	return nil
}

func (m *fakeMessenger) SendDocument(ctx context.Context, to string, data []byte, mimeType, fileName, caption string) error {
	m.record(to, "document", fileName)
	return nil
}

func (m *fakeMessenger) Forward(ctx context.Context, to string, msg wa.Inbound) error {
	if m.forwardErr != nil {
		return m.forwardErr
	}
	m.record(to, "forward", msg.ID)
	return nil
}

func (m *fakeMessenger) DownloadImage(ctx context.Context, msg wa.Inbound) ([]byte, string, error) {
	if m.downloadErr != nil {
		return nil, "", m.downloadErr
	}
	return []byte("receipt-bytes"), "image/jpeg", nil
}

func (m *fakeMessenger) Thumbnail(msg wa.Inbound) []byte {
	return m.thumbnail
}

func (m *fakeMessenger) to(recipient string) []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sent
	for _, s := range m.sent {
		if s.to == recipient {
			out = append(out, s)
		}
	}
	return out
}

func (m *fakeMessenger) last(recipient string) sent {
	msgs := m.to(recipient)
	if len(msgs) == 0 {
		return sent{}
	}
	return msgs[len(msgs)-1]
}

func (m *fakeMessenger) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

type harness struct {
	engine    *Engine
	clock     *clock
	sessions  *fakeSessions
	quoter    *fakeQuoter
	orders    *memOrders
	ledger    *ledger.Ledger
	messenger *fakeMessenger
	states    *MemoryStateStore
	dir       string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	docPath := filepath.Join(dir, "catalogo.pdf")
	if err := os.WriteFile(docPath, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatalf("write catalog document: %v", err)
	}

	clk := &clock{now: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)}
	orders := &memOrders{}
	l, err := ledger.New(context.Background(), orders, time.UTC, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	h := &harness{
		clock:     clk,
		sessions:  &fakeSessions{clock: clk, last: make(map[string]time.Time)},
		quoter:    &fakeQuoter{cost: 8500},
		orders:    orders,
		ledger:    l,
		messenger: &fakeMessenger{},
		states:    NewMemoryStateStore(),
		dir:       dir,
	}
	h.engine = h.newEngine(docPath)
	return h
}

func (h *harness) newEngine(docPath string) *Engine {
	e := New(Deps{
		Catalog: &fakeCatalog{products: []catalog.Product{
			{ID: "P1", Name: "Producto X", Description: "Edición especial", Price: 50000},
			{ID: "P2", Name: "Silla Ergonómica", Price: 320000},
		}},
		Quoter:    h.quoter,
		Ledger:    h.ledger,
		Sessions:  h.sessions,
		States:    h.states,
		Messenger: h.messenger,
	}, Options{
		IdleTimeout:         30 * time.Minute,
		OperatorJID:         operator,
		CatalogDocumentPath: docPath,
		ReceiptDir:          filepath.Join(h.dir, "receipts"),
		PaymentInstructions: "Transfiere a la cuenta 123.",
	}, logging.Discard(), nil)
	e.now = h.clock.Now
	return e
}

func (h *harness) say(sender string, texts ...string) {
	for _, text := range texts {
		h.engine.ProcessMessage(context.Background(), wa.Inbound{
			ID:          fmt.Sprintf("msg-%d", time.Now().UnixNano()),
			Sender:      sender,
			DisplayName: "Ana",
			Text:        text,
		})
	}
}

func (h *harness) sendImage(sender string) {
	h.engine.ProcessMessage(context.Background(), wa.Inbound{
		ID:       "receipt-1",
		Sender:   sender,
		HasImage: true,
		Raw:      &events.Message{},
	})
}

func (h *harness) state(sender string) *Conversation {
	h.engine.mu.Lock()
	s, ok := h.engine.slots[sender]
	h.engine.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.clone()
}

// freshSession marks the sender as recently active so text is treated as a product query.
func (h *harness) freshSession(sender string) {
	h.sessions.Touch(context.Background(), sender)
}

func (h *harness) toFinalConfirm(t *testing.T, sender string) {
	t.Helper()
	h.freshSession(sender)
	h.say(sender, "Producto X", "si", "Ana", "123", "si", "Centro", "Calle 1", "Bogotá")
	st := h.state(sender)
	if st == nil || st.Form == nil || st.Form.Stage != StageFinalConfirm {
		t.Fatalf("expected final confirm, got %+v", st)
	}
}

func TestFirstContactSendsWelcomeAndCatalog(t *testing.T) {
	h := newHarness(t)
	h.say(customer, "hola")

	msgs := h.messenger.to(customer)
	if len(msgs) != 2 {
		t.Fatalf("expected welcome and catalog, got %+v", msgs)
	}
	if msgs[0].kind != "text" || !strings.Contains(msgs[0].text, "Hola, Ana") {
		t.Fatalf("unexpected welcome %+v", msgs[0])
	}
	if msgs[1].kind != "document" || msgs[1].text != "catalogo.pdf" {
		t.Fatalf("unexpected catalog message %+v", msgs[1])
	}
	if st := h.state(customer); st == nil || st.Mode != ModeAwaitingProductChoice {
		t.Fatalf("expected awaiting product choice, got %+v", st)
	}
	if _, ok := h.sessions.LastActive(context.Background(), customer); !ok {
		t.Fatal("expected session to be created")
	}
}

func TestFullOrderFlow(t *testing.T) {
	h := newHarness(t)
	mapPath := filepath.Join(h.dir, "map.png")
	if err := os.WriteFile(mapPath, []byte("png"), 0o644); err != nil {
		t.Fatalf("write map: %v", err)
	}
	h.quoter.mapPath = mapPath

	h.freshSession(customer)
	h.say(customer, "Producto X")
	if card := h.messenger.last(customer); !strings.Contains(card.text, "Producto X") || !strings.Contains(card.text, "$50.000") {
		t.Fatalf("expected product card, got %+v", card)
	}
	if st := h.state(customer); st.Mode != ModeAwaitingOrderConfirmation || st.Form != nil || st.Product.ID != "P1" {
		t.Fatalf("unexpected state after product card %+v", st)
	}

	h.say(customer, "Sí", "Ana", "123")
	if st := h.state(customer); st.Form.Stage != StageConfirmBasics || st.Form.Name != "Ana" || st.Form.IDNumber != "123" {
		t.Fatalf("unexpected basics %+v", st.Form)
	}
	h.say(customer, "si", "Centro", "Calle 1", "Bogotá")

	summary := h.messenger.last(customer)
	if summary.kind != "image" || !strings.Contains(summary.text, "$58.500") {
		t.Fatalf("expected map with cost breakdown, got %+v", summary)
	}
	if len(h.quoter.requests) != 1 {
		t.Fatalf("expected one quote, got %d", len(h.quoter.requests))
	}
	if req := h.quoter.requests[0]; req.Address != "Calle 1" || req.Neighborhood != "Centro" || req.City != "Bogotá" {
		t.Fatalf("unexpected quote request %+v", req)
	}

	h.say(customer, "SI")
	st := h.state(customer)
	if st.Mode != ModeAwaitingPayment || st.Form != nil || st.Pending == nil {
		t.Fatalf("expected awaiting payment, got %+v", st)
	}
	if !strings.Contains(h.messenger.last(customer).text, "Transfiere a la cuenta 123.") {
		t.Fatalf("expected payment instructions, got %+v", h.messenger.last(customer))
	}

	h.sendImage(customer)

	orders := h.ledger.Search(ledger.Criteria{})
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
	o := orders[0]
	if o.Status != repo.StatusNew {
		t.Fatalf("expected new status, got %s", o.Status)
	}
	if o.Payment.Total != 58500 || o.Payment.Total != o.Payment.ProductPrice+o.Payment.DeliveryCost {
		t.Fatalf("unexpected payment %+v", o.Payment)
	}
	if o.Customer.Name != "Ana" || o.Customer.City != "Bogotá" || o.Product.ID != "P1" {
		t.Fatalf("unexpected snapshot %+v", o)
	}
	if _, err := os.Stat(o.Payment.ReceiptPath); err != nil {
		t.Fatalf("expected stored receipt: %v", err)
	}

	if st := h.state(customer); st != nil {
		t.Fatalf("expected cleared state, got %+v", st)
	}
	if _, ok := h.sessions.LastActive(context.Background(), customer); ok {
		t.Fatal("expected session to be removed")
	}
	if loaded, _ := h.states.Load(context.Background(), customer); loaded != nil {
		t.Fatal("expected persisted state to be deleted")
	}

	ops := h.messenger.to(operator)
	if len(ops) != 2 || !strings.Contains(ops[0].text, o.ID) || ops[1].kind != "forward" {
		t.Fatalf("unexpected operator messages %+v", ops)
	}
	if thanks := h.messenger.last(customer); !strings.Contains(thanks.text, o.ID) {
		t.Fatalf("expected thank-you with order id, got %+v", thanks)
	}
}

func TestConfirmBasicsNoRestartsForm(t *testing.T) {
	h := newHarness(t)
	h.freshSession(customer)
	h.say(customer, "Producto X", "si", "Ana", "123", "no")

	st := h.state(customer)
	if st.Form == nil || st.Form.Stage != StageCollectName {
		t.Fatalf("expected collect name, got %+v", st.Form)
	}
	if st.Form.Name != "" || st.Form.IDNumber != "" {
		t.Fatalf("expected name and id discarded, got %+v", st.Form)
	}
	if st.Product == nil || st.Product.ID != "P1" {
		t.Fatal("expected selected product to survive the reset")
	}
	if msg := h.messenger.last(customer); msg.text != msgRestartBasics {
		t.Fatalf("unexpected prompt %+v", msg)
	}
}

func TestQuoteFailureKeepsFields(t *testing.T) {
	h := newHarness(t)
	h.quoter.fail = 1
	h.freshSession(customer)
	h.say(customer, "Producto X", "si", "Ana", "123", "si", "Centro", "Calle 1", "Bogta")

	st := h.state(customer)
	if st.Form.Stage != StageCollectCity {
		t.Fatalf("expected to remain at collect city, got %s", st.Form.Stage)
	}
	if st.Form.Neighborhood != "Centro" || st.Form.Address != "Calle 1" || st.Form.Name != "Ana" || st.Form.IDNumber != "123" {
		t.Fatalf("expected collected fields kept, got %+v", st.Form)
	}
	if msg := h.messenger.last(customer); msg.text != msgQuoteFailed {
		t.Fatalf("expected failure notice, got %+v", msg)
	}

	h.messenger.reset()
	h.say(customer, "Bogotá")

	if len(h.quoter.requests) != 2 {
		t.Fatalf("expected a retried quote, got %d", len(h.quoter.requests))
	}
	if req := h.quoter.requests[1]; req.Address != "Calle 1" || req.Neighborhood != "Centro" || req.City != "Bogotá" {
		t.Fatalf("unexpected retried request %+v", req)
	}
	for _, m := range h.messenger.to(customer) {
		if m.text == msgAskNeighborhood || m.text == msgAskAddress {
			t.Fatalf("did not expect to re-ask %q", m.text)
		}
	}
	if st := h.state(customer); st.Form.Stage != StageFinalConfirm || st.Form.DeliveryCost != 8500 {
		t.Fatalf("expected final confirm after retry, got %+v", st.Form)
	}
}

func TestIdleTimeoutStartsOver(t *testing.T) {
	h := newHarness(t)
	h.freshSession(customer)
	h.say(customer, "Producto X", "si", "Ana")

	h.clock.Advance(31 * time.Minute)
	h.messenger.reset()
	h.say(customer, "123")

	msgs := h.messenger.to(customer)
	if len(msgs) != 2 || msgs[1].kind != "document" {
		t.Fatalf("expected welcome and catalog again, got %+v", msgs)
	}
	st := h.state(customer)
	if st.Mode != ModeAwaitingProductChoice || st.Form != nil || st.Product != nil {
		t.Fatalf("expected fresh conversation, got %+v", st)
	}
}

func TestUnrecognizedAnswersReprompt(t *testing.T) {
	h := newHarness(t)
	h.freshSession(customer)
	h.say(customer, "Producto X", "tal vez")

	if msg := h.messenger.last(customer); msg.text != msgYesNo {
		t.Fatalf("expected yes/no prompt, got %+v", msg)
	}
	st := h.state(customer)
	if st.Mode != ModeAwaitingOrderConfirmation || st.Product == nil || st.Form != nil {
		t.Fatalf("expected unchanged state, got %+v", st)
	}

	h.say(customer, "si", "Ana", "123", "quizás")
	st = h.state(customer)
	if st.Form.Stage != StageConfirmBasics || st.Form.Name != "Ana" {
		t.Fatalf("expected to stay at confirm basics with data, got %+v", st.Form)
	}
}

func TestProductChoiceNoAndNotFound(t *testing.T) {
	h := newHarness(t)
	h.freshSession(customer)
	h.say(customer, "mesa")
	if msg := h.messenger.last(customer); !strings.Contains(msg.text, "No encontré") {
		t.Fatalf("expected not found, got %+v", msg)
	}
	if st := h.state(customer); st.Mode != ModeAwaitingProductChoice {
		t.Fatalf("expected awaiting product choice, got %s", st.Mode)
	}

	h.say(customer, "silla", "no")
	st := h.state(customer)
	if st.Mode != ModeAwaitingProductChoice || st.Product != nil {
		t.Fatalf("expected product cleared, got %+v", st)
	}
}

func TestFinalConfirmNoDiscardsOrder(t *testing.T) {
	h := newHarness(t)
	h.toFinalConfirm(t, customer)
	h.say(customer, "no")

	st := h.state(customer)
	if st.Mode != ModeAwaitingProductChoice || st.Form != nil || st.Product != nil || st.Pending != nil {
		t.Fatalf("expected discarded form and product, got %+v", st)
	}
	if msg := h.messenger.last(customer); msg.text != msgOrderCancelled {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestPaymentWithoutImageIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.toFinalConfirm(t, customer)
	h.say(customer, "si")
	h.messenger.reset()

	h.say(customer, "ya pagué")
	if msgs := h.messenger.to(customer); len(msgs) != 0 {
		t.Fatalf("expected no reply, got %+v", msgs)
	}
	if st := h.state(customer); st.Mode != ModeAwaitingPayment {
		t.Fatalf("expected awaiting payment, got %s", st.Mode)
	}
}

func TestReceiptDownloadFailureAsksToResend(t *testing.T) {
	h := newHarness(t)
	h.toFinalConfirm(t, customer)
	h.say(customer, "si")
	h.messenger.downloadErr = errors.New("media expired")

	h.sendImage(customer)
	if msg := h.messenger.last(customer); msg.text != msgReceiptRetry {
		t.Fatalf("expected resend request, got %+v", msg)
	}
	if st := h.state(customer); st.Mode != ModeAwaitingPayment {
		t.Fatalf("expected awaiting payment, got %s", st.Mode)
	}
	if got := len(h.ledger.Search(ledger.Criteria{})); got != 0 {
		t.Fatalf("expected no order, got %d", got)
	}
}

func TestFreeDeliveryCompletesOrder(t *testing.T) {
	h := newHarness(t)
	h.quoter.cost = 0
	h.toFinalConfirm(t, customer)
	h.say(customer, "si")
	h.sendImage(customer)

	orders := h.ledger.Search(ledger.Criteria{})
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if orders[0].Payment.DeliveryCost != 0 || orders[0].Payment.Total != 50000 {
		t.Fatalf("unexpected payment %+v", orders[0].Payment)
	}
}

func TestOrderCreateFailureApologizesToBoth(t *testing.T) {
	h := newHarness(t)
	h.toFinalConfirm(t, customer)
	h.say(customer, "si")
	h.orders.fail = true

	h.sendImage(customer)
	if msg := h.messenger.last(customer); msg.text != msgOrderFailed {
		t.Fatalf("expected apology to customer, got %+v", msg)
	}
	if msg := h.messenger.last(operator); !strings.Contains(msg.text, "No se pudo registrar") {
		t.Fatalf("expected apology to operator, got %+v", msg)
	}
	if st := h.state(customer); st == nil || st.Mode != ModeAwaitingPayment || st.Pending == nil {
		t.Fatalf("expected pending payment kept, got %+v", st)
	}
}

func TestReceiptForwardFallsBackToThumbnail(t *testing.T) {
	h := newHarness(t)
	h.messenger.forwardErr = errors.New("forward failed")
	h.messenger.thumbnail = []byte{0xff, 0xd8}
	h.toFinalConfirm(t, customer)
	h.say(customer, "si")
	h.sendImage(customer)

	ops := h.messenger.to(operator)
	if len(ops) != 2 || ops[1].kind != "image" || !strings.Contains(ops[1].text, "vista previa") {
		t.Fatalf("expected thumbnail fallback, got %+v", ops)
	}
	if got := len(h.ledger.Search(ledger.Criteria{})); got != 1 {
		t.Fatalf("expected order recorded, got %d", got)
	}
}

func TestReceiptForwardFallsBackToManualNotice(t *testing.T) {
	h := newHarness(t)
	h.messenger.forwardErr = errors.New("forward failed")
	h.toFinalConfirm(t, customer)
	h.say(customer, "si")
	h.sendImage(customer)

	if msg := h.messenger.last(operator); !strings.Contains(msg.text, "No se pudo reenviar") {
		t.Fatalf("expected manual follow-up notice, got %+v", msg)
	}
	if got := len(h.ledger.Search(ledger.Criteria{})); got != 1 {
		t.Fatalf("expected order recorded, got %d", got)
	}
}

func TestFilteredSourcesCreateNoState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.ProcessMessage(ctx, wa.Inbound{Sender: "123@g.us", IsGroup: true, Text: "hola"})
	h.engine.ProcessMessage(ctx, wa.Inbound{Sender: "status@broadcast", IsBroadcast: true, Text: "hola"})
	h.engine.ProcessMessage(ctx, wa.Inbound{Sender: customer, FromMe: true, Text: "hola"})

	if len(h.messenger.sent) != 0 {
		t.Fatalf("expected no replies, got %+v", h.messenger.sent)
	}
	if len(h.engine.slots) != 0 {
		t.Fatalf("expected no conversation slots, got %d", len(h.engine.slots))
	}
	if _, ok := h.sessions.LastActive(ctx, customer); ok {
		t.Fatal("expected no session for own message")
	}
}

func TestExpireClearsStateOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.freshSession(customer)
	h.say(customer, "Producto X", "si", "Ana")

	if h.engine.Expire(ctx, customer, 30*time.Minute) {
		t.Fatal("expected active sender to be kept")
	}
	h.clock.Advance(time.Hour)
	h.messenger.reset()

	if !h.engine.Expire(ctx, customer, 30*time.Minute) {
		t.Fatal("expected idle sender to be evicted")
	}
	if h.engine.Expire(ctx, customer, 30*time.Minute) {
		t.Fatal("expected second eviction to be a no-op")
	}
	if st := h.state(customer); st != nil {
		t.Fatalf("expected cleared state, got %+v", st)
	}
	if loaded, _ := h.states.Load(ctx, customer); loaded != nil {
		t.Fatal("expected persisted state to be deleted")
	}
	if len(h.messenger.sent) != 0 {
		t.Fatalf("expected eviction to be silent, got %+v", h.messenger.sent)
	}
}

func TestConversationResumesAfterRestart(t *testing.T) {
	h := newHarness(t)
	h.freshSession(customer)
	h.say(customer, "Producto X", "si", "Ana", "123", "si")

	h.engine = h.newEngine("")
	h.say(customer, "Centro")

	st := h.state(customer)
	if st.Form == nil || st.Form.Stage != StageCollectAddress || st.Form.Name != "Ana" || st.Form.Neighborhood != "Centro" {
		t.Fatalf("expected resumed form, got %+v", st)
	}
}

func TestSendersAreIsolatedUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	const senders = 12

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		sender := fmt.Sprintf("57300000%04d@s.whatsapp.net", i)
		h.freshSession(sender)
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			h.say(sender, "Producto X", "si", sender, "123", "si", "Centro", "Calle 1", "Bogotá", "si")
			h.sendImage(sender)
		}(sender)
	}
	wg.Wait()

	orders := h.ledger.Search(ledger.Criteria{})
	if len(orders) != senders {
		t.Fatalf("expected %d orders, got %d", senders, len(orders))
	}
	for _, o := range orders {
		if o.Customer.Name != o.Customer.Sender {
			t.Fatalf("customer data crossed between senders: %+v", o.Customer)
		}
	}
}

func TestSameSenderMessagesApplyInArrivalOrder(t *testing.T) {
	for round := 0; round < 25; round++ {
		h := newHarness(t)
		h.freshSession(customer)
		h.say(customer, "Producto X", "si")

		d := wa.NewDispatcher(h.engine, logging.Discard())
		d.Dispatch(context.Background(), wa.Inbound{ID: "m1", Sender: customer, Text: "Ana"})
		d.Dispatch(context.Background(), wa.Inbound{ID: "m2", Sender: customer, Text: "123"})
		d.Wait()

		st := h.state(customer)
		if st.Form.Stage != StageConfirmBasics || st.Form.Name != "Ana" || st.Form.IDNumber != "123" {
			t.Fatalf("round %d: expected name then id in arrival order, got %+v", round, st.Form)
		}
	}
}

func TestConcurrentMessagesFromOneSenderDoNotLoseUpdates(t *testing.T) {
	h := newHarness(t)
	h.freshSession(customer)
	h.say(customer, "Producto X", "si")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.say(customer, fmt.Sprintf("valor-%d", i))
		}(i)
	}
	wg.Wait()

	st := h.state(customer)
	got := map[string]bool{st.Form.Name: true, st.Form.IDNumber: true}
	if st.Form.Stage != StageConfirmBasics || !got["valor-0"] || !got["valor-1"] {
		t.Fatalf("expected both messages applied, got %+v", st.Form)
	}
}

func TestResentReceiptAfterCrashDoesNotDuplicateOrder(t *testing.T) {
	h := newHarness(t)
	h.toFinalConfirm(t, customer)
	h.say(customer, "si")

	st := h.state(customer)
	if st == nil || st.Pending == nil || st.Pending.Checkout == "" {
		t.Fatalf("expected pending payment with checkout id, got %+v", st)
	}

	// The order reached the ledger but the conversation was never committed.
	p := st.Pending
	recorded, err := h.ledger.Create(context.Background(), ledger.Draft{
		Key:          p.Checkout,
		Customer:     p.Customer,
		Product:      p.Product,
		DeliveryCost: p.DeliveryCost,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h.sendImage(customer)
	orders := h.ledger.Search(ledger.Criteria{})
	if len(orders) != 1 || orders[0].ID != recorded.ID {
		t.Fatalf("expected the recorded order only, got %d orders", len(orders))
	}
	if msg := h.messenger.last(customer); !strings.Contains(msg.text, recorded.ID) {
		t.Fatalf("expected thanks with existing order id, got %+v", msg)
	}
	if st := h.state(customer); st != nil {
		t.Fatalf("expected conversation reset, got %+v", st)
	}
}

func TestParseAnswer(t *testing.T) {
	cases := []struct {
		in   string
		want answer
	}{
		{in: "si", want: answerYes},
		{in: " Sí! ", want: answerYes},
		{in: "SI", want: answerYes},
		{in: "No.", want: answerNo},
		{in: "nop", want: answerOther},
		{in: "", want: answerOther},
	}
	for _, tc := range cases {
		if got := parseAnswer(tc.in); got != tc.want {
			t.Fatalf("parseAnswer(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
