package convo

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"bot-pedidos/internal/catalog"
	"bot-pedidos/internal/delivery"
	"bot-pedidos/internal/ledger"
	"bot-pedidos/internal/metrics"
	"bot-pedidos/internal/repo"
	"bot-pedidos/internal/wa"

	"github.com/google/uuid"
)

// Catalog finds products for a free-text query.
type Catalog interface {
	Find(ctx context.Context, query string) (catalog.Product, bool)
	Image(ctx context.Context, p catalog.Product) ([]byte, string, error)
}

// Quoter prices a delivery address.
type Quoter interface {
	Quote(ctx context.Context, req delivery.Request) (*delivery.Quote, error)
}

// Ledger records confirmed orders.
type Ledger interface {
	Create(ctx context.Context, draft ledger.Draft) (*repo.Order, error)
}

// Sessions tracks sender liveness.
type Sessions interface {
	Touch(ctx context.Context, sender string)
	LastActive(ctx context.Context, sender string) (time.Time, bool)
	Remove(ctx context.Context, sender string)
}

// Messenger is the outbound side of the messaging channel.
type Messenger interface {
	SendText(ctx context.Context, to string, text string) error
	SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error
	SendDocument(ctx context.Context, to string, data []byte, mimeType, fileName, caption string) error
	Forward(ctx context.Context, to string, msg wa.Inbound) error
	DownloadImage(ctx context.Context, msg wa.Inbound) ([]byte, string, error)
	Thumbnail(msg wa.Inbound) []byte
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Catalog   Catalog
	Quoter    Quoter
	Ledger    Ledger
	Sessions  Sessions
	States    StateStore
	Messenger Messenger
}

// Options tune the engine.
type Options struct {
	IdleTimeout         time.Duration
	OperatorJID         string
	CatalogDocumentPath string
	ReceiptDir          string
	PaymentInstructions string
}

// Engine runs the per-sender order conversation. Messages from one sender are
// applied one at a time; different senders proceed in parallel.
type Engine struct {
	catalog   Catalog
	quoter    Quoter
	ledger    Ledger
	sessions  Sessions
	states    StateStore
	messenger Messenger
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu     sync.Mutex
	refs   int
	loaded bool
	conv   *Conversation
}

// New builds an Engine.
func New(deps Deps, opts Options, logger *slog.Logger, metrics *metrics.Metrics) *Engine {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	states := deps.States
	if states == nil {
		states = NewMemoryStateStore()
	}
	return &Engine{
		catalog:   deps.Catalog,
		quoter:    deps.Quoter,
		ledger:    deps.Ledger,
		sessions:  deps.Sessions,
		states:    states,
		messenger: deps.Messenger,
		opts:      opts,
		logger:    logger.With("component", "convo"),
		metrics:   metrics,
		now:       time.Now,
		slots:     make(map[string]*slot),
	}
}

// ProcessMessage applies one inbound message to the sender's conversation.
func (e *Engine) ProcessMessage(ctx context.Context, in wa.Inbound) {
	if in.FromMe || in.IsGroup || in.IsBroadcast || in.Sender == "" {
		return
	}

	s := e.acquire(in.Sender)
	defer e.release(in.Sender, s)
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("conversation step panicked", "sender", in.Sender, "panic", r, "stack", string(debug.Stack()))
			e.metrics.IncError("convo")
		}
	}()

	prev := e.current(ctx, s, in.Sender)
	next := e.step(ctx, prev.clone(), in)
	e.commit(ctx, s, in.Sender, prev, next)
}

// Expire clears the sender's conversation and session if it is still idle
// longer than timeout. It reports whether a session was evicted.
func (e *Engine) Expire(ctx context.Context, sender string, timeout time.Duration) bool {
	s := e.acquire(sender)
	defer e.release(sender, s)
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := e.sessions.LastActive(ctx, sender)
	if ok && e.now().Sub(last) <= timeout {
		return false
	}

	prev := e.current(ctx, s, sender)
	s.conv = nil
	if err := e.states.Delete(ctx, sender); err != nil {
		e.logger.Warn("delete conversation state failed", "sender", sender, "error", err)
		e.metrics.IncError("state")
	}
	if !ok {
		return false
	}
	e.sessions.Remove(ctx, sender)
	e.countTransition(modeOf(prev), ModeIdle)
	e.logger.Info("idle session evicted", "sender", sender, "mode", modeOf(prev), "last_active", last)
	return true
}

func (e *Engine) acquire(sender string) *slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[sender]
	if !ok {
		s = &slot{}
		e.slots[sender] = s
	}
	s.refs++
	return s
}

func (e *Engine) release(sender string, s *slot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s.refs--
	if s.refs == 0 && s.conv == nil {
		delete(e.slots, sender)
	}
}

func (e *Engine) current(ctx context.Context, s *slot, sender string) *Conversation {
	if s.loaded {
		return s.conv
	}
	conv, err := e.states.Load(ctx, sender)
	if err != nil {
		e.logger.Warn("load conversation state failed", "sender", sender, "error", err)
		e.metrics.IncError("state")
	}
	s.conv = conv
	s.loaded = true
	return conv
}

func (e *Engine) commit(ctx context.Context, s *slot, sender string, prev, next *Conversation) {
	e.countTransition(modeOf(prev), modeOf(next))
	s.conv = next

	if next == nil {
		if err := e.states.Delete(ctx, sender); err != nil {
			e.logger.Warn("delete conversation state failed", "sender", sender, "error", err)
			e.metrics.IncError("state")
		}
		e.sessions.Remove(ctx, sender)
		return
	}

	next.UpdatedAt = e.now().UTC()
	if err := e.states.Save(ctx, next); err != nil {
		e.logger.Warn("save conversation state failed", "sender", sender, "error", err)
		e.metrics.IncError("state")
	}
	e.sessions.Touch(ctx, sender)
}

func (e *Engine) step(ctx context.Context, conv *Conversation, in wa.Inbound) *Conversation {
	last, ok := e.sessions.LastActive(ctx, in.Sender)
	if !ok || e.now().Sub(last) > e.opts.IdleTimeout {
		if conv != nil {
			e.logger.Info("session expired, starting over", "sender", in.Sender, "mode", conv.Mode)
		}
		return e.welcome(ctx, in)
	}

	if modeOf(conv) == ModeIdle {
		next := &Conversation{Sender: in.Sender, DisplayName: in.DisplayName, Mode: ModeAwaitingProductChoice}
		if in.Text == "" {
			e.sendText(ctx, in.Sender, msgAskProduct)
			return next
		}
		return e.chooseProduct(ctx, next, in)
	}

	if conv.DisplayName == "" {
		conv.DisplayName = in.DisplayName
	}
	switch conv.Mode {
	case ModeAwaitingProductChoice:
		return e.chooseProduct(ctx, conv, in)
	case ModeAwaitingOrderConfirmation:
		if conv.Product == nil {
			break
		}
		if conv.Form == nil {
			return e.confirmProduct(ctx, conv, in)
		}
		return e.fillForm(ctx, conv, in)
	case ModeAwaitingPayment:
		if conv.Pending == nil {
			break
		}
		return e.awaitPayment(ctx, conv, in)
	}

	e.logger.Warn("inconsistent conversation state, restarting product choice", "sender", in.Sender, "mode", conv.Mode)
	conv.Mode = ModeAwaitingProductChoice
	conv.Product, conv.Form, conv.Pending = nil, nil, nil
	e.sendText(ctx, in.Sender, msgAskProduct)
	return conv
}

func (e *Engine) welcome(ctx context.Context, in wa.Inbound) *Conversation {
	e.sendText(ctx, in.Sender, formatWelcome(in.DisplayName))
	e.sendCatalogDocument(ctx, in.Sender)
	return &Conversation{Sender: in.Sender, DisplayName: in.DisplayName, Mode: ModeAwaitingProductChoice}
}

func (e *Engine) chooseProduct(ctx context.Context, conv *Conversation, in wa.Inbound) *Conversation {
	conv.Mode = ModeAwaitingProductChoice
	conv.Product, conv.Form = nil, nil

	if in.Text == "" {
		e.sendText(ctx, in.Sender, msgAskProduct)
		return conv
	}
	p, ok := e.catalog.Find(ctx, in.Text)
	if !ok {
		e.logger.Info("product not found", "sender", in.Sender, "query", in.Text)
		e.sendText(ctx, in.Sender, formatNotFound(in.Text))
		return conv
	}

	conv.Product = &p
	conv.Mode = ModeAwaitingOrderConfirmation
	e.sendProductCard(ctx, in.Sender, p)
	return conv
}

func (e *Engine) confirmProduct(ctx context.Context, conv *Conversation, in wa.Inbound) *Conversation {
	switch parseAnswer(in.Text) {
	case answerYes:
		conv.Form = &Form{Stage: StageCollectName}
		e.sendText(ctx, in.Sender, msgAskName)
	case answerNo:
		conv.Product = nil
		conv.Mode = ModeAwaitingProductChoice
		e.sendText(ctx, in.Sender, msgAskOtherProduct)
	default:
		e.sendText(ctx, in.Sender, msgYesNo)
	}
	return conv
}

func (e *Engine) fillForm(ctx context.Context, conv *Conversation, in wa.Inbound) *Conversation {
	f := conv.Form
	value := in.Text

	switch f.Stage {
	case StageCollectName:
		if value == "" {
			e.sendText(ctx, in.Sender, msgAskName)
			break
		}
		f.Name = value
		f.Stage = StageCollectID
		e.sendText(ctx, in.Sender, msgAskID)

	case StageCollectID:
		if value == "" {
			e.sendText(ctx, in.Sender, msgAskID)
			break
		}
		f.IDNumber = value
		f.Stage = StageConfirmBasics
		e.sendText(ctx, in.Sender, formatBasics(f))

	case StageConfirmBasics:
		switch parseAnswer(value) {
		case answerYes:
			f.Stage = StageCollectNeighborhood
			e.sendText(ctx, in.Sender, msgAskNeighborhood)
		case answerNo:
			conv.Form = &Form{Stage: StageCollectName}
			e.sendText(ctx, in.Sender, msgRestartBasics)
		default:
			e.sendText(ctx, in.Sender, msgYesNo)
		}

	case StageCollectNeighborhood:
		if value == "" {
			e.sendText(ctx, in.Sender, msgAskNeighborhood)
			break
		}
		f.Neighborhood = value
		f.Stage = StageCollectAddress
		e.sendText(ctx, in.Sender, msgAskAddress)

	case StageCollectAddress:
		if value == "" {
			e.sendText(ctx, in.Sender, msgAskAddress)
			break
		}
		f.Address = value
		f.Stage = StageCollectCity
		e.sendText(ctx, in.Sender, msgAskCity)

	case StageCollectCity:
		if value == "" {
			e.sendText(ctx, in.Sender, msgAskCity)
			break
		}
		f.City = value
		e.quote(ctx, conv, in.Sender)

	case StageFinalConfirm:
		switch parseAnswer(value) {
		case answerYes:
			conv.Pending = &PendingPayment{
				Checkout: uuid.NewString(),
				Customer: repo.Customer{
					Sender:       conv.Sender,
					DisplayName:  conv.DisplayName,
					Name:         f.Name,
					IDNumber:     f.IDNumber,
					Neighborhood: f.Neighborhood,
					Address:      f.Address,
					City:         f.City,
				},
				Product:      snapshotProduct(*conv.Product),
				DeliveryCost: f.DeliveryCost,
			}
			conv.Form, conv.Product = nil, nil
			conv.Mode = ModeAwaitingPayment
			e.sendText(ctx, in.Sender, formatPaymentInstructions(e.opts.PaymentInstructions, conv.Pending.Total()))
		case answerNo:
			conv.Form, conv.Product = nil, nil
			conv.Mode = ModeAwaitingProductChoice
			e.sendText(ctx, in.Sender, msgOrderCancelled)
		default:
			e.sendText(ctx, in.Sender, msgYesNo)
		}

	default:
		e.logger.Warn("unknown form stage, restarting form", "sender", in.Sender, "stage", f.Stage)
		conv.Form = &Form{Stage: StageCollectName}
		e.sendText(ctx, in.Sender, msgAskName)
	}
	return conv
}

// quote prices the collected address. On failure the form stays at CollectCity
// with every field kept so the next city message re-quotes.
func (e *Engine) quote(ctx context.Context, conv *Conversation, sender string) {
	f := conv.Form
	e.sendText(ctx, sender, msgComputing)

	q, err := e.quoter.Quote(ctx, delivery.Request{
		Address:      f.Address,
		Neighborhood: f.Neighborhood,
		City:         f.City,
	})
	if err != nil {
		e.logger.Warn("delivery quote failed", "sender", sender, "city", f.City, "error", err)
		e.metrics.IncError("delivery")
		e.sendText(ctx, sender, msgQuoteFailed)
		return
	}

	f.DeliveryCost = q.CostMinor
	f.MapImagePath = q.MapImagePath
	f.Stage = StageFinalConfirm

	summary := formatOrderSummary(*conv.Product, f)
	if f.MapImagePath != "" {
		data, err := os.ReadFile(f.MapImagePath)
		if err == nil {
			if err := e.messenger.SendImage(ctx, sender, data, "", summary); err == nil {
				return
			}
			e.logger.Warn("send delivery map failed", "sender", sender, "error", err)
		} else {
			e.logger.Warn("read delivery map failed", "path", f.MapImagePath, "error", err)
		}
	}
	e.sendText(ctx, sender, summary)
}

func (e *Engine) awaitPayment(ctx context.Context, conv *Conversation, in wa.Inbound) *Conversation {
	if !in.HasImage {
		e.logger.Debug("awaiting receipt, ignoring message without image", "sender", in.Sender)
		return conv
	}

	data, mimeType, err := e.messenger.DownloadImage(ctx, in)
	if err != nil {
		e.logger.Warn("download receipt failed", "sender", in.Sender, "error", err)
		e.metrics.IncError("wa")
		e.sendText(ctx, in.Sender, msgReceiptRetry)
		return conv
	}
	receiptPath, err := e.storeReceipt(in.Sender, data, mimeType)
	if err != nil {
		e.logger.Error("store receipt failed", "sender", in.Sender, "error", err)
		e.metrics.IncError("receipt")
	}

	p := conv.Pending
	order, err := e.ledger.Create(ctx, ledger.Draft{
		Key:          p.Checkout,
		Customer:     p.Customer,
		Product:      p.Product,
		DeliveryCost: p.DeliveryCost,
		ReceiptPath:  receiptPath,
	})
	if err != nil {
		e.logger.Error("create order failed", "sender", in.Sender, "error", err)
		e.metrics.IncError("ledger")
		e.sendText(ctx, in.Sender, msgOrderFailed)
		e.sendText(ctx, e.opts.OperatorJID, formatOperatorFailure(p))
		return conv
	}

	e.notifyOperator(ctx, order, in)
	e.sendText(ctx, in.Sender, formatThanks(order.ID))
	return nil
}

// notifyOperator sends the order summary and relays the receipt, degrading to
// the inline thumbnail and finally to a manual follow-up notice.
func (e *Engine) notifyOperator(ctx context.Context, order *repo.Order, in wa.Inbound) {
	operator := e.opts.OperatorJID
	e.sendText(ctx, operator, formatOperatorOrder(order))

	err := e.messenger.Forward(ctx, operator, in)
	if err == nil {
		return
	}
	e.logger.Warn("forward receipt failed", "order_id", order.ID, "error", err)

	if thumb := e.messenger.Thumbnail(in); len(thumb) > 0 {
		err = e.messenger.SendImage(ctx, operator, thumb, "image/jpeg", formatThumbnailCaption(order.ID))
		if err == nil {
			return
		}
		e.logger.Warn("send receipt thumbnail failed", "order_id", order.ID, "error", err)
	}
	e.metrics.IncError("wa")
	e.sendText(ctx, operator, formatManualFollowUp(order))
}

func (e *Engine) storeReceipt(sender string, data []byte, mimeType string) (string, error) {
	dir := e.opts.ReceiptDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure receipt dir: %w", err)
	}

	ext := ".jpg"
	switch strings.ToLower(mimeType) {
	case "image/png":
		ext = ".png"
	case "image/webp":
		ext = ".webp"
	}
	name := fmt.Sprintf("%s_%s_%s%s", phoneOf(sender), e.now().UTC().Format("20060102T150405"), uuid.NewString()[:8], ext)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write receipt: %w", err)
	}
	return path, nil
}

func (e *Engine) sendProductCard(ctx context.Context, to string, p catalog.Product) {
	caption := formatProductCard(p)
	if strings.TrimSpace(p.ImageURL) != "" {
		data, mimeType, err := e.catalog.Image(ctx, p)
		if err == nil {
			if err := e.messenger.SendImage(ctx, to, data, mimeType, caption); err == nil {
				return
			}
			e.logger.Warn("send product image failed", "product", p.ID, "error", err)
		} else {
			e.logger.Warn("fetch product image failed", "product", p.ID, "error", err)
		}
	}
	e.sendText(ctx, to, caption)
}

func (e *Engine) sendCatalogDocument(ctx context.Context, to string) {
	path := e.opts.CatalogDocumentPath
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		e.logger.Warn("read catalog document failed", "path", path, "error", err)
		return
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	if err := e.messenger.SendDocument(ctx, to, data, mimeType, filepath.Base(path), msgCatalogCaption); err != nil {
		e.logger.Warn("send catalog document failed", "to", to, "error", err)
		e.metrics.IncError("wa")
	}
}

func (e *Engine) sendText(ctx context.Context, to, text string) {
	if err := e.messenger.SendText(ctx, to, text); err != nil {
		e.logger.Warn("send message failed", "to", to, "error", err)
		e.metrics.IncError("wa")
	}
}

func (e *Engine) countTransition(from, to Mode) {
	if e.metrics == nil || from == to {
		return
	}
	e.metrics.ConversationTransitions.WithLabelValues(string(from), string(to)).Inc()
}

type answer int

const (
	answerOther answer = iota
	answerYes
	answerNo
)

func parseAnswer(text string) answer {
	switch strings.Trim(catalog.Normalize(text), ".,;!¡?¿ ") {
	case "si":
		return answerYes
	case "no":
		return answerNo
	}
	return answerOther
}
