// Package matching implements per-market order books and the price-time
// priority matching engine that owns them.
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/foresight/internal/domain"
)

const appendTimeout = 5 * time.Second

// matchNamespace seeds deterministic match ids so a replayed log reproduces them.
var matchNamespace = uuid.MustParse("6f1c8e0a-3b8e-4c1e-9a57-0d6c2f3e9b41")

// SignatureVerifier authenticates orders and cancels.
type SignatureVerifier interface {
	VerifyOrder(o domain.Order) error
	VerifyCancel(c CancelCommand) error
}

// Observer receives events after the mutation that produced them is durable.
// Publish may block to apply backpressure; it is never called under a book
// lock.
type Observer interface {
	Publish(ev domain.Event)
}

type nopObserver struct{}

func (nopObserver) Publish(domain.Event) {}

// CancelCommand removes one resting order, authenticated by the maker.
type CancelCommand struct {
	Market            string `json:"market"`
	Outcome           int    `json:"outcome"`
	Maker             string `json:"maker"`
	Salt              string `json:"salt"`
	Signature         string `json:"signature"`
	ChainID           int64  `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// SubmitResult is returned for an accepted order.
type SubmitResult struct {
	Order     domain.Order       `json:"order"`
	Matches   []domain.Match     `json:"matches"`
	Remaining domain.Amount      `json:"remainingAmount"`
	Status    domain.OrderStatus `json:"status"`
	Seq       uint64             `json:"seq"`
	Expired   int                `json:"expired,omitempty"`
}

// exposure is one maker's resting notional in a market, as amount*price sums.
type exposure struct {
	long  domain.Amount
	short domain.Amount
	open  int
}

// market groups the books of one market key.
// Lock order: Book.mu before market.mu. Never acquire a book lock while
// holding market.mu.
type market struct {
	key    string
	closed atomic.Bool
	seq    atomic.Uint64

	mu    sync.Mutex
	info  domain.Market
	books map[int]*Book
	seen  map[string]struct{}
	risk  map[string]*exposure

	// chain fills already applied, by ChainFill.Key, with their block
	fills    map[string]uint64
	fillHead uint64

	amu     sync.Mutex
	acond   *sync.Cond
	durable uint64
	failed  bool
}

func newMarket(key string) *market {
	m := &market{
		key:   key,
		info:  domain.Market{Key: key, Status: domain.MarketStatusOpen},
		books: make(map[int]*Book),
		seen:  make(map[string]struct{}),
		risk:  make(map[string]*exposure),
		fills: make(map[string]uint64),
	}
	m.acond = sync.NewCond(&m.amu)
	return m
}

// chainFillRetention is how many blocks an applied chain fill is remembered
// past the newest one seen. Rescans never reach further back than the
// ingest cursor, which trails the head by far less.
const chainFillRetention = 50_000

// markFill records an applied chain fill. The caller holds m.mu.
func (m *market) markFill(key string, block uint64) {
	m.fills[key] = block
	if block <= m.fillHead {
		return
	}
	m.fillHead = block
	if m.fillHead <= chainFillRetention || len(m.fills) < 1024 {
		return
	}
	floor := m.fillHead - chainFillRetention
	for k, b := range m.fills {
		if b < floor {
			delete(m.fills, k)
		}
	}
}

func (m *market) exposureOf(maker string) *exposure {
	x, ok := m.risk[maker]
	if !ok {
		x = &exposure{}
		m.risk[maker] = x
	}
	return x
}

// book returns the outcome book, creating it when create is set and the
// market is open.
func (m *market) book(outcome int, create bool) *Book {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[outcome]
	if ok || !create || m.closed.Load() {
		return b
	}
	b = newBook(domain.BookKey{Market: m.key, Outcome: outcome})
	m.books[outcome] = b
	return b
}

// sortedBooks returns the books in ascending outcome order.
func (m *market) sortedBooks() []*Book {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Book, 0, len(m.books))
	for _, b := range m.books {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.Outcome < out[j].key.Outcome })
	return out
}

// Engine owns every order book of the process.
type Engine struct {
	cfg      Config
	log      domain.EventLog
	verifier SignatureVerifier
	observer Observer
	logger   *slog.Logger
	clock    func() time.Time

	mu      sync.RWMutex
	markets map[string]*market

	ready    atomic.Bool
	writable atomic.Bool
	degraded atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithVerifier sets the signature verifier. Without one signatures are not checked.
func WithVerifier(v SignatureVerifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// New creates an Engine that is neither ready nor writable.
func New(cfg Config, log domain.EventLog, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		log:      log,
		observer: nopObserver{},
		logger:   logger.With(slog.String("component", "matching")),
		clock:    time.Now,
		markets:  make(map[string]*market),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// now returns the engine clock at the precision the durable log keeps.
func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Microsecond)
}

// SetReady marks whether state is known-good. Recovery sets it.
func (e *Engine) SetReady(v bool) { e.ready.Store(v) }

// Ready reports whether recovery has completed and the engine is not degraded.
func (e *Engine) Ready() bool { return e.ready.Load() && !e.degraded.Load() }

// SetWritable flips the write gate. The cluster coordinator calls it
// synchronously on leadership changes.
func (e *Engine) SetWritable(v bool) { e.writable.Store(v) }

// Writable reports whether the write gate is open.
func (e *Engine) Writable() bool { return e.writable.Load() }

// Degraded reports whether in-memory state diverged from the log.
func (e *Engine) Degraded() bool { return e.degraded.Load() }

func (e *Engine) writeGate() error {
	if !e.writable.Load() {
		return domain.ErrNotLeader
	}
	if !e.ready.Load() || e.degraded.Load() {
		return domain.ErrNotReady
	}
	return nil
}

func (e *Engine) market(key string, create bool) *market {
	e.mu.RLock()
	m, ok := e.markets[key]
	e.mu.RUnlock()
	if ok || !create {
		return m
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok = e.markets[key]; ok {
		return m
	}
	m = newMarket(key)
	e.markets[key] = m
	return m
}

// nextSeq assigns the next market sequence, or adopts a replayed one.
func (m *market) nextSeq(replaySeq uint64) uint64 {
	if replaySeq > 0 {
		m.seq.Store(replaySeq)
		return replaySeq
	}
	return m.seq.Add(1)
}

// newEntry encodes payload. The caller assigns Seq once nothing can fail.
func newEntry(market string, kind domain.LogKind, payload any, now time.Time) (domain.LogEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("matching: encode %s payload: %w", kind, err)
	}
	return domain.LogEntry{Market: market, Kind: kind, Payload: raw, RecordedAt: now}, nil
}

// commit appends entry after every lower sequence of its market is durable.
// A failed append poisons the market and degrades the engine, since memory
// already holds the mutation.
func (e *Engine) commit(ctx context.Context, m *market, entry domain.LogEntry) error {
	m.amu.Lock()
	for m.durable+1 != entry.Seq && !m.failed {
		m.acond.Wait()
	}
	if m.failed {
		m.amu.Unlock()
		return fmt.Errorf("matching: market %s: %w", m.key, domain.ErrStoreUnavailable)
	}
	m.amu.Unlock()

	var err error
	if !e.writable.Load() {
		err = domain.ErrNotLeader
	} else {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
		err = e.log.Append(actx, entry)
		cancel()
	}

	m.amu.Lock()
	defer m.amu.Unlock()
	defer m.acond.Broadcast()
	if err != nil {
		m.failed = true
		e.degraded.Store(true)
		e.logger.Error("event log append failed, engine degraded",
			slog.String("market", m.key),
			slog.Uint64("seq", entry.Seq),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, domain.ErrNotLeader) {
			return err
		}
		return fmt.Errorf("matching: append %s/%d: %w: %w", m.key, entry.Seq, domain.ErrStoreUnavailable, err)
	}
	m.durable = entry.Seq
	return nil
}

func (e *Engine) emit(events []domain.Event) {
	for _, ev := range events {
		e.observer.Publish(ev)
	}
}

func bookEvents(b *Book, seq uint64, now time.Time, depthLevels int) []domain.Event {
	d := b.depth(depthLevels)
	st := b.stats(now)
	return []domain.Event{
		{Type: domain.EventDepthUpdate, Market: b.key.Market, Outcome: b.key.Outcome, Seq: seq, Depth: &d, Timestamp: now},
		{Type: domain.EventStatsUpdate, Market: b.key.Market, Outcome: b.key.Outcome, Seq: seq, Stats: &st, Timestamp: now},
	}
}

// SubmitOrder validates, matches, and logs one order.
func (e *Engine) SubmitOrder(ctx context.Context, o domain.Order) (*SubmitResult, error) {
	if err := e.writeGate(); err != nil {
		return nil, err
	}
	now := e.now()
	if rej := e.cfg.validate(&o, now); rej != nil {
		return nil, rej
	}
	if e.verifier != nil {
		if err := e.verifier.VerifyOrder(o); err != nil {
			return nil, domain.Invalid(domain.RejectInvalidSignature, "%v", err)
		}
	}
	o.ID = domain.OrderID(o.Maker, o.Salt)
	o.Remaining = o.Amount
	o.CreatedAt = now
	o.Seq = 0

	m := e.market(o.Market, true)
	b := m.book(o.Outcome, true)
	if b == nil {
		return nil, domain.Refused(domain.RejectMarketClosed, "market %s is closed", o.Market)
	}

	b.mu.Lock()
	res, entry, events, err := e.applySubmit(m, b, o, now, 0, false)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, m, entry); err != nil {
		return nil, err
	}
	e.emit(events)
	return res, nil
}

// applySubmit runs one order against b. Caller holds b.mu. Rejections leave
// the book untouched. replay skips limit checks that were enforced on accept.
func (e *Engine) applySubmit(m *market, b *Book, o domain.Order, now time.Time, replaySeq uint64, replay bool) (*SubmitResult, domain.LogEntry, []domain.Event, error) {
	var none domain.LogEntry
	if m.closed.Load() {
		return nil, none, nil, domain.Refused(domain.RejectMarketClosed, "market %s is closed", o.Market)
	}
	rests := o.TimeInForce.Rests()

	if o.PostOnly && b.crosses(o.Side, o.Price, now) {
		return nil, none, nil, domain.Refused(domain.RejectPostOnlyWouldCross, "order would cross the book")
	}
	if o.TimeInForce == domain.TimeInForceFOK {
		if got := b.fillable(o.Side, o.Price, o.Amount, now); got.Lt(o.Amount) {
			return nil, none, nil, domain.Refused(domain.RejectFOKNotFillable, "only %s of %s fillable", got, o.Amount)
		}
	}
	if !replay && rests && e.cfg.MaxOrdersPerBook > 0 && len(b.orders) >= e.cfg.MaxOrdersPerBook {
		return nil, none, nil, domain.Refused(domain.RejectTooManyOrders, "book holds %d orders", len(b.orders))
	}

	worst := domain.MulPrice(o.Amount, o.Price)
	m.mu.Lock()
	if rej := e.admit(m, o, worst, rests, replay); rej != nil {
		m.mu.Unlock()
		return nil, none, nil, rej
	}
	m.mu.Unlock()

	entry, err := newEntry(m.key, domain.LogSubmit, domain.SubmitPayload{Order: o}, now)
	if err != nil {
		m.mu.Lock()
		delete(m.seen, o.ID)
		sub(m.exposureOf(o.Maker), o.Side, worst)
		m.mu.Unlock()
		return nil, none, nil, err
	}
	expired := b.prune(o.Side, o.Price, now)
	taker := o
	fills, more := b.take(&taker, now)
	expired = append(expired, more...)
	seq := m.nextSeq(replaySeq)
	entry.Seq = seq

	matches := make([]domain.Match, 0, len(fills))
	var events []domain.Event
	m.mu.Lock()
	for _, x := range expired {
		e.release(m, x, x.Remaining)
		events = append(events, domain.Event{Type: domain.EventOrderCanceled, Market: x.Market, Outcome: x.Outcome, Seq: seq, Order: copyOrder(x), Reason: "expired", Timestamp: now})
	}
	for i, f := range fills {
		e.releaseFill(m, f)
		notional := domain.Notional(f.amount, f.price)
		match := domain.Match{
			ID:           "match-" + uuid.NewSHA1(matchNamespace, []byte(fmt.Sprintf("%s|%d|%d", m.key, seq, i))).String(),
			Market:       o.Market,
			Outcome:      o.Outcome,
			MakerOrderID: f.maker.ID,
			TakerOrderID: o.ID,
			Maker:        f.maker.Maker,
			Taker:        o.Maker,
			TakerSide:    o.Side,
			Amount:       f.amount,
			Price:        f.price,
			MakerFee:     domain.Fee(notional, e.cfg.MakerFeeBps),
			TakerFee:     domain.Fee(notional, e.cfg.TakerFeeBps),
			Seq:          seq,
			Timestamp:    now,
		}
		b.recordTrade(f.price, notional, now)
		matches = append(matches, match)
		events = append(events,
			domain.Event{Type: domain.EventTrade, Market: o.Market, Outcome: o.Outcome, Seq: seq, Match: &match, Timestamp: now},
			domain.Event{Type: domain.EventOrderUpdated, Market: o.Market, Outcome: o.Outcome, Seq: seq, Order: copyOrder(f.maker), Timestamp: now},
		)
	}

	// Drop the worst-case reservation; keep only what rests.
	x := m.exposureOf(o.Maker)
	sub(x, o.Side, worst)
	rested := rests && !taker.Remaining.IsZero()
	if rested {
		add(x, o.Side, domain.MulPrice(taker.Remaining, o.Price))
		x.open++
	}
	m.mu.Unlock()

	status := takerStatus(taker, rested)
	if rested {
		resting := taker
		b.rest(&resting)
		taker = resting
	}
	events = append(events, domain.Event{Type: domain.EventOrderPlaced, Market: o.Market, Outcome: o.Outcome, Seq: seq, Order: copyOrder(&taker), Reason: string(status), Timestamp: now})
	events = append(events, bookEvents(b, seq, now, e.cfg.DepthLevels)...)

	res := &SubmitResult{
		Order:     taker,
		Matches:   matches,
		Remaining: taker.Remaining,
		Status:    status,
		Seq:       seq,
		Expired:   len(expired),
	}
	if !rested {
		res.Remaining = domain.Amount{}
	}
	return res, entry, events, nil
}

// admit runs the market-wide checks and, on success, reserves the salt and
// worst-case exposure. Caller holds m.mu.
func (e *Engine) admit(m *market, o domain.Order, worst domain.Amount, rests, replay bool) *domain.Rejection {
	if _, dup := m.seen[o.ID]; dup {
		return domain.Refused(domain.RejectDuplicateSalt, "salt %s already used by %s", o.Salt, o.Maker)
	}
	if m.info.VerifyingContract == "" {
		m.info.VerifyingContract = o.VerifyingContract
	} else if !strings.EqualFold(m.info.VerifyingContract, o.VerifyingContract) {
		return domain.Invalid(domain.RejectInvalidVerifyingAddress, "market %s is bound to %s", m.key, m.info.VerifyingContract)
	}
	x := m.exposureOf(o.Maker)
	if !replay {
		if rests && e.cfg.MaxOrdersPerUser > 0 && x.open >= e.cfg.MaxOrdersPerUser {
			return domain.Refused(domain.RejectTooManyOrders, "maker has %d open orders", x.open)
		}
		if o.Side == domain.OrderSideBuy && e.cfg.MaxLongExposure > 0 &&
			x.long.Add(worst).Gt(domain.Units(uint64(e.cfg.MaxLongExposure))) {
			return domain.Refused(domain.RejectRiskLimitExceeded, "long exposure cap %d exceeded", e.cfg.MaxLongExposure)
		}
		if o.Side == domain.OrderSideSell && e.cfg.MaxShortExposure > 0 &&
			x.short.Add(worst).Gt(domain.Units(uint64(e.cfg.MaxShortExposure))) {
			return domain.Refused(domain.RejectRiskLimitExceeded, "short exposure cap %d exceeded", e.cfg.MaxShortExposure)
		}
	}
	m.seen[o.ID] = struct{}{}
	add(x, o.Side, worst)
	return nil
}

func add(x *exposure, side domain.OrderSide, v domain.Amount) {
	if side == domain.OrderSideBuy {
		x.long = x.long.Add(v)
	} else {
		x.short = x.short.Add(v)
	}
}

func sub(x *exposure, side domain.OrderSide, v domain.Amount) {
	if side == domain.OrderSideBuy {
		x.long = x.long.Sub(v)
	} else {
		x.short = x.short.Sub(v)
	}
}

// release removes a resting order's remaining exposure. Caller holds m.mu.
func (e *Engine) release(m *market, o *domain.Order, remaining domain.Amount) {
	x := m.exposureOf(o.Maker)
	sub(x, o.Side, domain.MulPrice(remaining, o.Price))
	if x.open > 0 {
		x.open--
	}
}

func (e *Engine) releaseFill(m *market, f fill) {
	x := m.exposureOf(f.maker.Maker)
	sub(x, f.maker.Side, domain.MulPrice(f.amount, f.maker.Price))
	if f.done && x.open > 0 {
		x.open--
	}
}

func takerStatus(o domain.Order, rested bool) domain.OrderStatus {
	switch {
	case o.Remaining.IsZero():
		return domain.OrderStatusFilled
	case rested && o.Remaining.Eq(o.Amount):
		return domain.OrderStatusOpen
	case rested:
		return domain.OrderStatusPartiallyFilled
	case o.Remaining.Lt(o.Amount):
		return domain.OrderStatusPartiallyFilled
	default:
		return domain.OrderStatusKilled
	}
}

func copyOrder(o *domain.Order) *domain.Order {
	c := *o
	return &c
}

// CancelOrder removes a resting order if the signature authenticates its maker.
func (e *Engine) CancelOrder(ctx context.Context, c CancelCommand) (*domain.Order, error) {
	if err := e.writeGate(); err != nil {
		return nil, err
	}
	if !isAddress(c.Maker) {
		return nil, domain.Invalid(domain.RejectInvalidMaker, "maker is not an address")
	}
	c.Maker = strings.ToLower(c.Maker)
	if c.Signature == "" {
		return nil, domain.Invalid(domain.RejectInvalidSignature, "missing signature")
	}
	salt, err := uint256.FromDecimal(c.Salt)
	if err != nil || salt.IsZero() {
		return nil, domain.Invalid(domain.RejectInvalidSalt, "salt must be a positive integer")
	}
	c.Salt = salt.Dec()
	id := domain.OrderID(c.Maker, c.Salt)
	m := e.market(c.Market, false)
	if m == nil {
		return nil, domain.Refused(domain.RejectOrderNotFound, "order %s not found", id)
	}
	if c.ChainID == 0 {
		c.ChainID = e.cfg.ChainID
	}
	if c.VerifyingContract == "" {
		m.mu.Lock()
		c.VerifyingContract = m.info.VerifyingContract
		m.mu.Unlock()
	}
	if e.verifier != nil {
		if err := e.verifier.VerifyCancel(c); err != nil {
			return nil, domain.Invalid(domain.RejectInvalidSignature, "%v", err)
		}
	}
	b := m.book(c.Outcome, false)
	if b == nil {
		return nil, domain.Refused(domain.RejectOrderNotFound, "order %s not found", id)
	}
	now := e.now()
	b.mu.Lock()
	o, entry, events, err := e.applyCancel(m, b, id, now, 0)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, m, entry); err != nil {
		return nil, err
	}
	e.emit(events)
	return o, nil
}

func (e *Engine) applyCancel(m *market, b *Book, id string, now time.Time, replaySeq uint64) (*domain.Order, domain.LogEntry, []domain.Event, error) {
	if _, ok := b.orders[id]; !ok {
		return nil, domain.LogEntry{}, nil, domain.Refused(domain.RejectOrderNotFound, "order %s not found", id)
	}
	entry, err := newEntry(m.key, domain.LogCancel, domain.CancelPayload{Outcome: b.key.Outcome, OrderID: id}, now)
	if err != nil {
		return nil, domain.LogEntry{}, nil, err
	}
	o := b.remove(id)
	seq := m.nextSeq(replaySeq)
	entry.Seq = seq
	m.mu.Lock()
	e.release(m, o, o.Remaining)
	m.mu.Unlock()
	events := []domain.Event{{Type: domain.EventOrderCanceled, Market: m.key, Outcome: b.key.Outcome, Seq: seq, Order: copyOrder(o), Timestamp: now}}
	events = append(events, bookEvents(b, seq, now, e.cfg.DepthLevels)...)
	return o, entry, events, nil
}

// CloseMarket cancels every resting order of the market across outcomes and
// makes it non-tradable. Closing a closed market is a no-op.
func (e *Engine) CloseMarket(ctx context.Context, key, reason string) (int, error) {
	if err := e.writeGate(); err != nil {
		return 0, err
	}
	if _, _, ok := domain.ParseMarketKey(key); !ok {
		return 0, domain.Invalid(domain.RejectInvalidMarketKey, "market key %q is not chainId:eventId", key)
	}
	m := e.market(key, true)
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return 0, nil
	}
	m.closed.Store(true)
	m.mu.Unlock()

	now := e.now()
	books := m.sortedBooks()
	for _, b := range books {
		b.mu.Lock()
	}
	n, entry, events, err := e.applyClose(m, books, reason, now, 0)
	for i := len(books) - 1; i >= 0; i-- {
		books[i].mu.Unlock()
	}
	if err != nil {
		return 0, err
	}
	if err := e.commit(ctx, m, entry); err != nil {
		return 0, err
	}
	e.emit(events)
	e.logger.InfoContext(ctx, "market closed", slog.String("market", key), slog.String("reason", reason), slog.Int("canceled", n))
	return n, nil
}

// applyClose cancels all orders. Caller holds every book lock in ascending order.
func (e *Engine) applyClose(m *market, books []*Book, reason string, now time.Time, replaySeq uint64) (int, domain.LogEntry, []domain.Event, error) {
	entry, err := newEntry(m.key, domain.LogClose, domain.ClosePayload{Reason: reason}, now)
	if err != nil {
		return 0, domain.LogEntry{}, nil, err
	}
	m.closed.Store(true)
	seq := m.nextSeq(replaySeq)
	entry.Seq = seq
	var events []domain.Event
	n := 0
	m.mu.Lock()
	m.info.Status = domain.MarketStatusClosed
	m.info.CloseReason = reason
	closedAt := now
	m.info.ClosedAt = &closedAt
	m.mu.Unlock()
	for _, b := range books {
		canceled := b.state().Orders
		for i := range canceled {
			o := b.remove(canceled[i].ID)
			m.mu.Lock()
			e.release(m, o, o.Remaining)
			m.mu.Unlock()
			events = append(events, domain.Event{Type: domain.EventOrderCanceled, Market: m.key, Outcome: b.key.Outcome, Seq: seq, Order: copyOrder(o), Reason: "market_closed", Timestamp: now})
			n++
		}
		events = append(events, domain.Event{Type: domain.EventMarketClosed, Market: m.key, Outcome: b.key.Outcome, Seq: seq, Reason: reason, Timestamp: now})
		events = append(events, bookEvents(b, seq, now, e.cfg.DepthLevels)...)
	}
	return n, entry, events, nil
}

// ExpireOrders sweeps every book for resting orders past their deadline.
func (e *Engine) ExpireOrders(ctx context.Context) (int, error) {
	if err := e.writeGate(); err != nil {
		return 0, err
	}
	now := e.now()
	total := 0
	for _, m := range e.allMarkets() {
		for _, b := range m.sortedBooks() {
			b.mu.Lock()
			n, entry, events, err := e.applyExpire(m, b, now, 0)
			b.mu.Unlock()
			if err != nil {
				return total, err
			}
			if n == 0 {
				continue
			}
			if err := e.commit(ctx, m, entry); err != nil {
				return total, err
			}
			e.emit(events)
			total += n
		}
	}
	return total, nil
}

func (e *Engine) applyExpire(m *market, b *Book, now time.Time, replaySeq uint64) (int, domain.LogEntry, []domain.Event, error) {
	entry, err := newEntry(m.key, domain.LogExpire, domain.ExpirePayload{Outcome: b.key.Outcome}, now)
	if err != nil {
		return 0, domain.LogEntry{}, nil, err
	}
	expired := b.expire(now)
	if len(expired) == 0 && replaySeq == 0 {
		return 0, domain.LogEntry{}, nil, nil
	}
	seq := m.nextSeq(replaySeq)
	entry.Seq = seq
	var events []domain.Event
	m.mu.Lock()
	for _, o := range expired {
		e.release(m, o, o.Remaining)
		events = append(events, domain.Event{Type: domain.EventOrderCanceled, Market: m.key, Outcome: b.key.Outcome, Seq: seq, Order: copyOrder(o), Reason: "expired", Timestamp: now})
	}
	m.mu.Unlock()
	events = append(events, bookEvents(b, seq, now, e.cfg.DepthLevels)...)
	return len(expired), entry, events, nil
}

// ApplyChainFill reduces a resting order by an amount already filled on-chain.
func (e *Engine) ApplyChainFill(ctx context.Context, f domain.ChainFill) error {
	if err := e.writeGate(); err != nil {
		return err
	}
	f.Maker = strings.ToLower(f.Maker)
	id := domain.OrderID(f.Maker, f.Salt)
	m := e.market(f.Market, false)
	if m == nil {
		return fmt.Errorf("matching: chain fill %s: %w", id, domain.ErrNotFound)
	}
	now := e.now()
	for _, b := range m.sortedBooks() {
		b.mu.Lock()
		if _, ok := b.orders[id]; !ok {
			b.mu.Unlock()
			continue
		}
		entry, events, err := e.applyChainFill(m, b, f, now, 0)
		b.mu.Unlock()
		if err != nil {
			return err
		}
		if err := e.commit(ctx, m, entry); err != nil {
			return err
		}
		e.emit(events)
		return nil
	}
	return fmt.Errorf("matching: chain fill %s: %w", id, domain.ErrNotFound)
}

// ApplyChainCancel removes a resting order whose salt was canceled on-chain.
// The chain event is the authority, so no signature is checked.
func (e *Engine) ApplyChainCancel(ctx context.Context, marketKey, maker, salt string) (*domain.Order, error) {
	if err := e.writeGate(); err != nil {
		return nil, err
	}
	id := domain.OrderID(strings.ToLower(maker), salt)
	m := e.market(marketKey, false)
	if m == nil {
		return nil, fmt.Errorf("matching: chain cancel %s: %w", id, domain.ErrNotFound)
	}
	now := e.now()
	for _, b := range m.sortedBooks() {
		b.mu.Lock()
		if _, ok := b.orders[id]; !ok {
			b.mu.Unlock()
			continue
		}
		o, entry, events, err := e.applyCancel(m, b, id, now, 0)
		b.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if err := e.commit(ctx, m, entry); err != nil {
			return nil, err
		}
		e.emit(events)
		return o, nil
	}
	return nil, fmt.Errorf("matching: chain cancel %s: %w", id, domain.ErrNotFound)
}

func (e *Engine) applyChainFill(m *market, b *Book, f domain.ChainFill, now time.Time, replaySeq uint64) (domain.LogEntry, []domain.Event, error) {
	id := domain.OrderID(f.Maker, f.Salt)
	o, ok := b.orders[id]
	if !ok {
		return domain.LogEntry{}, nil, fmt.Errorf("matching: chain fill %s: %w", id, domain.ErrNotFound)
	}
	key := f.Key()
	if key != "" {
		m.mu.Lock()
		_, dup := m.fills[key]
		m.mu.Unlock()
		if dup {
			return domain.LogEntry{}, nil, fmt.Errorf("matching: chain fill %s: %w", key, domain.ErrAlreadyExists)
		}
	}
	entry, err := newEntry(m.key, domain.LogChainFill, f, now)
	if err != nil {
		return domain.LogEntry{}, nil, err
	}
	seq := m.nextSeq(replaySeq)
	entry.Seq = seq
	qty := f.Amount.Min(o.Remaining)
	o.Remaining = o.Remaining.Sub(qty)
	done := o.Remaining.IsZero()
	if done {
		b.remove(id)
	}
	m.mu.Lock()
	e.releaseFill(m, fill{maker: o, amount: qty, price: o.Price, done: done})
	if key != "" {
		m.markFill(key, f.Block)
	}
	m.mu.Unlock()
	events := []domain.Event{{Type: domain.EventOrderUpdated, Market: m.key, Outcome: b.key.Outcome, Seq: seq, Order: copyOrder(o), Reason: "chain_fill", Timestamp: now}}
	events = append(events, bookEvents(b, seq, now, e.cfg.DepthLevels)...)
	return entry, events, nil
}

func (e *Engine) allMarkets() []*market {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*market, 0, len(e.markets))
	for _, m := range e.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
