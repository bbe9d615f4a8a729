package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// Reset drops every market and marks the engine not ready.
func (e *Engine) Reset() {
	e.ready.Store(false)
	e.mu.Lock()
	e.markets = make(map[string]*market)
	e.mu.Unlock()
	e.degraded.Store(false)
}

// Restore installs checkpoints into an engine that was just Reset.
func (e *Engine) Restore(cps []domain.Checkpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range cps {
		if _, ok := e.markets[cp.Market.Key]; ok {
			return fmt.Errorf("matching: restore %s: %w", cp.Market.Key, domain.ErrAlreadyExists)
		}
		m := newMarket(cp.Market.Key)
		m.info = cp.Market
		m.closed.Store(cp.Market.Status == domain.MarketStatusClosed)
		m.seq.Store(cp.Seq)
		m.durable = cp.Seq
		for _, id := range cp.OrderIDs {
			m.seen[id] = struct{}{}
		}
		for k, block := range cp.ChainFills {
			m.fills[k] = block
			m.fillHead = max(m.fillHead, block)
		}
		for _, st := range cp.Books {
			b := restoreBook(st)
			m.books[st.Outcome] = b
			for _, o := range b.orders {
				m.seen[o.ID] = struct{}{}
				x := m.exposureOf(o.Maker)
				add(x, o.Side, domain.MulPrice(o.Remaining, o.Price))
				x.open++
			}
		}
		e.markets[m.key] = m
	}
	return nil
}

// LastSeq returns the last applied sequence of a market, 0 when unknown.
func (e *Engine) LastSeq(key string) uint64 {
	m := e.market(key, false)
	if m == nil {
		return 0
	}
	return m.seq.Load()
}

// Replay re-applies one logged mutation. Entries at or below the market's
// current sequence are skipped and reported as not applied; a gap is fatal.
func (e *Engine) Replay(entry domain.LogEntry) (bool, error) {
	m := e.market(entry.Market, true)
	last := m.seq.Load()
	if entry.Seq <= last {
		return false, nil
	}
	if entry.Seq != last+1 {
		return false, fmt.Errorf("matching: replay %s: expected seq %d, got %d: %w", entry.Market, last+1, entry.Seq, domain.ErrCorruptLog)
	}
	now := entry.RecordedAt.UTC()
	var err error
	switch entry.Kind {
	case domain.LogSubmit:
		var p domain.SubmitPayload
		if err = json.Unmarshal(entry.Payload, &p); err != nil {
			break
		}
		b := m.book(p.Order.Outcome, true)
		if b == nil {
			err = fmt.Errorf("submit into closed market")
			break
		}
		b.mu.Lock()
		_, _, _, err = e.applySubmit(m, b, p.Order, now, entry.Seq, true)
		b.mu.Unlock()
	case domain.LogCancel:
		var p domain.CancelPayload
		if err = json.Unmarshal(entry.Payload, &p); err != nil {
			break
		}
		b := m.book(p.Outcome, false)
		if b == nil {
			err = fmt.Errorf("cancel in unknown book %d", p.Outcome)
			break
		}
		b.mu.Lock()
		_, _, _, err = e.applyCancel(m, b, p.OrderID, now, entry.Seq)
		b.mu.Unlock()
	case domain.LogClose:
		var p domain.ClosePayload
		if err = json.Unmarshal(entry.Payload, &p); err != nil {
			break
		}
		books := m.sortedBooks()
		for _, b := range books {
			b.mu.Lock()
		}
		_, _, _, err = e.applyClose(m, books, p.Reason, now, entry.Seq)
		for i := len(books) - 1; i >= 0; i-- {
			books[i].mu.Unlock()
		}
	case domain.LogExpire:
		var p domain.ExpirePayload
		if err = json.Unmarshal(entry.Payload, &p); err != nil {
			break
		}
		b := m.book(p.Outcome, false)
		if b == nil {
			err = fmt.Errorf("expire in unknown book %d", p.Outcome)
			break
		}
		b.mu.Lock()
		_, _, _, err = e.applyExpire(m, b, now, entry.Seq)
		b.mu.Unlock()
	case domain.LogChainFill:
		var f domain.ChainFill
		if err = json.Unmarshal(entry.Payload, &f); err != nil {
			break
		}
		err = fmt.Errorf("order %s not resting", domain.OrderID(f.Maker, f.Salt))
		for _, b := range m.sortedBooks() {
			b.mu.Lock()
			_, ok := b.orders[domain.OrderID(f.Maker, f.Salt)]
			if ok {
				_, _, err = e.applyChainFill(m, b, f, now, entry.Seq)
			}
			b.mu.Unlock()
			if ok {
				break
			}
		}
	default:
		err = fmt.Errorf("unknown kind %q", entry.Kind)
	}
	if err != nil {
		return false, fmt.Errorf("matching: replay %s/%d: %w: %w", entry.Market, entry.Seq, domain.ErrCorruptLog, err)
	}
	m.seq.Store(entry.Seq)
	m.amu.Lock()
	m.durable = entry.Seq
	m.amu.Unlock()
	return true, nil
}

// Checkpoint captures the durable state of one market. It returns
// ErrNotFound for unknown markets.
func (e *Engine) Checkpoint(ctx context.Context, key string) (domain.Checkpoint, error) {
	m := e.market(key, false)
	if m == nil {
		return domain.Checkpoint{}, fmt.Errorf("matching: checkpoint %s: %w", key, domain.ErrNotFound)
	}
	books := m.sortedBooks()
	for _, b := range books {
		b.mu.Lock()
	}
	cp := domain.Checkpoint{Seq: m.seq.Load(), TakenAt: e.now()}
	for _, b := range books {
		cp.Books = append(cp.Books, b.state())
	}
	m.mu.Lock()
	cp.Market = m.info
	cp.Market.Seq = cp.Seq
	cp.OrderIDs = make([]string, 0, len(m.seen))
	for id := range m.seen {
		cp.OrderIDs = append(cp.OrderIDs, id)
	}
	if len(m.fills) > 0 {
		cp.ChainFills = make(map[string]uint64, len(m.fills))
		for k, block := range m.fills {
			cp.ChainFills[k] = block
		}
	}
	m.mu.Unlock()
	for i := len(books) - 1; i >= 0; i-- {
		books[i].mu.Unlock()
	}
	sort.Strings(cp.OrderIDs)

	// Wait until every sequence the copy reflects is in the log.
	m.amu.Lock()
	defer m.amu.Unlock()
	for m.durable < cp.Seq && !m.failed {
		if err := ctx.Err(); err != nil {
			return domain.Checkpoint{}, err
		}
		m.acond.Wait()
	}
	if m.failed {
		return domain.Checkpoint{}, fmt.Errorf("matching: checkpoint %s: %w", key, domain.ErrStoreUnavailable)
	}
	return cp, nil
}

// Checkpoints captures every market.
func (e *Engine) Checkpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	markets := e.allMarkets()
	out := make([]domain.Checkpoint, 0, len(markets))
	for _, m := range markets {
		cp, err := e.Checkpoint(ctx, m.key)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// BookView pairs the full and public state of one book.
type BookView struct {
	State  domain.BookState
	Public domain.PublicView
}

// Views copies every book for replication.
func (e *Engine) Views() []BookView {
	var out []BookView
	now := e.now()
	for _, m := range e.allMarkets() {
		for _, b := range m.sortedBooks() {
			b.mu.Lock()
			v := BookView{
				State:  b.state(),
				Public: domain.PublicView{Depth: b.depth(e.cfg.DepthLevels), Stats: b.stats(now)},
			}
			b.mu.Unlock()
			out = append(out, v)
		}
	}
	return out
}

func (e *Engine) findBook(key domain.BookKey) *Book {
	m := e.market(key.Market, false)
	if m == nil {
		return nil
	}
	return m.book(key.Outcome, false)
}

// Depth returns up to levels aggregated price levels per side.
func (e *Engine) Depth(key domain.BookKey, levels int) (domain.Depth, bool) {
	b := e.findBook(key)
	if b == nil {
		return domain.Depth{Market: key.Market, Outcome: key.Outcome}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth(levels), true
}

// Stats returns the ticker of one book.
func (e *Engine) Stats(key domain.BookKey) (domain.BookStats, bool) {
	b := e.findBook(key)
	if b == nil {
		return domain.BookStats{Market: key.Market, Outcome: key.Outcome}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats(e.now()), true
}

// Order looks up a resting order by id within a market.
func (e *Engine) Order(marketKey, id string) (domain.Order, bool) {
	m := e.market(marketKey, false)
	if m == nil {
		return domain.Order{}, false
	}
	id = strings.ToLower(id)
	for _, b := range m.sortedBooks() {
		b.mu.Lock()
		o, ok := b.orders[id]
		var c domain.Order
		if ok {
			c = *o
		}
		b.mu.Unlock()
		if ok {
			return c, true
		}
	}
	return domain.Order{}, false
}

// OpenOrders lists a maker's resting orders in a market by arrival.
func (e *Engine) OpenOrders(marketKey, maker string) []domain.Order {
	m := e.market(marketKey, false)
	if m == nil {
		return nil
	}
	maker = strings.ToLower(maker)
	var out []domain.Order
	for _, b := range m.sortedBooks() {
		b.mu.Lock()
		for _, o := range b.orders {
			if o.Maker == maker {
				out = append(out, *o)
			}
		}
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Outcome != out[j].Outcome {
			return out[i].Outcome < out[j].Outcome
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Markets lists every known market.
func (e *Engine) Markets() []domain.Market {
	ms := e.allMarkets()
	out := make([]domain.Market, 0, len(ms))
	for _, m := range ms {
		m.mu.Lock()
		info := m.info
		m.mu.Unlock()
		info.Seq = m.seq.Load()
		out = append(out, info)
	}
	return out
}

// MarketByContract finds the market bound to a verifying contract.
func (e *Engine) MarketByContract(addr string) (string, bool) {
	for _, m := range e.Markets() {
		if strings.EqualFold(m.VerifyingContract, addr) {
			return m.Key, true
		}
	}
	return "", false
}

// PublicFromState rebuilds the public view of a book from its full state.
func PublicFromState(st domain.BookState, levels int, now time.Time) domain.PublicView {
	b := restoreBook(st)
	return domain.PublicView{Depth: b.depth(levels), Stats: b.stats(now)}
}
