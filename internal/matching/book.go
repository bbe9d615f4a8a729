package matching

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
)

const volumeWindow = 24 * time.Hour

// level is one price with its FIFO queue of resting orders.
type level struct {
	price  int64
	orders []*domain.Order
}

func (l *level) total() domain.Amount {
	var sum domain.Amount
	for _, o := range l.orders {
		sum = sum.Add(o.Remaining)
	}
	return sum
}

// bookSide keeps levels sorted best-first: bids descending, asks ascending.
type bookSide struct {
	bids   bool
	levels []*level
}

func (s *bookSide) better(a, b int64) bool {
	if s.bids {
		return a > b
	}
	return a < b
}

func (s *bookSide) find(price int64) (int, bool) {
	i := sort.Search(len(s.levels), func(i int) bool {
		return !s.better(s.levels[i].price, price)
	})
	return i, i < len(s.levels) && s.levels[i].price == price
}

func (s *bookSide) push(o *domain.Order) {
	i, ok := s.find(o.Price)
	if ok {
		s.levels[i].orders = append(s.levels[i].orders, o)
		return
	}
	s.levels = append(s.levels, nil)
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = &level{price: o.Price, orders: []*domain.Order{o}}
}

func (s *bookSide) remove(o *domain.Order) bool {
	i, ok := s.find(o.Price)
	if !ok {
		return false
	}
	lv := s.levels[i]
	for j, r := range lv.orders {
		if r == o {
			lv.orders = append(lv.orders[:j], lv.orders[j+1:]...)
			if len(lv.orders) == 0 {
				s.levels = append(s.levels[:i], s.levels[i+1:]...)
			}
			return true
		}
	}
	return false
}

func (s *bookSide) best() *level {
	if len(s.levels) == 0 {
		return nil
	}
	return s.levels[0]
}

// Book is the in-memory bid/ask structure of one (market, outcome) pair.
// Callers must hold mu for every method.
type Book struct {
	mu sync.Mutex

	key            domain.BookKey
	bids           bookSide
	asks           bookSide
	orders         map[string]*domain.Order
	nextSeq        uint64
	lastTradePrice int64
	volume         []domain.VolumeBucket
}

func newBook(key domain.BookKey) *Book {
	return &Book{
		key:    key,
		bids:   bookSide{bids: true},
		asks:   bookSide{bids: false},
		orders: make(map[string]*domain.Order),
	}
}

func (b *Book) side(s domain.OrderSide) *bookSide {
	if s == domain.OrderSideBuy {
		return &b.bids
	}
	return &b.asks
}

// satisfies reports whether a resting price is acceptable to a taker limit.
func satisfies(takerSide domain.OrderSide, limit, resting int64) bool {
	if takerSide == domain.OrderSideBuy {
		return resting <= limit
	}
	return resting >= limit
}

func (b *Book) rest(o *domain.Order) {
	b.nextSeq++
	o.Seq = b.nextSeq
	b.orders[o.ID] = o
	b.side(o.Side).push(o)
}

func (b *Book) remove(id string) *domain.Order {
	o, ok := b.orders[id]
	if !ok {
		return nil
	}
	delete(b.orders, id)
	b.side(o.Side).remove(o)
	return o
}

// crosses reports whether an order at price on side would match immediately,
// ignoring resting orders already expired at now.
func (b *Book) crosses(side domain.OrderSide, price int64, now time.Time) bool {
	opp := b.side(side.Opposite())
	for _, lv := range opp.levels {
		if !satisfies(side, price, lv.price) {
			return false
		}
		for _, o := range lv.orders {
			if !o.ExpiredAt(now) {
				return true
			}
		}
	}
	return false
}

// fillable walks the opposite side without mutating it and returns how much of
// want could be filled at or better than price, stopping once want is reached.
func (b *Book) fillable(side domain.OrderSide, price int64, want domain.Amount, now time.Time) domain.Amount {
	var got domain.Amount
	opp := b.side(side.Opposite())
	for _, lv := range opp.levels {
		if !satisfies(side, price, lv.price) {
			break
		}
		for _, o := range lv.orders {
			if o.ExpiredAt(now) {
				continue
			}
			got = got.Add(o.Remaining)
			if !got.Lt(want) {
				return got
			}
		}
	}
	return got
}

// prune removes expired orders on the side opposite to side whose prices an
// order at price would reach. Call only for accepted commands.
func (b *Book) prune(side domain.OrderSide, price int64, now time.Time) []*domain.Order {
	var out []*domain.Order
	opp := b.side(side.Opposite())
	for _, lv := range opp.levels {
		if !satisfies(side, price, lv.price) {
			break
		}
		for _, o := range lv.orders {
			if o.ExpiredAt(now) {
				out = append(out, o)
			}
		}
	}
	for _, o := range out {
		b.remove(o.ID)
	}
	return out
}

// fill is one maker consumption produced by take.
type fill struct {
	maker  *domain.Order
	amount domain.Amount
	price  int64
	done   bool
}

// take consumes the opposite side for taker by price-time priority. Expired
// makers met on the way are removed and returned separately.
func (b *Book) take(taker *domain.Order, now time.Time) (fills []fill, expired []*domain.Order) {
	opp := b.side(taker.Side.Opposite())
	for !taker.Remaining.IsZero() {
		lv := opp.best()
		if lv == nil || !satisfies(taker.Side, taker.Price, lv.price) {
			break
		}
		maker := lv.orders[0]
		if maker.ExpiredAt(now) {
			b.remove(maker.ID)
			expired = append(expired, maker)
			continue
		}
		qty := taker.Remaining.Min(maker.Remaining)
		taker.Remaining = taker.Remaining.Sub(qty)
		maker.Remaining = maker.Remaining.Sub(qty)
		f := fill{maker: maker, amount: qty, price: maker.Price}
		if maker.Remaining.IsZero() {
			b.remove(maker.ID)
			f.done = true
		}
		fills = append(fills, f)
	}
	return fills, expired
}

// expire removes every resting order whose deadline has passed at now.
func (b *Book) expire(now time.Time) []*domain.Order {
	var out []*domain.Order
	for _, o := range b.orders {
		if o.ExpiredAt(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	for _, o := range out {
		b.remove(o.ID)
	}
	return out
}

func (b *Book) recordTrade(price int64, notional domain.Amount, now time.Time) {
	b.lastTradePrice = price
	minute := now.Unix() / 60
	n := len(b.volume)
	if n > 0 && b.volume[n-1].Minute == minute {
		b.volume[n-1].Notional = b.volume[n-1].Notional.Add(notional)
	} else {
		b.volume = append(b.volume, domain.VolumeBucket{Minute: minute, Notional: notional})
	}
	cutoff := now.Add(-volumeWindow).Unix() / 60
	drop := 0
	for drop < len(b.volume) && b.volume[drop].Minute <= cutoff {
		drop++
	}
	if drop > 0 {
		b.volume = append(b.volume[:0], b.volume[drop:]...)
	}
}

func (b *Book) volume24h(now time.Time) domain.Amount {
	cutoff := now.Add(-volumeWindow).Unix() / 60
	var sum domain.Amount
	for _, v := range b.volume {
		if v.Minute > cutoff {
			sum = sum.Add(v.Notional)
		}
	}
	return sum
}

func sideLevels(s *bookSide, limit int) ([]domain.PriceLevel, domain.Amount) {
	var total domain.Amount
	out := make([]domain.PriceLevel, 0, min(limit, len(s.levels)))
	for i, lv := range s.levels {
		t := lv.total()
		total = total.Add(t)
		if limit <= 0 || i < limit {
			out = append(out, domain.PriceLevel{Price: lv.price, Amount: t, Count: len(lv.orders)})
		}
	}
	return out, total
}

func (b *Book) depth(limit int) domain.Depth {
	bids, _ := sideLevels(&b.bids, limit)
	asks, _ := sideLevels(&b.asks, limit)
	return domain.Depth{Market: b.key.Market, Outcome: b.key.Outcome, Bids: bids, Asks: asks}
}

func (b *Book) stats(now time.Time) domain.BookStats {
	_, bidTotal := sideLevels(&b.bids, 0)
	_, askTotal := sideLevels(&b.asks, 0)
	st := domain.BookStats{
		Market:         b.key.Market,
		Outcome:        b.key.Outcome,
		BidDepth:       bidTotal,
		AskDepth:       askTotal,
		LastTradePrice: b.lastTradePrice,
		Volume24h:      b.volume24h(now),
		UpdatedAt:      now,
	}
	if lv := b.bids.best(); lv != nil {
		st.BestBid = lv.price
	}
	if lv := b.asks.best(); lv != nil {
		st.BestAsk = lv.price
	}
	if st.BestBid > 0 && st.BestAsk > 0 {
		st.Spread = st.BestAsk - st.BestBid
	}
	return st
}

// state copies the book into its restorable form, orders in arrival order.
func (b *Book) state() domain.BookState {
	orders := make([]domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		orders = append(orders, *o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Seq < orders[j].Seq })
	vol := make([]domain.VolumeBucket, len(b.volume))
	copy(vol, b.volume)
	return domain.BookState{
		Market:         b.key.Market,
		Outcome:        b.key.Outcome,
		Orders:         orders,
		NextSeq:        b.nextSeq,
		LastTradePrice: b.lastTradePrice,
		Volume:         vol,
	}
}

func restoreBook(st domain.BookState) *Book {
	b := newBook(domain.BookKey{Market: st.Market, Outcome: st.Outcome})
	for i := range st.Orders {
		o := st.Orders[i]
		b.orders[o.ID] = &o
		b.side(o.Side).push(&o)
	}
	b.nextSeq = st.NextSeq
	b.lastTradePrice = st.LastTradePrice
	b.volume = append(b.volume, st.Volume...)
	return b
}
