package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/matching"
	"github.com/alanyoungcy/foresight/internal/recovery"
	"github.com/alanyoungcy/foresight/internal/store/memory"
)

const (
	maker = "0x1111111111111111111111111111111111111111"
	taker = "0x2222222222222222222222222222222222222222"
)

func newEngine(t *testing.T) *matching.Engine {
	t.Helper()
	return newEngineOn(t, memory.NewEventLog())
}

func newEngineOn(t *testing.T, log domain.EventLog) *matching.Engine {
	t.Helper()
	cfg := matching.DefaultConfig()
	cfg.ChainID = 137
	e := matching.New(cfg, log, discard())
	e.SetReady(true)
	e.SetWritable(true)
	for _, salt := range []string{"42", "43"} {
		_, err := e.SubmitOrder(context.Background(), domain.Order{
			Market:            marketKey,
			Side:              domain.OrderSideBuy,
			Price:             400_000,
			Amount:            domain.Units(10),
			Maker:             maker,
			Salt:              salt,
			Signature:         "0x01",
			ChainID:           137,
			VerifyingContract: marketContract,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return e
}

func addrTopic(a string) common.Hash { return common.BytesToHash(common.HexToAddress(a).Bytes()) }

func fillLog(t *testing.T, block uint64, tx string, salt int64, units uint64) types.Log {
	t.Helper()
	data, err := marketABI.Events["OrderFilledSigned"].Inputs.NonIndexed().Pack(
		big.NewInt(0), true, big.NewInt(400_000), domain.Units(units).Big(), big.NewInt(0), big.NewInt(salt))
	if err != nil {
		t.Fatal(err)
	}
	return types.Log{
		Address:     common.HexToAddress(marketContract),
		Topics:      []common.Hash{topicFilled, addrTopic(maker), addrTopic(taker)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
	}
}

func cancelLog(t *testing.T, block uint64, tx string, salt int64) types.Log {
	t.Helper()
	data, err := marketABI.Events["OrderSaltCanceled"].Inputs.NonIndexed().Pack(big.NewInt(salt))
	if err != nil {
		t.Fatal(err)
	}
	return types.Log{
		Address:     common.HexToAddress(marketContract),
		Topics:      []common.Hash{topicCanceled, addrTopic(maker)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
	}
}

func resolveLog(t *testing.T, block uint64, tx string) types.Log {
	t.Helper()
	data, err := marketABI.Events["Resolved"].Inputs.NonIndexed().Pack(big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	return types.Log{
		Address:     common.HexToAddress(marketContract),
		Topics:      []common.Hash{topicResolved},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
	}
}

func newIngestor(chain Chain, e *matching.Engine, intents domain.IntentStore, cursors domain.CursorStore) *Ingestor {
	return NewIngestor(IngestConfig{
		ChainID:       137,
		Contracts:     []string{marketContract},
		Confirmations: 5,
		BlockWindow:   10,
		StartBlock:    60,
	}, chain, e, cursors, intents, nil, discard())
}

func TestScanAppliesConfirmedEvents(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	chain := newFakeChain()
	chain.logs = []types.Log{
		fillLog(t, 70, "0xa1", 42, 4),
		cancelLog(t, 80, "0xa2", 43),
		fillLog(t, 98, "0xa3", 42, 6), // not yet confirmed at head 100
	}
	intents := memory.NewIntentStore()
	cursors := memory.NewCursors()
	in := newIngestor(chain, e, intents, cursors)

	n, err := in.ScanOnce(ctx)
	if err != nil || n != 2 {
		t.Fatalf("scan applied %d, err=%v", n, err)
	}
	if cur, _ := cursors.GetCursor(ctx, CursorName); cur != 95 {
		t.Fatalf("cursor %d, want 95", cur)
	}
	o, ok := e.Order(marketKey, domain.OrderID(maker, "42"))
	if !ok || !o.Remaining.Eq(domain.Units(6)) {
		t.Fatalf("order 42 after chain fill: %+v", o)
	}
	if c, ok := e.Order(marketKey, domain.OrderID(maker, "43")); ok {
		t.Fatalf("order 43 rests after its salt was canceled: %+v", c)
	}
	settled, _ := intents.ListByStatus(ctx, domain.IntentSettled, 10)
	if len(settled) != 2 || settled[0].Kind != domain.IntentOnchain {
		t.Fatalf("onchain intents %+v", settled)
	}

	chain.head = 110
	if n, err := in.ScanOnce(ctx); err != nil || n != 1 {
		t.Fatalf("second scan applied %d, err=%v", n, err)
	}
	if o, ok := e.Order(marketKey, domain.OrderID(maker, "42")); ok {
		t.Fatalf("fully filled order still rests: %+v", o)
	}
}

func TestIngestTxIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	chain := newFakeChain()
	l := fillLog(t, 70, "0xb1", 42, 3)
	chain.receipts[l.TxHash] = &types.Receipt{Status: 1, Logs: []*types.Log{&l}}
	intents := memory.NewIntentStore()
	in := newIngestor(chain, e, intents, memory.NewCursors())

	for i := 0; i < 2; i++ {
		n, err := in.IngestTx(ctx, l.TxHash.Hex())
		if err != nil {
			t.Fatal(err)
		}
		if want := 1 - i; n != want {
			t.Fatalf("pass %d applied %d, want %d", i, n, want)
		}
	}
	o, _ := e.Order(marketKey, domain.OrderID(maker, "42"))
	if !o.Remaining.Eq(domain.Units(7)) {
		t.Fatalf("remaining %s after duplicate ingest", o.Remaining)
	}
	if _, err := in.IngestTx(ctx, "0x1234"); err == nil {
		t.Fatal("short hash accepted")
	}
	if _, err := in.IngestTx(ctx, common.HexToHash("0xdead").Hex()); err == nil {
		t.Fatal("unknown tx accepted")
	}
}

func TestResolveClosesMarket(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	chain := newFakeChain()
	chain.logs = []types.Log{resolveLog(t, 61, "0xc1")}
	in := newIngestor(chain, e, memory.NewIntentStore(), memory.NewCursors())

	if n, err := in.ScanOnce(ctx); err != nil || n != 1 {
		t.Fatalf("applied %d, err=%v", n, err)
	}
	if open := e.OpenOrders(marketKey, maker); len(open) != 0 {
		t.Fatalf("%d orders open after resolution", len(open))
	}
	_, err := e.SubmitOrder(ctx, domain.Order{
		Market: marketKey, Side: domain.OrderSideBuy, Price: 400_000, Amount: domain.Units(1),
		Maker: maker, Salt: "44", Signature: "0x01", ChainID: 137, VerifyingContract: marketContract,
	})
	if err == nil {
		t.Fatal("order accepted on a resolved market")
	}
}

// flakyLog fails the append numbered failAt, counting from one.
type flakyLog struct {
	*memory.EventLog
	mu      sync.Mutex
	appends int
	failAt  int
}

func (l *flakyLog) Append(ctx context.Context, e domain.LogEntry) error {
	l.mu.Lock()
	l.appends++
	fail := l.appends == l.failAt
	l.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return l.EventLog.Append(ctx, e)
}

func TestRescanAfterPartialTxDoesNotRefill(t *testing.T) {
	ctx := context.Background()
	log := &flakyLog{EventLog: memory.NewEventLog()}
	e := newEngineOn(t, log)
	log.failAt = log.appends + 2

	first := fillLog(t, 70, "0xd1", 42, 4)
	second := fillLog(t, 70, "0xd1", 43, 3)
	second.Index = 1
	chain := newFakeChain()
	chain.logs = []types.Log{first, second}
	intents := memory.NewIntentStore()
	cursors := memory.NewCursors()
	in := newIngestor(chain, e, intents, cursors)

	if _, err := in.ScanOnce(ctx); err == nil {
		t.Fatal("scan succeeded although the second fill was not logged")
	}
	if !e.Degraded() {
		t.Fatal("engine not degraded after a failed append")
	}
	if cur, _ := cursors.GetCursor(ctx, CursorName); cur >= first.BlockNumber {
		t.Fatalf("cursor advanced to %d past the failed tx in block %d", cur, first.BlockNumber)
	}

	if _, err := recovery.New(e, log, memory.NewCheckpointStore(), nil, discard()).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := in.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}

	for salt, want := range map[string]uint64{"42": 6, "43": 7} {
		o, ok := e.Order(marketKey, domain.OrderID(maker, salt))
		if !ok || !o.Remaining.Eq(domain.Units(want)) {
			t.Fatalf("order %s after rescan: %+v, want %d units left", salt, o, want)
		}
	}
	if _, err := intents.Get(ctx, txIntentID(first.TxHash)); err != nil {
		t.Fatalf("tx not recorded after rescan: %v", err)
	}
}
