package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/foresight/internal/crypto"
	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/store/memory"
)

const (
	marketContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	tokenAddress   = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	marketKey      = "137:btc-100k"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeChain struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	revert   bool
	head     uint64
	logs     []types.Log
	failSend error
	sendErrs []error // consumed one per SendTransaction before failSend

	// When hold is set, the next PendingNonceAt closes held and waits for
	// hold to be closed.
	hold, held chan struct{}
}

func newFakeChain() *fakeChain {
	return &fakeChain{receipts: make(map[common.Hash]*types.Receipt), head: 100}
}

func (c *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber < q.FromBlock.Uint64() || l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return err
		}
	} else if c.failSend != nil {
		return c.failSend
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (c *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(c.head), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (c *fakeChain) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	c.mu.Lock()
	hold, held := c.hold, c.held
	c.hold, c.held = nil, nil
	c.mu.Unlock()
	if hold != nil {
		close(held)
		select {
		case <-hold:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.sent)), nil
}

// mine gives every sent transaction a receipt.
func (c *fakeChain) mine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := types.ReceiptStatusSuccessful
	if c.revert {
		status = types.ReceiptStatusFailed
	}
	for _, tx := range c.sent {
		if _, ok := c.receipts[tx.Hash()]; !ok {
			c.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash()}
		}
	}
}

func (c *fakeChain) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type alerts struct {
	mu     sync.Mutex
	events []string
}

func (a *alerts) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

type harness struct {
	bridge *Bridge
	chain  *fakeChain
	quota  *memory.QuotaStore
	deny   *memory.DenyList
	alerts *alerts
	user   *ecdsa.PrivateKey
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	op, _ := ethcrypto.GenerateKey()
	user, _ := ethcrypto.GenerateKey()
	cfg.ChainID = 137
	cfg.Token = crypto.TokenDomain{Name: "USD Coin", Version: "2", ChainID: 137, Address: tokenAddress}
	h := &harness{
		chain:  newFakeChain(),
		quota:  memory.NewQuotaStore(),
		deny:   memory.NewDenyList(),
		alerts: &alerts{},
		user:   user,
	}
	h.bridge = NewBridge(cfg, Deps{
		Chain:    h.chain,
		Signer:   crypto.NewSigner(op, 137),
		Verifier: crypto.NewVerifier(),
		Intents:  memory.NewIntentStore(),
		Quota:    h.quota,
		Deny:     h.deny,
		Audit:    memory.NewAuditStore(),
		Alerter:  h.alerts,
	}, discard())
	return h
}

func (h *harness) address() string { return ethcrypto.PubkeyToAddress(h.user.PublicKey).Hex() }

func (h *harness) request(t *testing.T, salt string, units uint64) domain.GaslessRequest {
	t.Helper()
	o := domain.Order{
		Market:            marketKey,
		Outcome:           1,
		Side:              domain.OrderSideBuy,
		Price:             400_000,
		Amount:            domain.Units(units),
		Expiry:            1_900_000_000,
		Maker:             h.address(),
		Salt:              salt,
		ChainID:           137,
		VerifyingContract: marketContract,
	}
	d, err := crypto.OrderDigest(o)
	if err != nil {
		t.Fatal(err)
	}
	if o.Signature, err = crypto.Sign(h.user, d); err != nil {
		t.Fatal(err)
	}
	return domain.GaslessRequest{Order: o, FillAmount: o.Amount, UserAddress: h.address(), SourceIP: "203.0.113.7"}
}

func TestSubmitGaslessSettles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{DailyQuotaUSDC: 10_000_000})
	intent, err := h.bridge.SubmitGasless(ctx, h.request(t, "1", 10))
	if err != nil {
		t.Fatal(err)
	}
	if intent.Status != domain.IntentConfirming || intent.TxHash == "" || !strings.HasPrefix(intent.ID, "intent-") {
		t.Fatalf("intent %+v", intent)
	}
	if intent.CostUSDC.Big().Int64() != 4_000_000 {
		t.Fatalf("cost %s, want 4000000", intent.CostUSDC)
	}
	if used, _ := h.quota.Used(ctx, h.address()); used != 4_000_000 {
		t.Fatalf("quota used %d", used)
	}

	tx := h.chain.sent[0]
	if tx.To() == nil || !strings.EqualFold(tx.To().Hex(), marketContract) {
		t.Fatalf("fill sent to %v", tx.To())
	}
	if got, want := tx.Data()[:4], marketABI.Methods["fillOrderSigned"].ID; string(got) != string(want) {
		t.Fatalf("selector %x, want %x", got, want)
	}
	if tx.ChainId().Int64() != 137 || tx.GasFeeCap().Cmp(tx.GasTipCap()) <= 0 {
		t.Fatalf("fee fields tip=%s cap=%s", tx.GasTipCap(), tx.GasFeeCap())
	}

	h.chain.mine()
	if err := h.bridge.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := h.bridge.Intent(ctx, intent.ID)
	if err != nil || got.Status != domain.IntentSettled {
		t.Fatalf("after receipt: %+v %v", got, err)
	}
}

func TestSubmitGaslessRejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{DailyQuotaUSDC: 5_000_000, DenyAddresses: []string{"0x000000000000000000000000000000000000dEaD"}})

	deadReq := h.request(t, "1", 1)
	deadReq.UserAddress = "0x000000000000000000000000000000000000dead"
	if _, err := h.bridge.SubmitGasless(ctx, deadReq); !errors.Is(err, domain.ErrDenied) {
		t.Fatalf("static deny: %v", err)
	}

	_ = h.deny.Add(ctx, domain.DenyIP, "198.51.100.4", time.Hour)
	ipReq := h.request(t, "2", 1)
	ipReq.SourceIP = "198.51.100.4"
	if _, err := h.bridge.SubmitGasless(ctx, ipReq); !errors.Is(err, domain.ErrDenied) {
		t.Fatalf("ip deny: %v", err)
	}

	forged := h.request(t, "3", 1)
	forged.Order.Price = 500_000
	if _, err := h.bridge.SubmitGasless(ctx, forged); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("tampered order: %v", err)
	}

	other, _ := ethcrypto.GenerateKey()
	wrongUser := h.request(t, "4", 1)
	wrongUser.UserAddress = ethcrypto.PubkeyToAddress(other.PublicKey).Hex()
	if _, err := h.bridge.SubmitGasless(ctx, wrongUser); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("order of another maker: %v", err)
	}

	if _, err := h.bridge.SubmitGasless(ctx, h.request(t, "5", 20)); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("quota: %v", err)
	}
	if h.chain.sentCount() != 0 {
		t.Fatalf("%d transactions sent for rejected requests", h.chain.sentCount())
	}
}

func TestFailedSettlementRefundsAndAlerts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{DailyQuotaUSDC: 10_000_000, MaxAttempts: 2})
	h.chain.revert = true
	intent, err := h.bridge.SubmitGasless(ctx, h.request(t, "9", 10))
	if err != nil {
		t.Fatal(err)
	}

	h.chain.mine()
	_ = h.bridge.Poll(ctx)
	got, _ := h.bridge.Intent(ctx, intent.ID)
	if got.Status != domain.IntentConfirming || got.Attempts != 2 || got.TxHash == intent.TxHash {
		t.Fatalf("after first revert: %+v", got)
	}

	h.chain.mine()
	_ = h.bridge.Poll(ctx)
	got, _ = h.bridge.Intent(ctx, intent.ID)
	if got.Status != domain.IntentFailed || got.Error != "transaction reverted" {
		t.Fatalf("after second revert: %+v", got)
	}
	if used, _ := h.quota.Used(ctx, h.address()); used != 0 {
		t.Fatalf("quota not refunded: %d", used)
	}
	if len(h.alerts.events) != 1 || h.alerts.events[0] != EventSettlementFailed {
		t.Fatalf("alerts %v", h.alerts.events)
	}
}

func TestBroadcastFailureRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 2})
	h.chain.failSend = errors.New("nonce too low")
	intent, err := h.bridge.SubmitGasless(ctx, h.request(t, "11", 1))
	if err != nil {
		t.Fatal(err)
	}
	if intent.Status != domain.IntentPending || intent.Attempts != 1 || intent.Error == "" {
		t.Fatalf("after failed broadcast: %+v", intent)
	}
	_ = h.bridge.Poll(ctx)
	got, _ := h.bridge.Intent(ctx, intent.ID)
	if got.Status != domain.IntentFailed || got.Attempts != 2 {
		t.Fatalf("after retry: %+v", got)
	}
}

func TestPermitIsSentBeforeFill(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	req := h.request(t, "21", 1)
	p := domain.Permit{
		Owner:    h.address(),
		Spender:  marketContract,
		Value:    domain.NewAmount(1_000_000),
		Nonce:    domain.NewAmount(0),
		Deadline: time.Now().Add(time.Hour).Unix(),
	}
	d, err := crypto.PermitDigest(h.bridge.cfg.Token, p)
	if err != nil {
		t.Fatal(err)
	}
	if p.Signature, err = crypto.Sign(h.user, d); err != nil {
		t.Fatal(err)
	}
	req.Permit = &p
	if _, err := h.bridge.SubmitGasless(ctx, req); err != nil {
		t.Fatal(err)
	}
	if h.chain.sentCount() != 2 {
		t.Fatalf("sent %d transactions, want permit and fill", h.chain.sentCount())
	}
	permitTx, fillTx := h.chain.sent[0], h.chain.sent[1]
	if !strings.EqualFold(permitTx.To().Hex(), tokenAddress) || permitTx.Nonce() != 0 || fillTx.Nonce() != 1 {
		t.Fatalf("permit to %s nonce %d, fill nonce %d", permitTx.To().Hex(), permitTx.Nonce(), fillTx.Nonce())
	}

	expired := h.request(t, "22", 1)
	p.Deadline = time.Now().Add(-time.Minute).Unix()
	expired.Permit = &p
	if _, err := h.bridge.SubmitGasless(ctx, expired); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expired permit: %v", err)
	}
}

func TestPollSkipsIntentBeingBroadcast(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{DailyQuotaUSDC: 10_000_000})
	req := h.request(t, "31", 1)
	hold, held := make(chan struct{}), make(chan struct{})
	h.chain.mu.Lock()
	h.chain.hold, h.chain.held = hold, held
	h.chain.mu.Unlock()

	type result struct {
		intent domain.SettlementIntent
		err    error
	}
	submitted := make(chan result, 1)
	go func() {
		in, err := h.bridge.SubmitGasless(ctx, req)
		submitted <- result{in, err}
	}()
	<-held

	polled := make(chan error, 1)
	go func() { polled <- h.bridge.Poll(ctx) }()
	select {
	case err := <-polled:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		close(hold)
		t.Fatal("poll waited on the broadcast of an intent it does not own")
	}
	close(hold)

	res := <-submitted
	if res.err != nil {
		t.Fatal(res.err)
	}
	if err := h.bridge.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if n := h.chain.sentCount(); n != 1 {
		t.Fatalf("%d settlement transactions broadcast for one intent", n)
	}
	got, _ := h.bridge.Intent(ctx, res.intent.ID)
	if got.Attempts != 1 || got.Status != domain.IntentConfirming {
		t.Fatalf("intent after concurrent poll: %+v", got)
	}
}

func TestRetrySkipsPermitAlreadySent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxAttempts: 3})
	req := h.request(t, "41", 1)
	p := domain.Permit{
		Owner:    h.address(),
		Spender:  marketContract,
		Value:    domain.NewAmount(1_000_000),
		Nonce:    domain.NewAmount(0),
		Deadline: time.Now().Add(time.Hour).Unix(),
	}
	d, err := crypto.PermitDigest(h.bridge.cfg.Token, p)
	if err != nil {
		t.Fatal(err)
	}
	if p.Signature, err = crypto.Sign(h.user, d); err != nil {
		t.Fatal(err)
	}
	req.Permit = &p
	h.chain.sendErrs = []error{nil, errors.New("replacement transaction underpriced")}

	intent, err := h.bridge.SubmitGasless(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if intent.Status != domain.IntentPending || intent.PermitTx == "" {
		t.Fatalf("after failed fill: %+v", intent)
	}
	if err := h.bridge.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if h.chain.sentCount() != 2 {
		t.Fatalf("sent %d transactions, want one permit and one fill", h.chain.sentCount())
	}
	if to := h.chain.sent[1].To().Hex(); !strings.EqualFold(to, marketContract) {
		t.Fatalf("retry sent to %s, want the market contract", to)
	}
	got, _ := h.bridge.Intent(ctx, intent.ID)
	if got.Status != domain.IntentConfirming || got.Attempts != 2 || got.PermitTx != intent.PermitTx {
		t.Fatalf("after retry: %+v", got)
	}
}

func TestDeliverCountsTrades(t *testing.T) {
	h := newHarness(t, Config{})
	m := &domain.Match{Amount: domain.Units(2), Price: 500_000}
	_ = h.bridge.Deliver(context.Background(), domain.Event{Type: domain.EventTrade, Market: marketKey, Match: m})
	_ = h.bridge.Deliver(context.Background(), domain.Event{Type: domain.EventDepthUpdate, Market: marketKey})
	c := h.bridge.Counters()[marketKey]
	if c.Trades != 1 || c.Notional.Big().Int64() != 1_000_000 {
		t.Fatalf("counters %+v", c)
	}
}
