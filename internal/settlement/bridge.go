package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/alanyoungcy/foresight/internal/crypto"
	"github.com/alanyoungcy/foresight/internal/domain"
)

// TxSigner signs operator transactions. *crypto.Signer satisfies it.
type TxSigner interface {
	Address() common.Address
	ChainID() *big.Int
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// Verifier authenticates user signatures. *crypto.Verifier satisfies it.
type Verifier interface {
	VerifyOrder(o domain.Order) error
	VerifyPermit(token crypto.TokenDomain, p domain.Permit) error
}

// Alerter receives settlement failure notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// EventSettlementFailed is the notification event of a failed settlement.
const EventSettlementFailed = "settlement_failed"

// Config controls the gasless path.
type Config struct {
	ChainID        int64
	Token          crypto.TokenDomain
	DailyQuotaUSDC int64 // micro units; 0 disables the quota
	MaxAttempts    int
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	GasLimit       uint64
	PermitGasLimit uint64
	DenyAddresses  []string
	DenyIPs        []string
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.GasLimit == 0 {
		c.GasLimit = 400_000
	}
	if c.PermitGasLimit == 0 {
		c.PermitGasLimit = 120_000
	}
}

// MarketCounters summarizes off-chain trades observed for one market.
type MarketCounters struct {
	Trades   int64         `json:"trades"`
	Notional domain.Amount `json:"notional"`
}

// Bridge submits gasless fills with the operator key and tracks their receipts.
type Bridge struct {
	cfg      Config
	chain    Chain
	signer   TxSigner
	verifier Verifier
	intents  domain.IntentStore
	quota    domain.QuotaStore
	deny     domain.DenyList
	audit    domain.AuditStore
	alerter  Alerter
	leader   func() bool
	logger   *slog.Logger
	now      func() time.Time

	sendMu sync.Mutex

	mu       sync.Mutex
	requests map[string]domain.GaslessRequest // non-terminal intents we can resend
	inflight map[string]struct{}              // intents a goroutine is advancing
	counters map[string]MarketCounters
}

// Deps groups the Bridge collaborators. Deny, Audit, Alerter and Leader may
// be nil. Leader gates the receipt tracker to the writer.
type Deps struct {
	Chain    Chain
	Signer   TxSigner
	Verifier Verifier
	Intents  domain.IntentStore
	Quota    domain.QuotaStore
	Deny     domain.DenyList
	Audit    domain.AuditStore
	Alerter  Alerter
	Leader   func() bool
}

// NewBridge creates a Bridge.
func NewBridge(cfg Config, deps Deps, logger *slog.Logger) *Bridge {
	cfg.defaults()
	return &Bridge{
		cfg:      cfg,
		chain:    deps.Chain,
		signer:   deps.Signer,
		verifier: deps.Verifier,
		intents:  deps.Intents,
		quota:    deps.Quota,
		deny:     deps.Deny,
		audit:    deps.Audit,
		alerter:  deps.Alerter,
		leader:   deps.Leader,
		logger:   logger.With(slog.String("component", "settlement-bridge")),
		now:      time.Now,
		requests: make(map[string]domain.GaslessRequest),
		inflight: make(map[string]struct{}),
		counters: make(map[string]MarketCounters),
	}
}

func (b *Bridge) denied(ctx context.Context, kind domain.DenyKind, value string, static []string) error {
	if value == "" {
		return nil
	}
	for _, v := range static {
		if strings.EqualFold(v, value) {
			return fmt.Errorf("settlement: %s %s: %w", kind, value, domain.ErrDenied)
		}
	}
	if b.deny == nil {
		return nil
	}
	hit, err := b.deny.Denied(ctx, kind, value)
	if err != nil {
		return fmt.Errorf("settlement: deny-list lookup: %w", err)
	}
	if hit {
		return fmt.Errorf("settlement: %s %s: %w", kind, value, domain.ErrDenied)
	}
	return nil
}

// Cost returns the USDC micro-unit cost of filling amount at price.
func Cost(fill domain.Amount, price int64) (int64, error) {
	c := domain.Notional(fill, price).Big()
	if !c.IsInt64() {
		return 0, fmt.Errorf("settlement: cost overflows: %w", domain.ErrQuotaExceeded)
	}
	return c.Int64(), nil
}

// SubmitGasless validates req, debits the user's daily quota, records an
// intent and broadcasts the operator transaction. The returned intent is
// confirming on success, or pending when the broadcast will be retried.
func (b *Bridge) SubmitGasless(ctx context.Context, req domain.GaslessRequest) (domain.SettlementIntent, error) {
	user := strings.ToLower(req.UserAddress)
	if !common.IsHexAddress(user) {
		return domain.SettlementIntent{}, domain.Invalid(domain.RejectInvalidMaker, "user address is not an address")
	}
	if err := b.denied(ctx, domain.DenyAddress, user, b.cfg.DenyAddresses); err != nil {
		return domain.SettlementIntent{}, err
	}
	if err := b.denied(ctx, domain.DenyIP, req.SourceIP, b.cfg.DenyIPs); err != nil {
		return domain.SettlementIntent{}, err
	}

	o := req.Order
	if !strings.EqualFold(o.Maker, user) {
		return domain.SettlementIntent{}, fmt.Errorf("settlement: order maker is not the user: %w", domain.ErrInvalidSignature)
	}
	if o.ChainID == 0 {
		o.ChainID = b.cfg.ChainID
	}
	if err := b.verifier.VerifyOrder(o); err != nil {
		return domain.SettlementIntent{}, err
	}
	if req.Permit != nil {
		p := *req.Permit
		if !strings.EqualFold(p.Owner, user) {
			return domain.SettlementIntent{}, fmt.Errorf("settlement: permit owner is not the user: %w", domain.ErrInvalidSignature)
		}
		if p.Deadline <= b.now().Unix() {
			return domain.SettlementIntent{}, fmt.Errorf("settlement: permit expired: %w", domain.ErrInvalidSignature)
		}
		if err := b.verifier.VerifyPermit(b.cfg.Token, p); err != nil {
			return domain.SettlementIntent{}, err
		}
	}
	if req.FillAmount.IsZero() || req.FillAmount.Gt(o.Amount) {
		return domain.SettlementIntent{}, domain.Invalid(domain.RejectInvalidAmount, "fill amount must be within the order amount")
	}

	cost, err := Cost(req.FillAmount, o.Price)
	if err != nil {
		return domain.SettlementIntent{}, err
	}
	if b.cfg.DailyQuotaUSDC > 0 {
		used, ok, err := b.quota.Reserve(ctx, user, cost, b.cfg.DailyQuotaUSDC)
		if err != nil {
			return domain.SettlementIntent{}, fmt.Errorf("settlement: reserve quota: %w", err)
		}
		if !ok {
			return domain.SettlementIntent{}, fmt.Errorf("settlement: %d of %d used today: %w", used, b.cfg.DailyQuotaUSDC, domain.ErrQuotaExceeded)
		}
	}

	now := b.now().UTC()
	intent := domain.SettlementIntent{
		ID:          "intent-" + uuid.NewString(),
		Kind:        domain.IntentGasless,
		UserAddress: user,
		Market:      o.Market,
		ChainID:     b.cfg.ChainID,
		OrderID:     domain.OrderID(o.Maker, o.Salt),
		FillAmount:  req.FillAmount,
		CostUSDC:    domain.NewAmount(uint64(cost)),
		Status:      domain.IntentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	// Claimed before it is visible to Poll.
	b.claim(intent.ID)
	defer b.release(intent.ID)
	if err := b.intents.Create(ctx, intent); err != nil {
		b.refund(ctx, intent)
		return domain.SettlementIntent{}, fmt.Errorf("settlement: create intent: %w", err)
	}
	req.Order = o
	b.mu.Lock()
	b.requests[intent.ID] = req
	b.mu.Unlock()
	b.logAudit(ctx, "gasless.submitted", user, map[string]any{"intent": intent.ID, "order": intent.OrderID, "cost": cost})

	intent = b.attempt(ctx, intent, req)
	return intent, nil
}

// attempt broadcasts the settlement of intent and stores the outcome. The
// caller holds the intent's claim.
func (b *Bridge) attempt(ctx context.Context, intent domain.SettlementIntent, req domain.GaslessRequest) domain.SettlementIntent {
	intent.Attempts++
	hash, err := b.broadcast(ctx, &intent, req)
	intent.UpdatedAt = b.now().UTC()
	if err != nil {
		intent.Error = err.Error()
		b.logger.WarnContext(ctx, "gasless broadcast failed",
			slog.String("intent", intent.ID),
			slog.Int("attempt", intent.Attempts),
			slog.String("error", err.Error()),
		)
		if intent.Attempts >= b.cfg.MaxAttempts {
			return b.fail(ctx, intent)
		}
		b.store(ctx, intent)
		return intent
	}
	intent.Status = domain.IntentConfirming
	intent.TxHash = hash.Hex()
	intent.Error = ""
	b.store(ctx, intent)
	b.logger.InfoContext(ctx, "gasless transaction sent",
		slog.String("intent", intent.ID),
		slog.String("tx", intent.TxHash),
		slog.Int("attempt", intent.Attempts),
	)
	return intent
}

// broadcast sends the optional permit and the fill. A permit sent by an
// earlier attempt is recorded in intent.PermitTx and not sent again.
func (b *Bridge) broadcast(ctx context.Context, intent *domain.SettlementIntent, req domain.GaslessRequest) (common.Hash, error) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	nonce, err := b.chain.PendingNonceAt(ctx, b.signer.Address())
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := b.chain.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas tip: %w", err)
	}
	head, err := b.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	if req.Permit != nil && !b.permitSent(ctx, *intent) {
		data, err := packPermit(*req.Permit)
		if err != nil {
			return common.Hash{}, err
		}
		to := common.HexToAddress(b.cfg.Token.Address)
		permitHash, err := b.send(ctx, nonce, tip, feeCap, b.cfg.PermitGasLimit, to, data)
		if err != nil {
			return common.Hash{}, fmt.Errorf("permit: %w", err)
		}
		intent.PermitTx = permitHash.Hex()
		nonce++
	}
	data, err := packFill(req.Order, req.FillAmount)
	if err != nil {
		return common.Hash{}, err
	}
	return b.send(ctx, nonce, tip, feeCap, b.cfg.GasLimit, common.HexToAddress(req.Order.VerifyingContract), data)
}

// permitSent reports whether the permit of intent is mined or still pending.
// Only a reverted permit is sent again.
func (b *Bridge) permitSent(ctx context.Context, intent domain.SettlementIntent) bool {
	if intent.PermitTx == "" {
		return false
	}
	rcpt, err := b.chain.TransactionReceipt(ctx, common.HexToHash(intent.PermitTx))
	if err != nil {
		return true
	}
	return rcpt.Status == types.ReceiptStatusSuccessful
}

func (b *Bridge) send(ctx context.Context, nonce uint64, tip, feeCap *big.Int, gas uint64, to common.Address, data []byte) (common.Hash, error) {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := b.signer.SignTx(tx)
	if err != nil {
		return common.Hash{}, err
	}
	if err := b.chain.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send: %w", err)
	}
	return signed.Hash(), nil
}

func (b *Bridge) store(ctx context.Context, intent domain.SettlementIntent) {
	if err := b.intents.Update(ctx, intent); err != nil {
		b.logger.ErrorContext(ctx, "intent update failed",
			slog.String("intent", intent.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Bridge) refund(ctx context.Context, intent domain.SettlementIntent) {
	if b.cfg.DailyQuotaUSDC <= 0 {
		return
	}
	cost := intent.CostUSDC.Big().Int64()
	if err := b.quota.Refund(ctx, intent.UserAddress, cost); err != nil {
		b.logger.WarnContext(ctx, "quota refund failed",
			slog.String("intent", intent.ID),
			slog.String("error", err.Error()),
		)
	}
}

// fail makes intent terminal, refunds the quota and notifies operators.
func (b *Bridge) fail(ctx context.Context, intent domain.SettlementIntent) domain.SettlementIntent {
	intent.Status = domain.IntentFailed
	intent.UpdatedAt = b.now().UTC()
	b.store(ctx, intent)
	b.forget(intent.ID)
	b.refund(ctx, intent)
	b.logAudit(ctx, "gasless.failed", intent.UserAddress, map[string]any{"intent": intent.ID, "error": intent.Error})
	if b.alerter != nil {
		msg := fmt.Sprintf("intent %s for %s failed after %d attempts: %s", intent.ID, intent.UserAddress, intent.Attempts, intent.Error)
		if err := b.alerter.Notify(ctx, EventSettlementFailed, "Gasless settlement failed", msg); err != nil {
			b.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}
	return intent
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.requests, id)
	b.mu.Unlock()
}

// claim marks id in flight. It fails when another goroutine holds it.
func (b *Bridge) claim(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.inflight[id]; busy {
		return false
	}
	b.inflight[id] = struct{}{}
	return true
}

func (b *Bridge) release(id string) {
	b.mu.Lock()
	delete(b.inflight, id)
	b.mu.Unlock()
}

func (b *Bridge) request(id string) (domain.GaslessRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[id]
	return req, ok
}

func (b *Bridge) logAudit(ctx context.Context, event, actor string, details map[string]any) {
	if b.audit == nil {
		return
	}
	if err := b.audit.Log(ctx, event, actor, details); err != nil {
		b.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// Intent returns a stored intent.
func (b *Bridge) Intent(ctx context.Context, id string) (domain.SettlementIntent, error) {
	return b.intents.Get(ctx, id)
}

// Run polls receipts of confirming intents and retries pending ones until
// ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.leader != nil && !b.leader() {
				continue
			}
			if err := b.Poll(ctx); err != nil {
				b.logger.WarnContext(ctx, "settlement poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Poll runs one tracker pass.
func (b *Bridge) Poll(ctx context.Context) error {
	confirming, err := b.intents.ListByStatus(ctx, domain.IntentConfirming, 100)
	if err != nil {
		return fmt.Errorf("settlement: list confirming: %w", err)
	}
	for _, in := range confirming {
		if in.Kind == domain.IntentGasless {
			b.advance(ctx, in.ID)
		}
	}
	pending, err := b.intents.ListByStatus(ctx, domain.IntentPending, 100)
	if err != nil {
		return fmt.Errorf("settlement: list pending: %w", err)
	}
	for _, in := range pending {
		if in.Kind == domain.IntentGasless {
			b.advance(ctx, in.ID)
		}
	}
	return nil
}

// advance moves one intent forward under its claim. Intents claimed by a
// submit or another poll are skipped, and the listed copy is re-read because
// it may predate the claim holder's update.
func (b *Bridge) advance(ctx context.Context, id string) {
	if !b.claim(id) {
		return
	}
	defer b.release(id)
	in, err := b.intents.Get(ctx, id)
	if err != nil {
		b.logger.WarnContext(ctx, "intent reload failed", slog.String("intent", id), slog.String("error", err.Error()))
		return
	}
	switch in.Status {
	case domain.IntentConfirming:
		b.track(ctx, in)
	case domain.IntentPending:
		b.retry(ctx, in)
	}
}

func (b *Bridge) track(ctx context.Context, in domain.SettlementIntent) {
	rcpt, err := b.chain.TransactionReceipt(ctx, common.HexToHash(in.TxHash))
	switch {
	case err == nil && rcpt.Status == types.ReceiptStatusSuccessful:
		in.Status = domain.IntentSettled
		in.UpdatedAt = b.now().UTC()
		b.store(ctx, in)
		b.forget(in.ID)
		b.logAudit(ctx, "gasless.settled", in.UserAddress, map[string]any{"intent": in.ID, "tx": in.TxHash})
		b.logger.InfoContext(ctx, "gasless settlement confirmed", slog.String("intent", in.ID), slog.String("tx", in.TxHash))
		return
	case err == nil:
		in.Error = "transaction reverted"
	case errors.Is(err, ethereum.NotFound):
		if b.now().Sub(in.UpdatedAt) < b.cfg.ReceiptTimeout {
			return
		}
		in.Error = "receipt timeout"
	default:
		b.logger.WarnContext(ctx, "receipt lookup failed", slog.String("intent", in.ID), slog.String("error", err.Error()))
		return
	}
	b.retry(ctx, in)
}

// retry resends intent if attempts remain and the request is still known.
func (b *Bridge) retry(ctx context.Context, in domain.SettlementIntent) {
	req, ok := b.request(in.ID)
	if !ok {
		if in.Error == "" {
			in.Error = "request lost before settlement"
		}
		b.fail(ctx, in)
		return
	}
	if in.Attempts >= b.cfg.MaxAttempts {
		b.fail(ctx, in)
		return
	}
	in.Status = domain.IntentPending
	b.attempt(ctx, in, req)
}

// Name identifies the bridge as an event sink.
func (b *Bridge) Name() string { return "settlement" }

// Deliver counts trade events per market. It never touches the books.
func (b *Bridge) Deliver(_ context.Context, ev domain.Event) error {
	if ev.Type != domain.EventTrade || ev.Match == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.counters[ev.Market]
	c.Trades++
	c.Notional = c.Notional.Add(ev.Match.Notional())
	b.counters[ev.Market] = c
	return nil
}

// Counters returns a copy of the per-market trade counters.
func (b *Bridge) Counters() map[string]MarketCounters {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]MarketCounters, len(b.counters))
	for k, v := range b.counters {
		out[k] = v
	}
	return out
}
