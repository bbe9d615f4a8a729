package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// CursorName is the cursor key of the last fully ingested block.
const CursorName = "settlement:cursor"

var intentNamespace = uuid.MustParse("0b7f55b1-1f53-4a43-9c3e-8d6b0f64d2a7")

// Applier is the part of the engine that chain events mutate.
type Applier interface {
	ApplyChainFill(ctx context.Context, f domain.ChainFill) error
	ApplyChainCancel(ctx context.Context, market, maker, salt string) (*domain.Order, error)
	CloseMarket(ctx context.Context, key, reason string) (int, error)
	MarketByContract(addr string) (string, bool)
}

// IngestConfig controls the log scanner.
type IngestConfig struct {
	ChainID       int64
	Contracts     []string
	Confirmations uint64
	BlockWindow   uint64
	StartBlock    uint64
	PollInterval  time.Duration
}

// Ingestor applies contract events to the engine and records each ingested
// transaction as a settled on-chain intent.
type Ingestor struct {
	cfg     IngestConfig
	chain   Chain
	engine  Applier
	cursors domain.CursorStore
	intents domain.IntentStore
	leader  func() bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewIngestor creates an Ingestor. leader gates scanning to the writer.
func NewIngestor(cfg IngestConfig, chain Chain, engine Applier, cursors domain.CursorStore, intents domain.IntentStore, leader func() bool, logger *slog.Logger) *Ingestor {
	if cfg.BlockWindow == 0 {
		cfg.BlockWindow = 2000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Ingestor{
		cfg:     cfg,
		chain:   chain,
		engine:  engine,
		cursors: cursors,
		intents: intents,
		leader:  leader,
		logger:  logger.With(slog.String("component", "settlement-ingestor")),
		now:     time.Now,
	}
}

// Run scans new blocks every PollInterval until ctx is done.
func (in *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if in.leader != nil && !in.leader() {
				continue
			}
			if _, err := in.ScanOnce(ctx); err != nil {
				in.logger.WarnContext(ctx, "chain scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (in *Ingestor) addresses() []common.Address {
	out := make([]common.Address, 0, len(in.cfg.Contracts))
	for _, c := range in.cfg.Contracts {
		out = append(out, common.HexToAddress(c))
	}
	return out
}

// ScanOnce ingests confirmed blocks after the cursor, one window at a time,
// and returns the number of events applied.
func (in *Ingestor) ScanOnce(ctx context.Context) (int, error) {
	head, err := in.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("settlement: head: %w", err)
	}
	tip := head.Number.Uint64()
	if tip < in.cfg.Confirmations {
		return 0, nil
	}
	safe := tip - in.cfg.Confirmations

	from := in.cfg.StartBlock
	cur, err := in.cursors.GetCursor(ctx, CursorName)
	switch {
	case err == nil:
		from = cur + 1
	case !errors.Is(err, domain.ErrNotFound):
		return 0, fmt.Errorf("settlement: read cursor: %w", err)
	}

	applied := 0
	for from <= safe {
		to := min(from+in.cfg.BlockWindow-1, safe)
		logs, err := in.chain.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: in.addresses(),
			Topics:    [][]common.Hash{{topicFilled, topicCanceled, topicResolved, topicInvalidated}},
		})
		if err != nil {
			return applied, fmt.Errorf("settlement: filter logs %d-%d: %w", from, to, err)
		}
		n, err := in.ingestLogs(ctx, logs)
		applied += n
		if err != nil {
			return applied, err
		}
		if err := in.cursors.SetCursor(ctx, CursorName, to); err != nil {
			return applied, fmt.Errorf("settlement: write cursor: %w", err)
		}
		from = to + 1
	}
	return applied, nil
}

// IngestTx applies the events of one transaction by hash.
func (in *Ingestor) IngestTx(ctx context.Context, hash string) (int, error) {
	if len(common.FromHex(hash)) != common.HashLength {
		return 0, fmt.Errorf("settlement: tx hash %q is not 32 bytes", hash)
	}
	rcpt, err := in.chain.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return 0, fmt.Errorf("settlement: receipt %s: %w", hash, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("settlement: receipt %s: %w", hash, err)
	}
	logs := make([]types.Log, 0, len(rcpt.Logs))
	for _, l := range rcpt.Logs {
		logs = append(logs, *l)
	}
	return in.ingestLogs(ctx, logs)
}

// ingestLogs applies logs grouped by transaction. A transaction that already
// has an on-chain intent is skipped so rescans do not double-apply.
func (in *Ingestor) ingestLogs(ctx context.Context, logs []types.Log) (int, error) {
	applied := 0
	var (
		txHash common.Hash
		batch  []types.Log
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := in.ingestTx(ctx, txHash, batch)
		applied += n
		batch = batch[:0]
		return err
	}
	for _, l := range logs {
		if l.Removed {
			continue
		}
		if l.TxHash != txHash {
			if err := flush(); err != nil {
				return applied, err
			}
			txHash = l.TxHash
		}
		batch = append(batch, l)
	}
	if err := flush(); err != nil {
		return applied, err
	}
	return applied, nil
}

func txIntentID(hash common.Hash) string {
	return "intent-" + uuid.NewSHA1(intentNamespace, hash.Bytes()).String()
}

func (in *Ingestor) ingestTx(ctx context.Context, hash common.Hash, logs []types.Log) (int, error) {
	id := txIntentID(hash)
	if _, err := in.intents.Get(ctx, id); err == nil {
		return 0, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("settlement: intent %s: %w", id, err)
	}

	applied := 0
	var market string
	for _, l := range logs {
		key, ok := in.engine.MarketByContract(l.Address.Hex())
		if !ok || len(l.Topics) == 0 {
			continue
		}
		ok, err := in.apply(ctx, key, l)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
			market = key
		}
	}
	if applied == 0 {
		return 0, nil
	}

	now := in.now().UTC()
	intent := domain.SettlementIntent{
		ID:        id,
		Kind:      domain.IntentOnchain,
		Market:    market,
		ChainID:   in.cfg.ChainID,
		Status:    domain.IntentSettled,
		TxHash:    hash.Hex(),
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := in.intents.Create(ctx, intent); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return applied, fmt.Errorf("settlement: record tx %s: %w", hash.Hex(), err)
	}
	return applied, nil
}

// apply routes one log. It reports false for events that changed nothing.
func (in *Ingestor) apply(ctx context.Context, market string, l types.Log) (bool, error) {
	switch l.Topics[0] {
	case topicFilled:
		if len(l.Topics) < 2 {
			return false, nil
		}
		var ev filledEvent
		if err := marketABI.UnpackIntoInterface(&ev, "OrderFilledSigned", l.Data); err != nil {
			return false, fmt.Errorf("settlement: decode fill in %s: %w", l.TxHash.Hex(), err)
		}
		amount, err := domain.AmountFromBig(ev.Amount)
		if err != nil {
			return false, fmt.Errorf("settlement: fill amount in %s: %w", l.TxHash.Hex(), err)
		}
		f := domain.ChainFill{
			Market: market,
			Maker:  strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
			Salt:   ev.Salt.String(),
			Amount: amount,
			TxHash: l.TxHash.Hex(),
			LogIdx: l.Index,
			Block:  l.BlockNumber,
		}
		if err := in.engine.ApplyChainFill(ctx, f); err != nil {
			switch {
			case errors.Is(err, domain.ErrAlreadyExists):
				// Applied by an earlier pass that failed before recording the tx.
				return true, nil
			case errors.Is(err, domain.ErrNotFound):
				return false, nil
			}
			return false, err
		}
		return true, nil

	case topicCanceled:
		if len(l.Topics) < 2 {
			return false, nil
		}
		var ev canceledEvent
		if err := marketABI.UnpackIntoInterface(&ev, "OrderSaltCanceled", l.Data); err != nil {
			return false, fmt.Errorf("settlement: decode cancel in %s: %w", l.TxHash.Hex(), err)
		}
		maker := common.BytesToAddress(l.Topics[1].Bytes()).Hex()
		if _, err := in.engine.ApplyChainCancel(ctx, market, maker, ev.Salt.String()); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil

	case topicResolved:
		var ev resolvedEvent
		if err := marketABI.UnpackIntoInterface(&ev, "Resolved", l.Data); err != nil {
			return false, fmt.Errorf("settlement: decode resolve in %s: %w", l.TxHash.Hex(), err)
		}
		in.logger.InfoContext(ctx, "market resolved on chain",
			slog.String("market", market),
			slog.String("outcome", ev.OutcomeIndex.String()),
		)
		_, err := in.engine.CloseMarket(ctx, market, "resolved")
		return err == nil, err

	case topicInvalidated:
		in.logger.WarnContext(ctx, "market invalidated on chain", slog.String("market", market))
		_, err := in.engine.CloseMarket(ctx, market, "invalidated")
		return err == nil, err
	}
	return false, nil
}
