package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func entry(market string, seq uint64) domain.LogEntry {
	payload, _ := json.Marshal(domain.ExpirePayload{Outcome: 0})
	return domain.LogEntry{Market: market, Seq: seq, Kind: domain.LogExpire, Payload: payload, RecordedAt: time.Now().UTC()}
}

func TestEventLogAppendRead(t *testing.T) {
	ctx := context.Background()
	s, dir := openTemp(t)
	for seq := uint64(1); seq <= 12; seq++ {
		if err := s.Append(ctx, entry("137:btc", seq)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	if err := s.Append(ctx, entry("137:btc", 12)); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate seq: %v", err)
	}
	if err := s.Append(ctx, entry("137:btc-2", 1)); err != nil {
		t.Fatal(err)
	}

	got, err := s.Read(ctx, "137:btc", 9, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Seq != 10 || got[2].Seq != 12 {
		t.Fatalf("read after 9: %+v", got)
	}
	if got, _ := s.Read(ctx, "137:btc", 0, 5); len(got) != 5 || got[4].Seq != 5 {
		t.Fatalf("limit ignored: %d entries", len(got))
	}
	// The prefix of one market must not leak into a longer one.
	if got, _ := s.Read(ctx, "137:btc", 12, 0); len(got) != 0 {
		t.Fatalf("read past end: %+v", got)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	s, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	last, err := s.LastSeq(ctx, "137:btc")
	if err != nil || last != 12 {
		t.Fatalf("last seq after reopen = %d, %v", last, err)
	}
	if last, _ := s.LastSeq(ctx, "137:eth"); last != 0 {
		t.Fatalf("unknown market last seq = %d", last)
	}
	markets, err := s.Markets(ctx)
	if err != nil || len(markets) != 2 {
		t.Fatalf("markets = %v, %v", markets, err)
	}
}

func TestCheckpointNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	defer s.Close()
	m := domain.Market{Key: "137:btc"}
	if err := s.Save(ctx, domain.Checkpoint{Market: m, Seq: 10}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, domain.Checkpoint{Market: m, Seq: 4}); err != nil {
		t.Fatal(err)
	}
	cps, err := s.LoadAll(ctx)
	if err != nil || len(cps) != 1 || cps[0].Seq != 10 {
		t.Fatalf("checkpoints = %+v, %v", cps, err)
	}
}

func TestIntentsAndAudit(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	defer s.Close()
	base := time.Now().UTC()
	for i, id := range []string{"b", "a", "c"} {
		in := domain.SettlementIntent{ID: id, Status: domain.IntentPending, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.Create(ctx, in); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Create(ctx, domain.SettlementIntent{ID: "a"}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate intent: %v", err)
	}
	in, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	in.Status = domain.IntentSettled
	if err := s.Update(ctx, in); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, domain.SettlementIntent{ID: "zz"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update of missing intent: %v", err)
	}
	pending, err := s.ListByStatus(ctx, domain.IntentPending, 0)
	if err != nil || len(pending) != 2 || pending[0].ID != "b" || pending[1].ID != "c" {
		t.Fatalf("pending = %+v, %v", pending, err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
	if err := s.Log(ctx, "settlement.confirmed", "system", map[string]any{"id": "a"}); err != nil {
		t.Fatal(err)
	}
}
