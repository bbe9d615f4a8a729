package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSender struct {
	name string
	err  error
	mu   sync.Mutex
	got  []string
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.mu.Lock()
	c.got = append(c.got, title)
	c.mu.Unlock()
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersAndSuppresses(t *testing.T) {
	s := &captureSender{name: "capture"}
	n := NewNotifier([]Sender{s}, []string{"settlement_failed", " leader_changed "}, time.Minute, discard())
	clock := time.Unix(1_800_000_000, 0)
	n.now = func() time.Time { return clock }
	ctx := context.Background()

	_ = n.Notify(ctx, "settlement_failed", "failed", "a")
	_ = n.Notify(ctx, "settlement_failed", "failed", "b")
	_ = n.Notify(ctx, "leader_changed", "leader", "c")
	_ = n.Notify(ctx, "order_placed", "noise", "d")
	if len(s.got) != 2 {
		t.Fatalf("delivered %v", s.got)
	}
	clock = clock.Add(2 * time.Minute)
	_ = n.Notify(ctx, "settlement_failed", "failed", "e")
	if len(s.got) != 3 {
		t.Fatalf("alert after cooldown not delivered: %v", s.got)
	}
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &captureSender{name: "ok"}
	n := NewNotifier([]Sender{&captureSender{name: "bad", err: boom}, ok}, nil, 0, discard())
	err := n.Notify(context.Background(), "any", "t", "m")
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("err = %v", err)
	}
	if len(ok.got) != 1 {
		t.Fatal("healthy sender skipped after a failure")
	}
	var empty *Notifier
	if err := empty.Notify(context.Background(), "any", "t", "m"); err != nil {
		t.Fatalf("nil notifier: %v", err)
	}
}

func TestTelegramAndDiscordPayloads(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		body  map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		if strings.Contains(r.URL.Path, "broken") {
			http.Error(w, "nope", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	ctx := context.Background()

	if err := NewTelegramSender(srv.URL+"/", "tok", "42").Send(ctx, "Title", "body"); err != nil {
		t.Fatal(err)
	}
	if paths[0] != "/bottok/sendMessage" || body["chat_id"] != "42" || body["text"] != "*Title*\nbody" {
		t.Fatalf("telegram request %s %v", paths[0], body)
	}

	long := strings.Repeat("x", 3000)
	if err := NewDiscordSender(srv.URL+"/hook").Send(ctx, "Title", long); err != nil {
		t.Fatal(err)
	}
	if c := body["content"]; len(c) != discordLimit || !strings.HasPrefix(c, "**Title**\n") {
		t.Fatalf("discord content length %d", len(c))
	}

	if err := NewDiscordSender(srv.URL+"/broken").Send(ctx, "t", "m"); err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("non-2xx accepted: %v", err)
	}
}
