package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hendrywilliam/siren-gateway/src/structs"
	"github.com/jonboulle/clockwork"
)

func TestURLCacheFetchesOnce(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	cache := NewURLCache(URLFetcherFunc(func(context.Context) (string, error) {
		fetches.Add(1)
		time.Sleep(10 * time.Millisecond)
		return "wss://gateway.example", nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			url, err := cache.Get(context.Background())
			if err != nil || url != "wss://gateway.example" {
				t.Errorf("Get = %q, %v", url, err)
			}
		}()
	}
	wg.Wait()
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}

	cache.Invalidate()
	if _, err := cache.Get(context.Background()); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if n := fetches.Load(); n != 2 {
		t.Errorf("fetches after invalidate = %d, want 2", n)
	}
}

func TestURLCacheDoesNotStoreFailures(t *testing.T) {
	t.Parallel()

	fail := true
	cache := NewURLCache(URLFetcherFunc(func(context.Context) (string, error) {
		if fail {
			return "", errors.New("gateway lookup failed")
		}
		return "wss://gateway.example", nil
	}))
	if _, err := cache.Get(context.Background()); err == nil {
		t.Fatal("Get succeeded on a failing fetch")
	}
	fail = false
	if url, err := cache.Get(context.Background()); err != nil || url != "wss://gateway.example" {
		t.Errorf("Get = %q, %v", url, err)
	}
}

func TestMemberRequestBatching(t *testing.T) {
	t.Parallel()

	sent := make(chan structs.RequestGuildMembers, 4)
	m := newMemberRequester(time.Millisecond, func(req structs.RequestGuildMembers) error {
		sent <- req
		return nil
	}, discardLogger)

	ids := make([]string, 120)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", 1000+i)
	}
	m.enqueue(ids...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.run(ctx)

	nonces := make(map[string]bool)
	for _, want := range []int{50, 50, 20} {
		select {
		case req := <-sent:
			if len(req.GuildID) != want {
				t.Errorf("batch size = %d, want %d", len(req.GuildID), want)
			}
			if len(req.Nonce) != 32 {
				t.Errorf("nonce %q has length %d, want 32", req.Nonce, len(req.Nonce))
			}
			if nonces[req.Nonce] {
				t.Errorf("nonce %q reused", req.Nonce)
			}
			nonces[req.Nonce] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("batch of %d never sent", want)
		}
	}
}

func TestReadyTrackerCompletes(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	tr := newReadyTracker()
	tr.reset([]structs.ReadyEventGuild{{ID: "1", Unavailable: true}, {ID: "2", Unavailable: true}}, clock.Now())

	done := make(chan bool, 1)
	go func() { done <- tr.wait(clock, make(chan struct{})) }()
	clock.BlockUntil(1)

	if tr.guildCreate(structs.GuildCreate{ID: "1"}, true) {
		t.Error("small guild queued for member fetch")
	}
	if !tr.guildCreate(structs.GuildCreate{ID: "2", Large: true}, true) {
		t.Error("large guild not queued for member fetch")
	}
	tr.membersChunk(structs.GuildMembersChunk{GuildID: "2", ChunkIndex: 0, ChunkCount: 2}, clock.Now())
	if _, pending, _ := tr.state(); pending != 1 {
		t.Fatalf("pending = %d after first of two chunks, want 1", pending)
	}
	tr.membersChunk(structs.GuildMembersChunk{GuildID: "2", ChunkIndex: 1, ChunkCount: 2}, clock.Now())

	clock.Advance(readyPollInterval)
	select {
	case ok := <-done:
		if !ok {
			t.Error("wait reported a stall although every guild loaded")
		}
	case <-time.After(time.Second):
		t.Fatal("wait never finished")
	}
}

func TestReadyTrackerStalls(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	tr := newReadyTracker()
	start := clock.Now()
	tr.reset([]structs.ReadyEventGuild{{ID: "1", Unavailable: true}}, start)

	done := make(chan bool, 1)
	go func() { done <- tr.wait(clock, make(chan struct{})) }()
	clock.BlockUntil(1)

	for i := 0; i < 100; i++ {
		clock.Advance(readyPollInterval)
		select {
		case ok := <-done:
			if ok {
				t.Fatal("wait completed with an unavailable guild")
			}
			if waited := clock.Since(start); waited < readyChunkQuiet {
				t.Errorf("gave up after %v, want >= %v", waited, readyChunkQuiet)
			}
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
	t.Fatal("stalled wait never gave up")
}
