package gateway

import (
	"sync"
	"time"

	"github.com/hendrywilliam/siren-gateway/src/structs"
	"github.com/jonboulle/clockwork"
)

const (
	readyPollInterval = 100 * time.Millisecond
	// The wait gives up once the unavailable count has not moved for this many
	// polls and no member chunk arrived for readyChunkQuiet.
	readyStallTicks = 20
	readyChunkQuiet = 5 * time.Second
)

// readyTracker follows guild availability and member chunking after READY.
type readyTracker struct {
	mu             sync.Mutex
	unavailable    map[string]struct{}
	pendingMembers map[string]struct{}
	lastChunk      time.Time
}

func newReadyTracker() *readyTracker {
	return &readyTracker{
		unavailable:    make(map[string]struct{}),
		pendingMembers: make(map[string]struct{}),
	}
}

func (t *readyTracker) reset(guilds []structs.ReadyEventGuild, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unavailable = make(map[string]struct{}, len(guilds))
	t.pendingMembers = make(map[string]struct{})
	for _, g := range guilds {
		if g.Unavailable {
			t.unavailable[g.ID] = struct{}{}
		}
	}
	t.lastChunk = now
}

// guildCreate reports whether the guild's members still have to be fetched.
func (t *readyTracker) guildCreate(g structs.GuildCreate, fetchMembers bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g.Unavailable {
		t.unavailable[g.ID] = struct{}{}
		return false
	}
	delete(t.unavailable, g.ID)
	if fetchMembers && (g.Large || g.MemberCount > len(g.Members)) {
		t.pendingMembers[g.ID] = struct{}{}
		return true
	}
	return false
}

func (t *readyTracker) membersChunk(c structs.GuildMembersChunk, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastChunk = now
	if c.ChunkIndex >= c.ChunkCount-1 {
		delete(t.pendingMembers, c.GuildID)
	}
}

func (t *readyTracker) state() (unavailable, pending int, lastChunk time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.unavailable), len(t.pendingMembers), t.lastChunk
}

// wait polls until every guild is available and fully chunked. It returns
// false when the wait stalled or stop was closed.
func (t *readyTracker) wait(clock clockwork.Clock, stop <-chan struct{}) bool {
	if unavailable, pending, _ := t.state(); unavailable == 0 && pending == 0 {
		return true
	}
	ticker := clock.NewTicker(readyPollInterval)
	defer ticker.Stop()

	last, unchanged := -1, 0
	for {
		select {
		case <-stop:
			return false
		case <-ticker.Chan():
		}
		unavailable, pending, lastChunk := t.state()
		if unavailable == 0 && pending == 0 {
			return true
		}
		if unavailable == last {
			unchanged++
		} else {
			last, unchanged = unavailable, 0
		}
		if unchanged >= readyStallTicks && clock.Since(lastChunk) >= readyChunkQuiet {
			return false
		}
	}
}
