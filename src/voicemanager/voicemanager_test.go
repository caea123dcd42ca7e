package voicemanager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hendrywilliam/siren-gateway/src/api"
	"github.com/hendrywilliam/siren-gateway/src/gateway"
	"github.com/hendrywilliam/siren-gateway/src/structs"
	"github.com/hendrywilliam/siren-gateway/src/voice"
	"github.com/jonboulle/clockwork"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const botID = "bot-1"

type fakeGateway struct {
	mu      sync.Mutex
	updates []structs.UpdateVoiceState
}

func (f *fakeGateway) UpdateVoiceState(guildID string, channelID *string, selfMute, selfDeaf bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, structs.UpdateVoiceState{GuildID: guildID, ChannelID: channelID, SelfMute: selfMute, SelfDeaf: selfDeaf})
	return nil
}

func (f *fakeGateway) UserID() string { return botID }

func (f *fakeGateway) sent() []structs.UpdateVoiceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]structs.UpdateVoiceState(nil), f.updates...)
}

type fakeConn struct {
	mu           sync.Mutex
	target       voice.Target
	opened       int
	migratedTo   string
	disconnected bool
	confirmed    bool
	done         chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Open(ctx context.Context, target voice.Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
	c.opened++
	return nil
}

func (c *fakeConn) Play(ctx context.Context, frames <-chan []byte) error { return nil }

func (c *fakeConn) Migrate(endpoint, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.migratedTo = endpoint
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *fakeConn) ConfirmDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = true
}

func (c *fakeConn) Status() voice.VoiceGatewayStatus { return voice.StatusSpeaking }
func (c *fakeConn) Target() voice.Target             { return c.target }
func (c *fakeConn) SSRC() uint32                     { return 7 }
func (c *fakeConn) Mode() string                     { return "xsalsa20_poly1305" }
func (c *fakeConn) Latency() time.Duration           { return 30 * time.Millisecond }
func (c *fakeConn) Done() <-chan struct{}            { return c.done }

type fakeVoiceStates struct {
	state *structs.VoiceState
}

func (f fakeVoiceStates) GetCurrentUserVoiceState(ctx context.Context, guildID string) (*structs.VoiceState, error) {
	if f.state == nil {
		return nil, api.ErrNotInVoice
	}
	return f.state, nil
}

type harness struct {
	vm         *VoiceManager
	gw         *fakeGateway
	dispatcher *gateway.Dispatcher
	conns      chan *fakeConn
}

func newHarness(t *testing.T, clock clockwork.Clock, states VoiceStateFetcher) *harness {
	t.Helper()
	h := &harness{
		gw:         &fakeGateway{},
		dispatcher: gateway.NewDispatcher(discardLogger),
		conns:      make(chan *fakeConn, 4),
	}
	h.vm = NewVoiceManager(VoiceManagerArguments{
		Gateway:     h.gw,
		VoiceStates: states,
		NewConn: func() Conn {
			c := newFakeConn()
			h.conns <- c
			return c
		},
		Clock:  clock,
		Logger: discardLogger,
	})
	h.vm.Register(h.dispatcher)
	return h
}

func (h *harness) dispatch(t *testing.T, name structs.EventName, d any) {
	t.Helper()
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	h.dispatcher.Dispatch(context.Background(), name, data)
}

func (h *harness) joinAsync(guildID, channelID string) <-chan error {
	joined := make(chan error, 1)
	go func() {
		_, err := h.vm.Join(context.Background(), guildID, channelID, false, true)
		joined <- err
	}()
	return joined
}

func (h *harness) waitForUpdates(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.gw.sent()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("voice state updates = %d, want %d", len(h.gw.sent()), n)
}

func waitJoined(t *testing.T, joined <-chan error) error {
	t.Helper()
	select {
	case err := <-joined:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Join never returned")
		return nil
	}
}

func ptr(s string) *string { return &s }

func (h *harness) join(t *testing.T, guildID, channelID string) *fakeConn {
	t.Helper()
	n := len(h.gw.sent())
	joined := h.joinAsync(guildID, channelID)
	h.waitForUpdates(t, n+1)
	h.dispatch(t, structs.EventNameVoiceStateUpdate, structs.VoiceState{GuildID: guildID, ChannelID: channelID, UserID: botID, SessionID: "voice-session"})
	h.dispatch(t, structs.EventNameVoiceServerUpdate, structs.VoiceServerUpdate{GuildID: guildID, Token: "voice-token", Endpoint: ptr("voice.example:443")})
	if err := waitJoined(t, joined); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return <-h.conns
}

func TestJoinWaitsForStateAndServer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	joined := h.joinAsync("guild-1", "channel-1")
	h.waitForUpdates(t, 1)

	if diff := cmp.Diff([]structs.UpdateVoiceState{{GuildID: "guild-1", ChannelID: ptr("channel-1"), SelfDeaf: true}}, h.gw.sent()); diff != "" {
		t.Errorf("voice state update mismatch (-want +got):\n%s", diff)
	}

	h.dispatch(t, structs.EventNameVoiceStateUpdate, structs.VoiceState{GuildID: "guild-1", ChannelID: "channel-1", UserID: "someone-else", SessionID: "other"})
	h.dispatch(t, structs.EventNameVoiceServerUpdate, structs.VoiceServerUpdate{GuildID: "guild-1", Token: "voice-token", Endpoint: ptr("voice.example:443")})
	select {
	case err := <-joined:
		t.Fatalf("Join returned before the bot's own voice state: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	h.dispatch(t, structs.EventNameVoiceStateUpdate, structs.VoiceState{GuildID: "guild-1", ChannelID: "channel-1", UserID: botID, SessionID: "voice-session"})
	if err := waitJoined(t, joined); err != nil {
		t.Fatalf("Join: %v", err)
	}

	conn := <-h.conns
	want := voice.Target{
		GuildID:   "guild-1",
		ChannelID: ptr("channel-1"),
		UserID:    botID,
		SessionID: "voice-session",
		Endpoint:  "voice.example:443",
		Token:     "voice-token",
	}
	if diff := cmp.Diff(want, conn.target); diff != "" {
		t.Errorf("target mismatch (-want +got):\n%s", diff)
	}
	if h.vm.Get("guild-1") != Conn(conn) {
		t.Error("Get does not return the joined connection")
	}
}

func TestJoinTimesOut(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	h := newHarness(t, clock, nil)
	joined := h.joinAsync("guild-1", "channel-1")
	h.waitForUpdates(t, 1)
	h.dispatch(t, structs.EventNameVoiceServerUpdate, structs.VoiceServerUpdate{GuildID: "guild-1", Token: "voice-token", Endpoint: ptr("voice.example:443")})

	clock.BlockUntil(1)
	clock.Advance(DefaultJoinTimeout)
	if err := waitJoined(t, joined); !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("Join error = %v, want %v", err, ErrJoinTimeout)
	}
	if len(h.conns) != 0 {
		t.Error("a voice connection was opened after the join timed out")
	}

	// The guild is free to join again.
	h.join(t, "guild-1", "channel-1")
}

func TestJoinWhenAlreadyInChannel(t *testing.T) {
	t.Parallel()

	states := fakeVoiceStates{state: &structs.VoiceState{GuildID: "guild-1", ChannelID: "channel-1", UserID: botID, SessionID: "existing-session"}}
	h := newHarness(t, nil, states)
	joined := h.joinAsync("guild-1", "channel-1")
	h.waitForUpdates(t, 1)
	h.dispatch(t, structs.EventNameVoiceServerUpdate, structs.VoiceServerUpdate{GuildID: "guild-1", Token: "voice-token", Endpoint: ptr("voice.example:443")})
	if err := waitJoined(t, joined); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if conn := <-h.conns; conn.target.SessionID != "existing-session" {
		t.Errorf("session id = %q, want existing-session", conn.target.SessionID)
	}
}

func TestJoinMovesExistingConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	conn := h.join(t, "guild-1", "channel-1")

	got, err := h.vm.Join(context.Background(), "guild-1", "channel-2", false, false)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got != Conn(conn) {
		t.Error("moving returned a different connection")
	}
	if conn.opened != 1 {
		t.Errorf("opened = %d, want 1", conn.opened)
	}
	updates := h.gw.sent()
	if last := updates[len(updates)-1]; last.ChannelID == nil || *last.ChannelID != "channel-2" {
		t.Errorf("last voice state update = %+v, want channel-2", last)
	}

	h.dispatch(t, structs.EventNameVoiceStateUpdate, structs.VoiceState{GuildID: "guild-1", ChannelID: "channel-2", UserID: botID, SessionID: "voice-session"})
	want := []ConnSnapshot{{GuildID: "guild-1", ChannelID: "channel-2", Status: voice.StatusSpeaking, SSRC: 7, Mode: "xsalsa20_poly1305", LatencyMS: 30}}
	if diff := cmp.Diff(want, h.vm.Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestVoiceServerUpdateMigrates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	conn := h.join(t, "guild-1", "channel-1")

	h.dispatch(t, structs.EventNameVoiceServerUpdate, structs.VoiceServerUpdate{GuildID: "guild-1", Token: "new-token", Endpoint: ptr("other.example:443")})
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.migratedTo != "other.example:443" {
		t.Errorf("migrated to %q, want other.example:443", conn.migratedTo)
	}
}

func TestLeaveConfirmedByVoiceState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	conn := h.join(t, "guild-1", "channel-1")

	if err := h.vm.Leave("guild-1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if !conn.disconnected {
		t.Error("connection was not disconnected")
	}
	if h.vm.Get("guild-1") != nil {
		t.Error("connection still registered after leave")
	}
	if conn.confirmed {
		t.Error("disconnect confirmed before the gateway reported it")
	}

	h.dispatch(t, structs.EventNameVoiceStateUpdate, map[string]any{"guild_id": "guild-1", "channel_id": nil, "user_id": botID, "session_id": "voice-session"})
	if !conn.confirmed {
		t.Error("disconnect was not confirmed")
	}
	if err := h.vm.Leave("guild-1"); !errors.Is(err, ErrNotInGuild) {
		t.Errorf("second Leave error = %v, want %v", err, ErrNotInGuild)
	}
}

func TestRemovedFromChannelDropsConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	conn := h.join(t, "guild-1", "channel-1")

	h.dispatch(t, structs.EventNameVoiceStateUpdate, map[string]any{"guild_id": "guild-1", "channel_id": nil, "user_id": botID, "session_id": "voice-session"})
	if h.vm.Get("guild-1") != nil {
		t.Fatal("connection still registered after the bot was removed")
	}
	if len(h.vm.Snapshot()) != 0 {
		t.Errorf("snapshot = %+v, want empty", h.vm.Snapshot())
	}
	conn.mu.Lock()
	disconnected, confirmed := conn.disconnected, conn.confirmed
	conn.mu.Unlock()
	if !disconnected || !confirmed {
		t.Errorf("disconnected = %v, confirmed = %v, want both", disconnected, confirmed)
	}

	next := h.join(t, "guild-1", "channel-1")
	if next == conn {
		t.Fatal("Join reused the removed connection")
	}
	if next.opened != 1 {
		t.Errorf("new connection opened %d times, want 1", next.opened)
	}
}

func TestClosedConnectionIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	conn := h.join(t, "guild-1", "channel-1")
	close(conn.done)

	deadline := time.Now().Add(2 * time.Second)
	for h.vm.Get("guild-1") != nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.vm.Get("guild-1") != nil {
		t.Fatal("closed connection still registered")
	}

	next := h.join(t, "guild-1", "channel-1")
	if next == conn {
		t.Fatal("Join reused the closed connection")
	}
}
