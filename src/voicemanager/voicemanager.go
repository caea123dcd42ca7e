// Package voicemanager keeps one voice connection per guild and feeds it the
// VOICE_STATE_UPDATE and VOICE_SERVER_UPDATE events the main gateway receives.
package voicemanager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hendrywilliam/siren-gateway/src/api"
	"github.com/hendrywilliam/siren-gateway/src/gateway"
	"github.com/hendrywilliam/siren-gateway/src/structs"
	"github.com/hendrywilliam/siren-gateway/src/voice"
	"github.com/jonboulle/clockwork"
)

type GuildID = string

const DefaultJoinTimeout = 10 * time.Second

var (
	ErrJoinTimeout   = errors.New("timed out waiting for voice state and voice server")
	ErrJoinPending   = errors.New("a join is already in progress for this guild")
	ErrNotInGuild    = errors.New("no voice connection for this guild")
	ErrNoVoiceServer = errors.New("voice server has no endpoint")
)

// Conn is a single voice connection. *voice.Voice implements it.
type Conn interface {
	Open(ctx context.Context, target voice.Target) error
	Play(ctx context.Context, frames <-chan []byte) error
	Migrate(endpoint, token string)
	Disconnect() error
	ConfirmDisconnect()
	Status() voice.VoiceGatewayStatus
	Target() voice.Target
	SSRC() uint32
	Mode() string
	Latency() time.Duration
	// Done is closed once the connection is down for good.
	Done() <-chan struct{}
}

var _ Conn = (*voice.Voice)(nil)

// VoiceGateway is the part of the main gateway a voice join needs.
type VoiceGateway interface {
	voice.VoiceStateUpdater
	UserID() string
}

// VoiceStateFetcher looks up the bot's current voice state over REST.
type VoiceStateFetcher interface {
	GetCurrentUserVoiceState(ctx context.Context, guildID string) (*structs.VoiceState, error)
}

type entry struct {
	conn      Conn
	channelID string
}

// pendingJoin collects the two confirmations a join waits for.
type pendingJoin struct {
	channelID string
	state     chan string
	server    chan structs.VoiceServerUpdate
}

type VoiceManager struct {
	mu      sync.Mutex
	active  map[GuildID]*entry
	pending map[GuildID]*pendingJoin
	leaving map[GuildID]Conn
	states  map[GuildID]structs.VoiceState

	gateway     VoiceGateway
	voiceStates VoiceStateFetcher
	newConn     func() Conn
	joinTimeout time.Duration
	clock       clockwork.Clock
	log         *slog.Logger
}

type VoiceManagerArguments struct {
	Gateway VoiceGateway
	// VoiceStates is asked whether the bot already sits in the target channel.
	// Optional.
	VoiceStates VoiceStateFetcher
	// Voice is the template every new connection is built from. Updater is
	// always replaced by Gateway.
	Voice voice.NewVoiceArguments
	// NewConn overrides how connections are built.
	NewConn     func() Conn
	JoinTimeout time.Duration
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

func NewVoiceManager(args VoiceManagerArguments) *VoiceManager {
	if args.JoinTimeout <= 0 {
		args.JoinTimeout = DefaultJoinTimeout
	}
	if args.Clock == nil {
		args.Clock = clockwork.NewRealClock()
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	if args.NewConn == nil {
		voiceArgs := args.Voice
		voiceArgs.Updater = args.Gateway
		if voiceArgs.Clock == nil {
			voiceArgs.Clock = args.Clock
		}
		if voiceArgs.Log == nil {
			voiceArgs.Log = args.Logger
		}
		args.NewConn = func() Conn { return voice.NewVoice(voiceArgs) }
	}
	return &VoiceManager{
		active:      make(map[GuildID]*entry),
		pending:     make(map[GuildID]*pendingJoin),
		leaving:     make(map[GuildID]Conn),
		states:      make(map[GuildID]structs.VoiceState),
		gateway:     args.Gateway,
		voiceStates: args.VoiceStates,
		newConn:     args.NewConn,
		joinTimeout: args.JoinTimeout,
		clock:       args.Clock,
		log:         args.Logger,
	}
}

// Register subscribes the manager to the voice dispatch events.
func (vm *VoiceManager) Register(d *gateway.Dispatcher) {
	d.On(structs.EventNameVoiceStateUpdate, vm.onVoiceStateUpdate)
	d.On(structs.EventNameVoiceServerUpdate, vm.onVoiceServerUpdate)
}

// Join connects to channelID in guildID. When the guild already has a
// connection the bot is only moved. Otherwise Join sends a voice state update
// and waits for the bot's own VOICE_STATE_UPDATE and a VOICE_SERVER_UPDATE
// before opening the voice connection. ctx bounds the connection's lifetime.
func (vm *VoiceManager) Join(ctx context.Context, guildID, channelID string, selfMute, selfDeaf bool) (Conn, error) {
	vm.mu.Lock()
	if e, ok := vm.active[guildID]; ok {
		vm.mu.Unlock()
		vm.log.Info("moving voice connection", "guild_id", guildID, "channel_id", channelID)
		if err := vm.gateway.UpdateVoiceState(guildID, &channelID, selfMute, selfDeaf); err != nil {
			return nil, err
		}
		return e.conn, nil
	}
	if _, ok := vm.pending[guildID]; ok {
		vm.mu.Unlock()
		return nil, ErrJoinPending
	}
	p := &pendingJoin{
		channelID: channelID,
		state:     make(chan string, 1),
		server:    make(chan structs.VoiceServerUpdate, 1),
	}
	vm.pending[guildID] = p
	vm.mu.Unlock()
	defer func() {
		vm.mu.Lock()
		delete(vm.pending, guildID)
		vm.mu.Unlock()
	}()

	if sessionID, ok := vm.presentIn(ctx, guildID, channelID); ok {
		p.deliverState(sessionID)
	}
	if err := vm.gateway.UpdateVoiceState(guildID, &channelID, selfMute, selfDeaf); err != nil {
		return nil, err
	}

	var (
		sessionID string
		server    *structs.VoiceServerUpdate
		timeout   = vm.clock.After(vm.joinTimeout)
	)
	for sessionID == "" || server == nil {
		select {
		case sessionID = <-p.state:
		case s := <-p.server:
			server = &s
		case <-timeout:
			vm.log.Warn("voice join timed out", "guild_id", guildID, "has_state", sessionID != "", "has_server", server != nil)
			return nil, ErrJoinTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if server.Endpoint == nil {
		return nil, ErrNoVoiceServer
	}

	conn := vm.newConn()
	target := voice.Target{
		GuildID:   guildID,
		ChannelID: &channelID,
		UserID:    vm.gateway.UserID(),
		SessionID: sessionID,
		Endpoint:  *server.Endpoint,
		Token:     server.Token,
	}
	if err := conn.Open(ctx, target); err != nil {
		return nil, err
	}
	vm.mu.Lock()
	vm.active[guildID] = &entry{conn: conn, channelID: channelID}
	vm.mu.Unlock()
	go vm.watch(guildID, conn)
	vm.log.Info("voice connection established", "guild_id", guildID, "channel_id", channelID)
	return conn, nil
}

// watch forgets conn once it closes for good, so the next Join dials again.
func (vm *VoiceManager) watch(guildID GuildID, conn Conn) {
	<-conn.Done()
	vm.mu.Lock()
	e, ok := vm.active[guildID]
	ok = ok && e.conn == conn
	if ok {
		delete(vm.active, guildID)
	}
	vm.mu.Unlock()
	if ok {
		vm.log.Warn("voice connection closed, dropping it", "guild_id", guildID)
	}
}

// presentIn reports the session id when the bot already sits in channelID.
func (vm *VoiceManager) presentIn(ctx context.Context, guildID, channelID string) (string, bool) {
	vm.mu.Lock()
	state, ok := vm.states[guildID]
	vm.mu.Unlock()
	if ok {
		return state.SessionID, state.ChannelID == channelID && state.SessionID != ""
	}
	if vm.voiceStates == nil {
		return "", false
	}
	current, err := vm.voiceStates.GetCurrentUserVoiceState(ctx, guildID)
	if err != nil {
		if !errors.Is(err, api.ErrNotInVoice) {
			vm.log.Debug("failed to fetch current voice state", "guild_id", guildID, "error", err)
		}
		return "", false
	}
	return current.SessionID, current.ChannelID == channelID && current.SessionID != ""
}

// Leave disconnects the guild's voice connection. The connection's heartbeat
// stops once the gateway confirms the bot left or the grace period passes.
func (vm *VoiceManager) Leave(guildID string) error {
	vm.mu.Lock()
	e, ok := vm.active[guildID]
	if ok {
		delete(vm.active, guildID)
		vm.leaving[guildID] = e.conn
	}
	vm.mu.Unlock()
	if !ok {
		return ErrNotInGuild
	}
	vm.log.Info("leaving voice channel", "guild_id", guildID)
	return e.conn.Disconnect()
}

// LeaveAll disconnects every voice connection.
func (vm *VoiceManager) LeaveAll() {
	vm.mu.Lock()
	guilds := make([]GuildID, 0, len(vm.active))
	for guildID := range vm.active {
		guilds = append(guilds, guildID)
	}
	vm.mu.Unlock()
	for _, guildID := range guilds {
		if err := vm.Leave(guildID); err != nil {
			vm.log.Warn("failed to leave voice channel", "guild_id", guildID, "error", err)
		}
	}
}

func (vm *VoiceManager) Get(guildID GuildID) Conn {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if e, ok := vm.active[guildID]; ok {
		return e.conn
	}
	return nil
}

type ConnSnapshot struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Status    string `json:"status"`
	SSRC      uint32 `json:"ssrc"`
	Mode      string `json:"mode"`
	LatencyMS int64  `json:"latency_ms"`
}

func (vm *VoiceManager) Snapshot() []ConnSnapshot {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	snapshots := make([]ConnSnapshot, 0, len(vm.active))
	for guildID, e := range vm.active {
		snapshots = append(snapshots, ConnSnapshot{
			GuildID:   guildID,
			ChannelID: e.channelID,
			Status:    e.conn.Status(),
			SSRC:      e.conn.SSRC(),
			Mode:      e.conn.Mode(),
			LatencyMS: e.conn.Latency().Milliseconds(),
		})
	}
	return snapshots
}

func (vm *VoiceManager) onVoiceStateUpdate(ctx context.Context, d json.RawMessage) error {
	state := structs.VoiceState{}
	if err := json.Unmarshal(d, &state); err != nil {
		return err
	}
	if state.UserID == "" || state.UserID != vm.gateway.UserID() {
		return nil
	}

	vm.mu.Lock()
	vm.states[state.GuildID] = state
	p := vm.pending[state.GuildID]
	if e, ok := vm.active[state.GuildID]; ok && state.ChannelID != "" {
		e.channelID = state.ChannelID
	}
	var leaving, removed Conn
	if state.ChannelID == "" {
		leaving = vm.leaving[state.GuildID]
		delete(vm.leaving, state.GuildID)
		// Kicked, or the channel went away.
		if e, ok := vm.active[state.GuildID]; ok {
			removed = e.conn
			delete(vm.active, state.GuildID)
		}
	}
	vm.mu.Unlock()

	if p != nil && state.ChannelID == p.channelID {
		p.deliverState(state.SessionID)
	}
	if leaving != nil {
		vm.log.Debug("voice disconnect confirmed", "guild_id", state.GuildID)
		leaving.ConfirmDisconnect()
	}
	if removed != nil {
		vm.log.Warn("removed from voice channel, closing connection", "guild_id", state.GuildID)
		if err := removed.Disconnect(); err != nil {
			vm.log.Debug("failed to send voice leave", "guild_id", state.GuildID, "error", err)
		}
		removed.ConfirmDisconnect()
	}
	return nil
}

func (vm *VoiceManager) onVoiceServerUpdate(ctx context.Context, d json.RawMessage) error {
	server := structs.VoiceServerUpdate{}
	if err := json.Unmarshal(d, &server); err != nil {
		return err
	}

	vm.mu.Lock()
	p := vm.pending[server.GuildID]
	e := vm.active[server.GuildID]
	vm.mu.Unlock()

	switch {
	case p != nil:
		p.deliverServer(server)
	case e != nil && server.Endpoint != nil:
		e.conn.Migrate(*server.Endpoint, server.Token)
	case e != nil:
		vm.log.Warn("voice server deallocated, waiting for a new one", "guild_id", server.GuildID)
	}
	return nil
}

func (p *pendingJoin) deliverState(sessionID string) {
	select {
	case p.state <- sessionID:
	default:
	}
}

func (p *pendingJoin) deliverServer(server structs.VoiceServerUpdate) {
	select {
	case p.server <- server:
	default:
	}
}
