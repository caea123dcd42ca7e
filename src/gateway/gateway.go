package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hendrywilliam/siren-gateway/src/api"
	"github.com/hendrywilliam/siren-gateway/src/codec"
	"github.com/hendrywilliam/siren-gateway/src/heart"
	"github.com/hendrywilliam/siren-gateway/src/ratelimit"
	"github.com/hendrywilliam/siren-gateway/src/rest"
	"github.com/hendrywilliam/siren-gateway/src/structs"
	"github.com/jonboulle/clockwork"
)

// https://discord.com/developers/docs/events/gateway#message-content-intent
type GatewayIntent = int

var (
	GuildsIntent                      = 1 << 0
	GuildMembersIntent                = 1 << 1
	GuildModerationIntent             = 1 << 2
	GuildExpressionIntent             = 1 << 3
	GuildIntegrationsIntent           = 1 << 4
	GuildWebhooksIntent               = 1 << 5
	GuildInvitesIntent                = 1 << 6
	GuildVoiceStatesIntent            = 1 << 7
	GuildPresencesIntent              = 1 << 8
	GuildMessagesIntent               = 1 << 9
	GuildMessageReactionIntent        = 1 << 10
	GuildMessageTypingIntent          = 1 << 11
	DirectMessageIntent               = 1 << 12
	DirectMessageReactionIntent       = 1 << 13
	DirectMessageTypingIntent         = 1 << 14
	MessageContentIntent              = 1 << 15
	GuildScheduledEventsIntent        = 1 << 16
	AutoModerationConfigurationIntent = 1 << 20
	AutoModerationExecutionIntent     = 1 << 21
	GuildMessagePollsIntent           = 1 << 24
	DirectMessagePollsIntent          = 1 << 25
)

type GatewayStatus = string

const (
	StatusDisconnected  GatewayStatus = "DISCONNECTED"
	StatusConnecting    GatewayStatus = "CONNECTING"
	StatusAwaitingHello GatewayStatus = "AWAITING_HELLO"
	StatusIdentifying   GatewayStatus = "IDENTIFYING"
	StatusResuming      GatewayStatus = "RESUMING"
	StatusReady         GatewayStatus = "READY"
	StatusReconnecting  GatewayStatus = "RECONNECTING"
)

type GatewayOpcode = int

const (
	OpcodeDispatch           GatewayOpcode = 0
	OpcodeHeartbeat          GatewayOpcode = 1
	OpcodeIdentify           GatewayOpcode = 2
	OpcodePresenceUpdate     GatewayOpcode = 3
	OpcodeVoiceStateUpdate   GatewayOpcode = 4
	OpcodeResume             GatewayOpcode = 6
	OpcodeReconnect          GatewayOpcode = 7
	OpcodeRequestGuildMember GatewayOpcode = 8
	OpcodeInvalidSession     GatewayOpcode = 9
	OpcodeHello              GatewayOpcode = 10
	OpcodeHeartbeatAck       GatewayOpcode = 11
)

type GatewayCloseEventCode = int

const (
	UnknownError         GatewayCloseEventCode = 4000
	UnknownOpcode        GatewayCloseEventCode = 4001
	DecodeError          GatewayCloseEventCode = 4002
	NotAuthenticated     GatewayCloseEventCode = 4003
	AuthenticationFailed GatewayCloseEventCode = 4004
	AlreadyAuthenticated GatewayCloseEventCode = 4005
	InvalidSeq           GatewayCloseEventCode = 4007
	RateLimited          GatewayCloseEventCode = 4008
	SessionTimedOut      GatewayCloseEventCode = 4009
	InvalidShard         GatewayCloseEventCode = 4010
	ShardingRequired     GatewayCloseEventCode = 4011
	InvalidAPIVersion    GatewayCloseEventCode = 4012
	InvalidIntents       GatewayCloseEventCode = 4013
	DisallowedIntents    GatewayCloseEventCode = 4014

	// Self-assigned codes, never sent by the server.
	HeartbeatNotAnswered GatewayCloseEventCode = heart.CloseNotAnswered
	CommandedReconnect   GatewayCloseEventCode = 4999
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrDecode               = errors.New("invalid payload")
	ErrGatewayIsAlreadyOpen = errors.New("gateway is already open")
	ErrUnknown              = errors.New("unknown error")
	ErrDisallowedIntents    = errors.New("disallowed intent. you may have tried to specify an intent that you have not enabled")
	ErrInvalidShard         = errors.New("invalid shard")
	ErrShardingRequired     = errors.New("sharding required")
	ErrInvalidAPIVersion    = errors.New("invalid api version")
	ErrInvalidIntents       = errors.New("invalid intents")
	ErrNotConnected         = errors.New("gateway is not connected")
	ErrClosed               = errors.New("gateway closed")
	ErrClosedBeforeReady    = errors.New("gateway closed before ready")
)

const (
	DefaultHTTPBaseURL     = "https://discord.com/api/v10"
	DefaultVersion         = 10
	DefaultLargeThreshold  = 250
	DefaultDisconnectGrace = 5 * time.Second
	invalidSessionDelay    = 500 * time.Millisecond
	maxReconnectBackoff    = 60 * time.Second
)

// closeCodeError maps a close code to the error reported to the application.
func closeCodeError(code int) error {
	switch code {
	case AuthenticationFailed:
		return ErrAuthenticationFailed
	case NotAuthenticated:
		return ErrNotAuthenticated
	case DecodeError:
		return ErrDecode
	case InvalidShard:
		return ErrInvalidShard
	case ShardingRequired:
		return ErrShardingRequired
	case InvalidAPIVersion:
		return ErrInvalidAPIVersion
	case InvalidIntents:
		return ErrInvalidIntents
	case DisallowedIntents:
		return ErrDisallowedIntents
	default:
		return fmt.Errorf("%w: close code %d", ErrUnknown, code)
	}
}

// isTerminal reports close codes that reconnecting cannot fix.
func isTerminal(code int) bool {
	switch code {
	case AuthenticationFailed, InvalidShard, ShardingRequired, InvalidAPIVersion, InvalidIntents, DisallowedIntents:
		return true
	}
	return false
}

func discardsSession(code int) bool {
	switch code {
	case InvalidSeq, SessionTimedOut, CommandedReconnect:
		return true
	}
	return false
}

// DefaultBackoff doubles from one second and caps at a minute.
func DefaultBackoff(attempt int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		return maxReconnectBackoff
	}
	return min(time.Duration(1<<(attempt-1))*time.Second, maxReconnectBackoff)
}

// DefaultInvalidSessionDelay waits 1-5s when the invalidation answered an
// IDENTIFY, and a short fixed delay otherwise.
func DefaultInvalidSessionDelay(afterIdentify bool) time.Duration {
	if afterIdentify {
		return time.Second + rand.N(4*time.Second)
	}
	return invalidSessionDelay
}

type Gateway struct {
	rwlock sync.RWMutex
	sock   *socket

	statusLock sync.RWMutex
	status     GatewayStatus

	session Session
	heart   *heart.Heart
	tracker *readyTracker
	members *memberRequester
	stats   stats

	ctx    context.Context
	cancel context.CancelFunc

	opened               atomic.Bool
	reconnect            atomic.Bool
	everReady            atomic.Bool
	holdingGate          atomic.Bool
	lastFrameWasIdentify atomic.Bool
	attempts             atomic.Int64

	readyOnce sync.Once
	readyCh   chan error

	botToken            string
	botIntents          int
	shard               *[2]int
	largeThreshold      int
	compress            bool
	version             int
	presence            *structs.PresenceUpdate
	fetchMembers        bool
	heartbeatMultiplier float64
	disconnectGrace     time.Duration

	urls                *URLCache
	gate                *ratelimit.IdentifyGate
	wsDialer            *websocket.Dialer
	clock               clockwork.Clock
	backoff             func(attempt int64) time.Duration
	invalidSessionDelay func(afterIdentify bool) time.Duration

	dispatcher *Dispatcher
	lifecycle  *lifecycle
	log        *slog.Logger
}

type DiscordArguments struct {
	BotToken  string
	BotIntent []int

	// Shard is [shard_id, shard_count]; nil connects unsharded.
	Shard          *[2]int
	LargeThreshold int
	Compress       bool
	Version        int
	Presence       *structs.PresenceUpdate
	HTTPBaseURL    string

	// FetchMembers requests member lists for large guilds before ready.
	FetchMembers          bool
	MemberRequestInterval time.Duration
	HeartbeatMultiplier   float64
	DisconnectGrace       time.Duration

	// URLs is shared between connections. Defaults to a cache backed by GET /gateway.
	URLs *URLCache
	// Gate defaults to the process-wide identify gate.
	Gate                *ratelimit.IdentifyGate
	Dialer              *websocket.Dialer
	Clock               clockwork.Clock
	Backoff             func(attempt int64) time.Duration
	InvalidSessionDelay func(afterIdentify bool) time.Duration
	Dispatcher          *Dispatcher

	Logger *slog.Logger
}

// NewGateway fills unset arguments with the v10 defaults, the process-wide
// identify gate and a GET /gateway backed url cache. Nothing is dialled until
// Open.
func NewGateway(args DiscordArguments) *Gateway {
	intents := 0
	for _, v := range args.BotIntent {
		intents |= v
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	log := args.Logger
	if args.Shard != nil {
		log = log.With("shard", args.Shard[0])
	}
	if args.Version == 0 {
		args.Version = DefaultVersion
	}
	if args.LargeThreshold == 0 {
		args.LargeThreshold = DefaultLargeThreshold
	}
	if args.HTTPBaseURL == "" {
		args.HTTPBaseURL = DefaultHTTPBaseURL
	}
	if args.HeartbeatMultiplier <= 0 {
		args.HeartbeatMultiplier = 1
	}
	if args.DisconnectGrace <= 0 {
		args.DisconnectGrace = DefaultDisconnectGrace
	}
	if args.URLs == nil {
		args.URLs = NewURLCache(api.NewGatewayAPI(rest.NewREST(args.HTTPBaseURL, args.BotToken)))
	}
	if args.Gate == nil {
		args.Gate = ratelimit.Default()
	}
	if args.Dialer == nil {
		args.Dialer = websocket.DefaultDialer
	}
	if args.Clock == nil {
		args.Clock = clockwork.NewRealClock()
	}
	if args.Backoff == nil {
		args.Backoff = DefaultBackoff
	}
	if args.InvalidSessionDelay == nil {
		args.InvalidSessionDelay = DefaultInvalidSessionDelay
	}
	if args.Dispatcher == nil {
		args.Dispatcher = NewDispatcher(log)
	}

	g := &Gateway{
		status:              StatusDisconnected,
		tracker:             newReadyTracker(),
		ctx:                 context.Background(),
		cancel:              func() {},
		readyCh:             make(chan error, 1),
		botToken:            args.BotToken,
		botIntents:          intents,
		shard:               args.Shard,
		largeThreshold:      args.LargeThreshold,
		compress:            args.Compress,
		version:             args.Version,
		presence:            args.Presence,
		fetchMembers:        args.FetchMembers,
		heartbeatMultiplier: args.HeartbeatMultiplier,
		disconnectGrace:     args.DisconnectGrace,
		urls:                args.URLs,
		gate:                args.Gate,
		wsDialer:            args.Dialer,
		clock:               args.Clock,
		backoff:             args.Backoff,
		invalidSessionDelay: args.InvalidSessionDelay,
		dispatcher:          args.Dispatcher,
		lifecycle:           &lifecycle{log: log},
		log:                 log,
	}
	g.heart = heart.New(heart.Options{
		Mode:   heart.ModeGateway,
		Send:   g.sendEvent,
		Close:  g.closeCurrent,
		Clock:  args.Clock,
		Logger: log,
	})
	g.members = newMemberRequester(args.MemberRequestInterval, func(req structs.RequestGuildMembers) error {
		return g.send(OpcodeRequestGuildMember, req)
	}, log)
	return g
}

// Open connects and blocks until the first READY has settled, a terminal close
// happens, or ctx is done. ctx also bounds the lifetime of the connection:
// cancelling it disconnects. A Gateway is opened once.
func (g *Gateway) Open(ctx context.Context) error {
	if !g.opened.CompareAndSwap(false, true) {
		return ErrGatewayIsAlreadyOpen
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.reconnect.Store(true)
	context.AfterFunc(g.ctx, g.Disconnect)
	go g.members.run(g.ctx)

	if err := g.connect(g.ctx); err != nil {
		g.cancel()
		return err
	}
	select {
	case err := <-g.readyCh:
		if err != nil {
			g.cancel()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection for good. Automatic reconnects stop before
// the socket is closed.
func (g *Gateway) Disconnect() {
	g.reconnect.Store(false)
	g.rwlock.RLock()
	s := g.sock
	g.rwlock.RUnlock()
	if s != nil {
		if err := s.close(websocket.CloseNormalClosure, "disconnect"); err != nil {
			g.log.Debug("close frame not delivered", "error", err)
		}
	}
	// The close handler squashes the heart too; this covers a close that never completes.
	go func() {
		<-g.clock.After(g.disconnectGrace)
		g.heart.Squash()
	}()
	g.cancel()
}

func (g *Gateway) connect(ctx context.Context) error {
	g.setStatus(StatusConnecting)
	if err := g.gate.Acquire(ctx, g.botToken); err != nil {
		return err
	}
	g.holdingGate.Store(true)

	target, fromCache, err := g.dialURL(ctx)
	if err != nil {
		g.releaseGate(false)
		return err
	}
	g.log.Info("connecting to discord...", "url", target)
	conn, _, err := g.wsDialer.DialContext(ctx, target, nil)
	if err != nil {
		g.releaseGate(false)
		if fromCache {
			g.urls.Invalidate()
		}
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	s := newSocket(conn)
	g.rwlock.Lock()
	g.sock = s
	g.rwlock.Unlock()
	g.setStatus(StatusAwaitingHello)
	g.lifecycle.emit(LifecycleEvent{Kind: EventConnected})
	go g.listen(s)

	if ctx.Err() != nil {
		s.close(websocket.CloseNormalClosure, "disconnect")
	}
	return nil
}

// dialURL prefers the resume url of a cached session.
func (g *Gateway) dialURL(ctx context.Context) (string, bool, error) {
	base, fromCache := "", false
	if _, resumeURL, ok := g.session.resumable(); ok && resumeURL != "" {
		base = resumeURL
	} else {
		u, err := g.urls.Get(ctx)
		if err != nil {
			return "", false, fmt.Errorf("failed to resolve gateway url: %w", err)
		}
		base, fromCache = u, true
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fromCache, err
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(g.version))
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	return u.String(), fromCache, nil
}

func (g *Gateway) releaseGate(identified bool) {
	if g.holdingGate.CompareAndSwap(true, false) {
		g.gate.Release(g.botToken, identified)
	}
}

func (g *Gateway) listen(s *socket) {
	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			g.onClose(s, err)
			return
		}
		g.stats.framesIn.Add(1)
		e, err := codec.ReadFrame(messageType == websocket.BinaryMessage, message)
		if err != nil {
			g.stats.framesDropped.Add(1)
			g.log.Warn("dropping frame", "error", err)
			continue
		}
		g.acceptEvent(s, e)
	}
}

func (g *Gateway) acceptEvent(s *socket, e *structs.RawEvent) {
	g.heart.HandleFrame(e)
	switch e.Op {
	case OpcodeHello:
		g.onHello(s, e)
	case OpcodeHeartbeat:
		g.heart.Beat()
	case OpcodeHeartbeatAck:
		g.log.Debug("event", "heartbeat_acknowledge", e)
	case OpcodeReconnect:
		g.log.Info("gateway requested a reconnect")
		g.session.discard()
		s.close(CommandedReconnect, "reconnect requested")
	case OpcodeInvalidSession:
		g.onInvalidSession(s, e)
	case OpcodeDispatch:
		g.onEvent(e)
	default:
		g.log.Debug("unhandled opcode", "event", e)
	}
}

// onHello starts heartbeating and runs the handshake. Without a usable
// interval the connection cannot be kept alive, so it is closed and the usual
// reconnect policy applies.
func (g *Gateway) onHello(s *socket, e *structs.RawEvent) {
	hello := structs.HelloEvent{}
	err := json.Unmarshal(e.D, &hello)
	if err == nil {
		interval := time.Duration(float64(hello.HeartbeatInterval)*g.heartbeatMultiplier) * time.Millisecond
		err = g.heart.Start(interval)
	}
	if err != nil {
		g.stats.framesDropped.Add(1)
		g.log.Warn("dropping malformed hello", "error", err)
		if cerr := s.close(DecodeError, "malformed hello"); cerr != nil {
			g.log.Debug("close frame not delivered", "error", cerr)
		}
		return
	}
	g.handshake(s)
}

func (g *Gateway) handshake(s *socket) {
	if sessionID, _, ok := g.session.resumable(); ok {
		g.resume(s, sessionID)
		return
	}
	g.identify(s)
}

func (g *Gateway) identify(s *socket) {
	g.setStatus(StatusIdentifying)
	g.heart.ResetSequence()
	data, err := codec.Encode(OpcodeIdentify, structs.IdentifyEvent{
		Token:   g.botToken,
		Intents: g.botIntents,
		Properties: structs.IdentifyEventProperties{
			Os:      "linux",
			Browser: "siren",
			Device:  "siren",
		},
		Compress:       g.compress,
		LargeThreshold: g.largeThreshold,
		Shard:          g.shard,
		Presence:       g.presence,
	})
	if err == nil {
		err = s.write(data)
	}
	if err != nil {
		g.releaseGate(false)
		g.log.Error("failed to send identify event", "error", err)
		return
	}
	g.lastFrameWasIdentify.Store(true)
	g.stats.identifies.Add(1)
	g.releaseGate(true)
	g.log.Info("identify event sent")
}

func (g *Gateway) resume(s *socket, sessionID string) {
	g.setStatus(StatusResuming)
	seq, _ := g.heart.Sequence()
	data, err := codec.Encode(OpcodeResume, structs.ResumeEvent{
		Token:     g.botToken,
		SessionID: sessionID,
		Seq:       seq,
	})
	if err == nil {
		err = s.write(data)
	}
	g.releaseGate(false)
	if err != nil {
		g.log.Error("failed to send resume event", "error", err)
		return
	}
	g.lastFrameWasIdentify.Store(false)
	g.stats.resumes.Add(1)
	g.log.Info("resume event sent", "sequence", seq)
}

func (g *Gateway) onInvalidSession(s *socket, e *structs.RawEvent) {
	var resumable bool
	_ = json.Unmarshal(e.D, &resumable)
	afterIdentify := g.lastFrameWasIdentify.Load()
	g.session.discard()
	delay := g.invalidSessionDelay(afterIdentify)
	g.log.Warn("session invalidated", "resumable", resumable, "after_identify", afterIdentify, "retry_in", delay)

	go func() {
		select {
		case <-g.clock.After(delay):
		case <-s.done:
			return
		case <-g.ctx.Done():
			return
		}
		if err := g.gate.Acquire(g.ctx, g.botToken); err != nil {
			return
		}
		g.holdingGate.Store(true)
		select {
		case <-s.done:
			g.releaseGate(false)
			return
		default:
		}
		g.handshake(s)
	}()
}

func (g *Gateway) onEvent(e *structs.RawEvent) {
	switch e.T {
	case structs.EventNameReady:
		ready := structs.ReadyEvent{}
		if err := json.Unmarshal(e.D, &ready); err != nil {
			g.log.Error("failed to decode ready event", "error", err)
			return
		}
		g.session.set(ready.SessionID, ready.ResumeGatewayURL, ready.User.ID)
		g.attempts.Store(0)
		g.everReady.Store(true)
		g.lastFrameWasIdentify.Store(false)
		g.setStatus(StatusReady)
		g.log.Info("gateway is ready", "user_id", ready.User.ID, "guilds", len(ready.Guilds))
		g.tracker.reset(ready.Guilds, g.clock.Now())
		g.rwlock.RLock()
		s := g.sock
		g.rwlock.RUnlock()
		if s != nil {
			go g.awaitGuilds(s)
		}
	case structs.EventNameResumed:
		g.attempts.Store(0)
		g.lastFrameWasIdentify.Store(false)
		g.setStatus(StatusReady)
		g.log.Info("gateway resumed")
		g.lifecycle.emit(LifecycleEvent{Kind: EventResumed})
		g.signalReady(nil)
	case structs.EventNameGuildCreate:
		guild := structs.GuildCreate{}
		if err := json.Unmarshal(e.D, &guild); err != nil {
			g.log.Warn("failed to decode guild create", "error", err)
			break
		}
		if g.tracker.guildCreate(guild, g.fetchMembers) {
			g.members.enqueue(guild.ID)
		}
	case structs.EventNameGuildMembersChunk:
		chunk := structs.GuildMembersChunk{}
		if err := json.Unmarshal(e.D, &chunk); err != nil {
			g.log.Warn("failed to decode guild members chunk", "error", err)
			break
		}
		g.tracker.membersChunk(chunk, g.clock.Now())
	}
	g.dispatcher.Dispatch(g.ctx, e.T, e.D)
}

// awaitGuilds holds back the ready signal until guilds have loaded.
func (g *Gateway) awaitGuilds(s *socket) {
	if !g.tracker.wait(g.clock, s.done) {
		select {
		case <-s.done:
			return
		default:
		}
		unavailable, pending, _ := g.tracker.state()
		g.log.Warn("stopped waiting for guilds", "unavailable", unavailable, "pending_members", pending)
	}
	g.lifecycle.emit(LifecycleEvent{Kind: EventReady})
	g.signalReady(nil)
}

func (g *Gateway) onClose(s *socket, err error) {
	g.rwlock.Lock()
	if g.sock != s {
		g.rwlock.Unlock()
		return
	}
	g.sock = nil
	g.rwlock.Unlock()
	close(s.done)
	s.conn.Close()
	g.heart.Squash()
	g.releaseGate(false)

	code := s.code(err)
	g.log.Info("gateway connection closed", "code", code)
	g.lifecycle.emit(LifecycleEvent{Kind: EventDisconnected, Code: code})

	if isTerminal(code) {
		cerr := closeCodeError(code)
		g.reconnect.Store(false)
		g.setStatus(StatusDisconnected)
		g.log.Error("gateway closed with a terminal code", "code", code, "error", cerr)
		g.lifecycle.emit(LifecycleEvent{Kind: EventTerminal, Code: code, Err: cerr})
		g.signalReady(cerr)
		return
	}
	if discardsSession(code) {
		g.session.discard()
	}
	if !g.reconnect.Load() {
		g.setStatus(StatusDisconnected)
		g.signalReady(ErrClosed)
		return
	}
	if !g.everReady.Load() {
		g.setStatus(StatusDisconnected)
		g.signalReady(fmt.Errorf("%w: %w", ErrClosedBeforeReady, closeCodeError(code)))
		return
	}
	g.setStatus(StatusReconnecting)
	go g.reconnectLoop()
}

func (g *Gateway) reconnectLoop() {
	for {
		attempt := g.attempts.Add(1)
		delay := g.backoff(attempt)
		g.stats.reconnects.Add(1)
		g.log.Info("reconnecting", "attempt", attempt, "delay", delay)
		g.lifecycle.emit(LifecycleEvent{Kind: EventReconnecting, Attempt: attempt, Delay: delay})
		select {
		case <-g.clock.After(delay):
		case <-g.ctx.Done():
			return
		}
		if !g.reconnect.Load() {
			return
		}
		err := g.connect(g.ctx)
		if err == nil {
			return
		}
		g.log.Warn("reconnect failed", "attempt", attempt, "error", err)
	}
}

func (g *Gateway) signalReady(err error) {
	g.readyOnce.Do(func() {
		g.readyCh <- err
	})
}

func (g *Gateway) setStatus(status GatewayStatus) {
	g.statusLock.Lock()
	g.status = status
	g.statusLock.Unlock()
}

func (g *Gateway) Status() GatewayStatus {
	g.statusLock.RLock()
	defer g.statusLock.RUnlock()
	return g.status
}

func (g *Gateway) UserID() string {
	return g.session.UserID()
}

func (g *Gateway) SessionID() string {
	return g.session.ID()
}

func (g *Gateway) Latency() time.Duration {
	return g.heart.Latency()
}

func (g *Gateway) Dispatcher() *Dispatcher {
	return g.dispatcher
}

func (g *Gateway) OnLifecycle(fn LifecycleListener) {
	g.lifecycle.add(fn)
}

// RequestGuildMembers queues member requests; they are sent in batches.
func (g *Gateway) RequestGuildMembers(guildIDs ...string) {
	g.members.enqueue(guildIDs...)
}

func (g *Gateway) UpdateStatus(presence structs.PresenceUpdate) error {
	return g.send(OpcodePresenceUpdate, presence)
}

// UpdateVoiceState joins, moves or, with a nil channelID, leaves voice.
func (g *Gateway) UpdateVoiceState(guildID string, channelID *string, selfMute, selfDeaf bool) error {
	return g.send(OpcodeVoiceStateUpdate, structs.UpdateVoiceState{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  selfMute,
		SelfDeaf:  selfDeaf,
	})
}

func (g *Gateway) send(op GatewayOpcode, d any) error {
	data, err := codec.Encode(op, d)
	if err != nil {
		return err
	}
	return g.sendEvent(data)
}

// sendEvent writes to the current socket. Holding the read lock keeps the
// socket from being swapped mid-write.
func (g *Gateway) sendEvent(data []byte) error {
	g.rwlock.RLock()
	defer g.rwlock.RUnlock()
	if g.sock == nil {
		return ErrNotConnected
	}
	return g.sock.write(data)
}

func (g *Gateway) closeCurrent(code int, reason string) error {
	g.rwlock.RLock()
	s := g.sock
	g.rwlock.RUnlock()
	if s == nil {
		return ErrNotConnected
	}
	return s.close(code, reason)
}
