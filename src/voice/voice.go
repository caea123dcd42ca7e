package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hendrywilliam/siren-gateway/src/audiosender"
	"github.com/hendrywilliam/siren-gateway/src/codec"
	"github.com/hendrywilliam/siren-gateway/src/heart"
	"github.com/hendrywilliam/siren-gateway/src/structs"
	"github.com/jonboulle/clockwork"
)

type VoiceGatewayStatus = string

const (
	StatusIdle                       VoiceGatewayStatus = "IDLE"
	StatusAwaitingVoiceServer        VoiceGatewayStatus = "AWAITING_VOICE_SERVER_AND_STATE"
	StatusConnecting                 VoiceGatewayStatus = "CONNECTING"
	StatusAwaitingHello              VoiceGatewayStatus = "AWAITING_HELLO"
	StatusIdentifying                VoiceGatewayStatus = "IDENTIFYING"
	StatusResuming                   VoiceGatewayStatus = "RESUMING"
	StatusAwaitingReady              VoiceGatewayStatus = "AWAITING_READY"
	StatusDiscoveringIP              VoiceGatewayStatus = "DISCOVERING_IP"
	StatusSelectingProtocol          VoiceGatewayStatus = "SELECTING_PROTOCOL"
	StatusAwaitingSessionDescription VoiceGatewayStatus = "AWAITING_SESSION_DESCRIPTION"
	StatusSpeaking                   VoiceGatewayStatus = "SPEAKING"
	StatusDisconnected               VoiceGatewayStatus = "DISCONNECTED"
)

var (
	SpeakingModeMicrophone = 1 << 0
	SpeakingModeSoundshare = 1 << 1
	SpeakingModePriority   = 1 << 2
)

type VoiceOpcode = int

const (
	OpcodeIdentify           VoiceOpcode = 0
	OpcodeSelectProtocol     VoiceOpcode = 1
	OpcodeReady              VoiceOpcode = 2
	OpcodeHeartbeat          VoiceOpcode = 3
	OpcodeSessionDescription VoiceOpcode = 4
	OpcodeSpeaking           VoiceOpcode = 5
	OpcodeHeartbeatAck       VoiceOpcode = 6
	OpcodeResume             VoiceOpcode = 7
	OpcodeHello              VoiceOpcode = 8
	OpcodeResumed            VoiceOpcode = 9
	OpcodeClientsConnect     VoiceOpcode = 11
	OpcodeClientConnect      VoiceOpcode = 12
	OpcodeClientDisconnect   VoiceOpcode = 13
)

// voice close event codes
type VoiceCloseCode = int

const (
	UnknownOpcode        VoiceCloseCode = 4001
	FailedToDecode       VoiceCloseCode = 4002
	NotAuthenticated     VoiceCloseCode = 4003
	AuthenticationFailed VoiceCloseCode = 4004
	AlreadyAuthenticated VoiceCloseCode = 4005
	SessionInvalid       VoiceCloseCode = 4006
	SessionTimeout       VoiceCloseCode = 4009
	ServerNotFound       VoiceCloseCode = 4011
	UnknownProtocol      VoiceCloseCode = 4012
	Disconnected         VoiceCloseCode = 4014
	ServerCrashed        VoiceCloseCode = 4015
	UnknownEncryption    VoiceCloseCode = 4016
)

const (
	DefaultVersion             = 8
	DefaultHeartbeatMultiplier = 0.75
	DefaultReadyTimeout        = 10 * time.Second
	DefaultDisconnectGrace     = 5 * time.Second
	DefaultMaxResumeAttempts   = 5
)

var (
	ErrAlreadyOpen       = errors.New("voice connection is already open")
	ErrNotReady          = errors.New("voice connection is not ready")
	ErrVoiceReadyTimeout = errors.New("voice connection did not become ready in time")
	ErrClosed            = errors.New("voice connection closed")
)

// resumable reports whether a close leaves the voice session resumable.
func resumable(code int) bool {
	switch code {
	case websocket.CloseNormalClosure, AuthenticationFailed, SessionInvalid, Disconnected:
		return false
	}
	return true
}

// Target is what a voice connection is opened against. It comes from the
// bot's own VOICE_STATE_UPDATE and the guild's VOICE_SERVER_UPDATE.
type Target struct {
	GuildID   string
	ChannelID *string
	UserID    string
	SessionID string
	Endpoint  string
	Token     string
}

// VoiceStateUpdater sends op 4 over the main gateway.
type VoiceStateUpdater interface {
	UpdateVoiceState(guildID string, channelID *string, selfMute, selfDeaf bool) error
}

type socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closeCode atomic.Int64
	done      chan struct{}
}

func (s *socket) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// close sends a close frame with code and tears the connection down. Only the
// first call has any effect.
func (s *socket) close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.closeCode.Store(int64(code))
		msg := websocket.FormatCloseMessage(code, reason)
		err = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (s *socket) code(err error) int {
	if c := s.closeCode.Load(); c != 0 {
		return int(c)
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

type Voice struct {
	rwlock sync.RWMutex
	sock   *socket

	mu          sync.RWMutex
	status      VoiceGatewayStatus
	target      Target
	ssrc        uint32
	udpConn     *net.UDPConn
	remote      *net.UDPAddr
	mode        string
	secretKeys  [32]byte
	audioSender *audiosender.AudioSender

	heart *heart.Heart

	ctx    context.Context
	cancel context.CancelFunc

	opened     atomic.Bool
	reconnect  atomic.Bool
	identified atomic.Bool
	resuming   atomic.Bool
	migrating  atomic.Bool
	attempts   atomic.Int64

	readyOnce   sync.Once
	readyCh     chan error
	confirmOnce sync.Once
	confirmed   chan struct{}
	doneOnce    sync.Once
	done        chan struct{}

	version             int
	heartbeatMultiplier float64
	modes               []string
	discovery           DiscoveryFormat
	readyTimeout        time.Duration
	disconnectGrace     time.Duration
	maxResumeAttempts   int64
	backoff             func(attempt int64) time.Duration
	selfMute            bool
	selfDeaf            bool

	updater  VoiceStateUpdater
	wsDialer *websocket.Dialer
	clock    clockwork.Clock
	log      *slog.Logger
}

type NewVoiceArguments struct {
	Version int
	// HeartbeatMultiplier scales the HELLO interval. Voice servers have
	// historically expected beats earlier than advertised.
	HeartbeatMultiplier float64
	// Modes is the encryption preference, best first.
	Modes             []string
	Discovery         DiscoveryFormat
	ReadyTimeout      time.Duration
	DisconnectGrace   time.Duration
	MaxResumeAttempts int64
	Backoff           func(attempt int64) time.Duration
	SelfMute          bool
	SelfDeaf          bool

	Updater VoiceStateUpdater
	Dialer  *websocket.Dialer
	Clock   clockwork.Clock
	Log     *slog.Logger
}

func NewVoice(args NewVoiceArguments) *Voice {
	if args.Version == 0 {
		args.Version = DefaultVersion
	}
	if args.HeartbeatMultiplier <= 0 {
		args.HeartbeatMultiplier = DefaultHeartbeatMultiplier
	}
	if args.ReadyTimeout <= 0 {
		args.ReadyTimeout = DefaultReadyTimeout
	}
	if args.DisconnectGrace <= 0 {
		args.DisconnectGrace = DefaultDisconnectGrace
	}
	if args.MaxResumeAttempts <= 0 {
		args.MaxResumeAttempts = DefaultMaxResumeAttempts
	}
	if args.Backoff == nil {
		args.Backoff = func(attempt int64) time.Duration { return time.Duration(attempt) * time.Second }
	}
	if args.Dialer == nil {
		args.Dialer = websocket.DefaultDialer
	}
	if args.Clock == nil {
		args.Clock = clockwork.NewRealClock()
	}
	if args.Log == nil {
		args.Log = slog.Default()
	}

	v := &Voice{
		status:              StatusIdle,
		ctx:                 context.Background(),
		cancel:              func() {},
		readyCh:             make(chan error, 1),
		confirmed:           make(chan struct{}),
		done:                make(chan struct{}),
		version:             args.Version,
		heartbeatMultiplier: args.HeartbeatMultiplier,
		modes:               args.Modes,
		discovery:           args.Discovery,
		readyTimeout:        args.ReadyTimeout,
		disconnectGrace:     args.DisconnectGrace,
		maxResumeAttempts:   args.MaxResumeAttempts,
		backoff:             args.Backoff,
		selfMute:            args.SelfMute,
		selfDeaf:            args.SelfDeaf,
		updater:             args.Updater,
		wsDialer:            args.Dialer,
		clock:               args.Clock,
		log:                 args.Log,
	}
	v.heart = heart.New(heart.Options{
		Mode:   heart.ModeVoice,
		Send:   v.sendEvent,
		Close:  v.closeCurrent,
		Clock:  args.Clock,
		Logger: args.Log,
	})
	return v
}

// Open runs the voice handshake against target and blocks until audio can be
// sent, the ready timeout passes or ctx is done. ctx bounds the connection's
// lifetime.
func (v *Voice) Open(ctx context.Context, target Target) error {
	if !v.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	v.ctx, v.cancel = context.WithCancel(ctx)
	v.log = v.log.With("voice_id", fmt.Sprintf("voice_%s", target.SessionID), "guild_id", target.GuildID)
	v.setTarget(target)
	v.reconnect.Store(true)

	if err := v.dial(v.ctx); err != nil {
		v.teardown()
		return err
	}
	select {
	case err := <-v.readyCh:
		if err != nil {
			v.teardown()
		}
		return err
	case <-v.clock.After(v.readyTimeout):
		v.teardown()
		return ErrVoiceReadyTimeout
	case <-ctx.Done():
		v.teardown()
		return ctx.Err()
	}
}

func voiceURL(endpoint string, version int) (string, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "wss://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(version))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (v *Voice) dial(ctx context.Context) error {
	v.setStatus(StatusConnecting)
	target := v.Target()
	wsURL, err := voiceURL(target.Endpoint, v.version)
	if err != nil {
		return err
	}
	conn, _, err := v.wsDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial voice gateway: %w", err)
	}
	s := &socket{conn: conn, done: make(chan struct{})}
	v.rwlock.Lock()
	v.sock = s
	v.rwlock.Unlock()
	v.setStatus(StatusAwaitingHello)
	go v.listen(s)
	return nil
}

func (v *Voice) listen(s *socket) {
	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			v.onClose(s, err)
			return
		}
		e, err := codec.ReadFrame(messageType == websocket.BinaryMessage, message)
		if err != nil {
			v.log.Warn("dropping frame", "error", err)
			continue
		}
		if err := v.acceptEvent(s, e); err != nil {
			v.log.Error("failed to handle voice event", "op_code", e.Op, "error", err)
		}
	}
}

func (v *Voice) acceptEvent(s *socket, e *structs.RawEvent) error {
	v.heart.HandleFrame(e)
	switch e.Op {
	case OpcodeHello:
		hello := structs.VoiceHello{}
		err := json.Unmarshal(e.D, &hello)
		if err == nil {
			interval := time.Duration(hello.HeartbeatInterval * v.heartbeatMultiplier * float64(time.Millisecond))
			err = v.heart.Start(interval)
		}
		if err != nil {
			v.closeSocket(s, FailedToDecode, "malformed hello")
			return fmt.Errorf("malformed hello: %w", err)
		}
		if v.resuming.Load() {
			return v.sendResume(s)
		}
		return v.sendIdentify(s)
	case OpcodeReady:
		ready := structs.VoiceReady{}
		if err := json.Unmarshal(e.D, &ready); err != nil {
			return err
		}
		v.identified.Store(true)
		v.mu.Lock()
		v.ssrc = ready.SSRC
		v.mu.Unlock()
		go v.establish(s, ready)
		return nil
	case OpcodeSessionDescription:
		return v.onSessionDescription(s, e)
	case OpcodeResumed:
		v.resuming.Store(false)
		v.attempts.Store(0)
		v.setStatus(StatusSpeaking)
		v.log.Info("voice session resumed")
		v.signalReady(nil)
		return nil
	case OpcodeHeartbeatAck:
		v.log.Debug("event", "heartbeat_acknowledge", e)
		return nil
	case OpcodeClientsConnect, OpcodeClientConnect, OpcodeClientDisconnect, OpcodeSpeaking:
		v.log.Debug("event", "peer_event", e)
		return nil
	default:
		v.log.Debug("unhandled voice opcode", "event", e)
		return nil
	}
}

func (v *Voice) sendIdentify(s *socket) error {
	v.setStatus(StatusIdentifying)
	target := v.Target()
	data, err := codec.Encode(OpcodeIdentify, structs.VoiceIdentify{
		ServerID:  target.GuildID,
		UserID:    target.UserID,
		SessionID: target.SessionID,
		Token:     target.Token,
	})
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		return err
	}
	v.setStatus(StatusAwaitingReady)
	v.log.Info("identify event sent.")
	return nil
}

func (v *Voice) sendResume(s *socket) error {
	v.setStatus(StatusResuming)
	target := v.Target()
	seq, _ := v.heart.Sequence()
	data, err := codec.Encode(OpcodeResume, structs.VoiceResume{
		ServerID:  target.GuildID,
		SessionID: target.SessionID,
		Token:     target.Token,
		SeqAck:    seq,
	})
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		return err
	}
	v.log.Info("resume event sent.", "seq_ack", seq)
	return nil
}

// establish opens the UDP path announced in READY and selects a protocol.
func (v *Voice) establish(s *socket, ready structs.VoiceReady) {
	if err := v.selectProtocol(s, ready); err != nil {
		v.log.Error("failed to establish voice transport", "error", err)
		v.closeSocket(s, websocket.CloseNormalClosure, "transport failed")
	}
}

func (v *Voice) selectProtocol(s *socket, ready structs.VoiceReady) error {
	mode, err := audiosender.NegotiateMode(v.modes, ready.Modes)
	if err != nil {
		return err
	}
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ready.IP, strconv.Itoa(int(ready.Port))))
	if err != nil {
		return err
	}
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}

	v.setStatus(StatusDiscoveringIP)
	ctx, cancel := context.WithTimeout(v.ctx, DefaultDiscoveryTimeout)
	defer cancel()
	ip, port, err := DiscoverIP(ctx, udpConn, remote, ready.SSRC, v.discovery)
	if err != nil {
		udpConn.Close()
		return err
	}
	v.log.Info("ip discovered", "address", ip, "port", port, "mode", mode)

	v.mu.Lock()
	if v.udpConn != nil {
		v.udpConn.Close()
	}
	v.udpConn, v.remote, v.mode = udpConn, remote, mode
	v.mu.Unlock()

	v.setStatus(StatusSelectingProtocol)
	data, err := codec.Encode(OpcodeSelectProtocol, structs.SelectProtocol{
		Protocol: "udp",
		Data: structs.SelectProtocolData{
			Address: ip,
			Port:    port,
			Mode:    mode,
		},
	})
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		return err
	}
	v.setStatus(StatusAwaitingSessionDescription)
	v.log.Info("select protocol event sent.")
	return nil
}

func (v *Voice) onSessionDescription(s *socket, e *structs.RawEvent) error {
	sessionDescriptionEvent := structs.SessionDescription{}
	if err := json.Unmarshal(e.D, &sessionDescriptionEvent); err != nil {
		return err
	}
	sealer, err := audiosender.NewSealer(sessionDescriptionEvent.Mode)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.secretKeys = sessionDescriptionEvent.SecretKey
	v.mode = sessionDescriptionEvent.Mode
	v.audioSender = audiosender.NewAudioSender(audiosender.AudioSenderArguments{
		Conn:   v.udpConn,
		Addr:   v.remote,
		Sealer: sealer,
		Key:    v.secretKeys,
		SSRC:   v.ssrc,
		Clock:  v.clock,
		Logger: v.log,
	})
	v.mu.Unlock()

	// We need to send speaking event first.
	// Then we can start sending encrypted audio data.
	if err := v.sendSpeaking(s, SpeakingModeMicrophone); err != nil {
		return err
	}
	v.setStatus(StatusSpeaking)
	v.log.Info("voice connection ready", "mode", sessionDescriptionEvent.Mode)
	v.signalReady(nil)
	return nil
}

func (v *Voice) sendSpeaking(s *socket, mode int) error {
	v.mu.RLock()
	ssrc := v.ssrc
	v.mu.RUnlock()
	data, err := codec.Encode(OpcodeSpeaking, structs.Speaking{
		Speaking: mode,
		Delay:    0,
		SSRC:     ssrc,
	})
	if err != nil {
		return err
	}
	return s.write(data)
}

// Play streams frames at 20ms cadence, flagging the bot as speaking for the
// duration.
func (v *Voice) Play(ctx context.Context, frames <-chan []byte) error {
	v.mu.RLock()
	sender := v.audioSender
	v.mu.RUnlock()
	v.rwlock.RLock()
	s := v.sock
	v.rwlock.RUnlock()
	if sender == nil || s == nil {
		return ErrNotReady
	}
	if err := v.sendSpeaking(s, SpeakingModeMicrophone); err != nil {
		return err
	}
	defer func() {
		if err := v.sendSpeaking(s, 0); err != nil {
			v.log.Debug("failed to clear speaking", "error", err)
		}
	}()
	return sender.Send(ctx, frames)
}

func (v *Voice) onClose(s *socket, err error) {
	v.rwlock.Lock()
	if v.sock != s {
		v.rwlock.Unlock()
		return
	}
	v.sock = nil
	v.rwlock.Unlock()
	close(s.done)
	s.conn.Close()
	v.heart.Squash()

	code := s.code(err)
	v.log.Info("voice connection closed", "code", code)

	if v.migrating.CompareAndSwap(true, false) {
		v.resuming.Store(false)
		v.identified.Store(false)
		if err := v.dial(v.ctx); err != nil {
			v.log.Error("failed to migrate voice connection", "error", err)
			v.setStatus(StatusDisconnected)
			v.teardown()
		}
		return
	}
	if !v.reconnect.Load() {
		v.setStatus(StatusDisconnected)
		v.signalReady(ErrClosed)
		return
	}
	if !resumable(code) || !v.identified.Load() {
		v.setStatus(StatusDisconnected)
		v.signalReady(fmt.Errorf("%w: close code %d", ErrClosed, code))
		v.teardown()
		return
	}
	go v.resumeLoop()
}

func (v *Voice) resumeLoop() {
	for {
		attempt := v.attempts.Add(1)
		if attempt > v.maxResumeAttempts {
			v.log.Error("giving up on voice resume", "attempts", attempt-1)
			v.setStatus(StatusDisconnected)
			v.signalReady(ErrClosed)
			v.teardown()
			return
		}
		delay := v.backoff(attempt)
		v.log.Info("resuming voice connection", "attempt", attempt, "delay", delay)
		select {
		case <-v.clock.After(delay):
		case <-v.ctx.Done():
			return
		}
		if !v.reconnect.Load() {
			return
		}
		v.resuming.Store(true)
		err := v.dial(v.ctx)
		if err == nil {
			return
		}
		v.log.Warn("voice redial failed", "attempt", attempt, "error", err)
	}
}

// Migrate moves the connection to a new voice server. The old socket is
// closed and a fresh handshake runs against endpoint.
func (v *Voice) Migrate(endpoint, token string) {
	v.mu.Lock()
	v.target.Endpoint = endpoint
	v.target.Token = token
	v.mu.Unlock()
	v.log.Info("voice server changed, migrating", "endpoint", endpoint)

	v.rwlock.RLock()
	s := v.sock
	v.rwlock.RUnlock()
	if s == nil {
		if err := v.dial(v.ctx); err != nil {
			v.log.Error("failed to migrate voice connection", "error", err)
		}
		return
	}
	v.migrating.Store(true)
	v.closeSocket(s, websocket.CloseNormalClosure, "migrating")
}

// Disconnect leaves the channel and closes the connection. The heartbeat is
// stopped once ConfirmDisconnect is called or the grace period passes.
func (v *Voice) Disconnect() error {
	v.reconnect.Store(false)
	target := v.Target()
	var err error
	if v.updater != nil {
		err = v.updater.UpdateVoiceState(target.GuildID, nil, v.selfMute, v.selfDeaf)
	}
	v.teardown()
	go func() {
		select {
		case <-v.clock.After(v.disconnectGrace):
		case <-v.confirmed:
		}
		v.heart.Squash()
	}()
	return err
}

// ConfirmDisconnect reports that the gateway saw the bot leave the channel.
func (v *Voice) ConfirmDisconnect() {
	v.confirmOnce.Do(func() { close(v.confirmed) })
}

func (v *Voice) teardown() {
	v.reconnect.Store(false)
	v.rwlock.RLock()
	s := v.sock
	v.rwlock.RUnlock()
	if s != nil {
		v.closeSocket(s, websocket.CloseNormalClosure, "disconnect")
	}
	v.mu.Lock()
	if v.udpConn != nil {
		v.udpConn.Close()
		v.udpConn = nil
	}
	v.audioSender = nil
	v.mu.Unlock()
	v.cancel()
	v.doneOnce.Do(func() { close(v.done) })
}

// Done is closed once the connection is down for good. A Voice is never
// reopened.
func (v *Voice) Done() <-chan struct{} {
	return v.done
}

func (v *Voice) signalReady(err error) {
	v.readyOnce.Do(func() {
		v.readyCh <- err
	})
}

func (v *Voice) setStatus(status VoiceGatewayStatus) {
	v.mu.Lock()
	v.status = status
	v.mu.Unlock()
}

func (v *Voice) Status() VoiceGatewayStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.status
}

func (v *Voice) setTarget(target Target) {
	v.mu.Lock()
	v.target = target
	v.mu.Unlock()
}

func (v *Voice) Target() Target {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.target
}

func (v *Voice) SSRC() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ssrc
}

func (v *Voice) Mode() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mode
}

func (v *Voice) Latency() time.Duration {
	return v.heart.Latency()
}

func (v *Voice) sendEvent(data []byte) error {
	v.rwlock.RLock()
	defer v.rwlock.RUnlock()
	if v.sock == nil {
		return ErrNotReady
	}
	return v.sock.write(data)
}

func (v *Voice) closeCurrent(code int, reason string) error {
	v.rwlock.RLock()
	s := v.sock
	v.rwlock.RUnlock()
	if s == nil {
		return ErrNotReady
	}
	return s.close(code, reason)
}

func (v *Voice) closeSocket(s *socket, code int, reason string) {
	if err := s.close(code, reason); err != nil {
		v.log.Debug("close frame not delivered", "error", err)
	}
}
