package structs

import (
	"time"
)

// voice state
type VoiceState struct {
	GuildID                 string     `json:"guild_id"`
	ChannelID               string     `json:"channel_id"`
	UserID                  string     `json:"user_id"`
	Member                  *Member    `json:"member,omitempty"`
	SessionID               string     `json:"session_id"`
	Deaf                    bool       `json:"deaf"`
	Mute                    bool       `json:"mute"`
	SelfDeaf                bool       `json:"self_deaf"`
	SelfMute                bool       `json:"self_mute"`
	SelfStream              bool       `json:"self_stream"`
	SelfVideo               bool       `json:"self_video"`
	Suppress                bool       `json:"suppress"`
	RequestToSpeakTimestamp *time.Time `json:"request_to_speak_timestamp"`
}

// identify payload
type VoiceIdentify struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type VoiceResume struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	SeqAck    uint64 `json:"seq_ack"`
}

type VoiceHello struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// HeartbeatInterval in READY is stale; the one from HELLO is used.
type VoiceReady struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type SelectProtocol struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

type SessionDescription struct {
	AudioCodec     string   `json:"audio_codec,omitempty"`
	MediaSessionID string   `json:"media_session_id,omitempty"`
	Mode           string   `json:"mode"`
	SecretKey      [32]byte `json:"secret_key"`
}

type VoiceHeartbeat struct {
	T      int64  `json:"t"`
	SeqAck uint64 `json:"seq_ack"` // needed in v8 or greater.
}

type VoiceClientsConnect struct {
	UserIDs []string `json:"user_ids"`
}

type VoiceClientDisconnect struct {
	UserID string `json:"user_id"`
}

type Speaking struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}
