package structs

import (
	"encoding/json"
	"log/slog"
)

type EventName = string
type EventOpcode = int

const (
	EventNameReady             EventName = "READY"
	EventNameResumed           EventName = "RESUMED"
	EventNameGuildCreate       EventName = "GUILD_CREATE"
	EventNameGuildMembersChunk EventName = "GUILD_MEMBERS_CHUNK"
	EventNameVoiceServerUpdate EventName = "VOICE_SERVER_UPDATE"
	EventNameVoiceStateUpdate  EventName = "VOICE_STATE_UPDATE"
)

// RawEvent is an inbound envelope. D stays raw until a handler asks for it.
type RawEvent struct {
	Op EventOpcode     `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *uint64         `json:"s,omitempty"`
	T  EventName       `json:"t,omitempty"`

	// Seq is the voice gateway's sequence (v8+).
	Seq *uint64 `json:"seq,omitempty"`
}

func (re *RawEvent) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("op_code", re.Op),
		slog.String("event_name", re.T),
		slog.Int("data_size", len(re.D)),
	}
	if re.S != nil {
		attrs = append(attrs, slog.Uint64("sequence", *re.S))
	}
	return slog.GroupValue(attrs...)
}

// Event is an outbound envelope. D is always present on the wire, null included.
type Event struct {
	Op EventOpcode `json:"op"`
	D  interface{} `json:"d"`
}

func (e *Event) LogValue() slog.Value {
	return slog.GroupValue(slog.Int("op_code", e.Op))
}

type HelloEvent struct {
	HeartbeatInterval uint `json:"heartbeat_interval"`
}

type ReadyEventGuild struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

type ReadyEvent struct {
	V                int               `json:"v"`
	User             User              `json:"user"`
	Guilds           []ReadyEventGuild `json:"guilds"`
	SessionID        string            `json:"session_id"`
	ResumeGatewayURL string            `json:"resume_gateway_url"`
	Shard            []int             `json:"shard,omitempty"`
}

type IdentifyEventProperties struct {
	Os      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type IdentifyEvent struct {
	Token          string                  `json:"token"`
	Properties     IdentifyEventProperties `json:"properties"`
	Intents        int                     `json:"intents"`
	Compress       bool                    `json:"compress"`
	LargeThreshold int                     `json:"large_threshold"`
	Shard          *[2]int                 `json:"shard,omitempty"`
	Presence       *PresenceUpdate         `json:"presence,omitempty"`
}

type ResumeEvent struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

type PresenceUpdate struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

// UpdateVoiceState is the op 4 payload. A nil ChannelID leaves the channel.
type UpdateVoiceState struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

type RequestGuildMembers struct {
	GuildID   []string `json:"guild_id"`
	Query     string   `json:"query"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

type GuildCreate struct {
	ID          string   `json:"id"`
	Unavailable bool     `json:"unavailable"`
	Large       bool     `json:"large"`
	MemberCount int      `json:"member_count"`
	Members     []Member `json:"members"`
}

type GuildMembersChunk struct {
	GuildID    string   `json:"guild_id"`
	Members    []Member `json:"members"`
	ChunkIndex int      `json:"chunk_index"`
	ChunkCount int      `json:"chunk_count"`
	Nonce      string   `json:"nonce,omitempty"`
}

type VoiceServerUpdate struct {
	Token    string  `json:"token"`
	GuildID  string  `json:"guild_id"`
	Endpoint *string `json:"endpoint"`
}
