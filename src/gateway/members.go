package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hendrywilliam/siren-gateway/src/structs"
	"golang.org/x/time/rate"
)

const (
	// MaxMemberRequestGuilds is how many guilds one op 8 frame may carry.
	MaxMemberRequestGuilds       = 50
	DefaultMemberRequestInterval = time.Second
)

// memberRequester drains queued guild ids into batched REQUEST_GUILD_MEMBERS
// frames, one batch per interval.
type memberRequester struct {
	queue   chan string
	limiter *rate.Limiter
	send    func(structs.RequestGuildMembers) error
	log     *slog.Logger
}

func newMemberRequester(interval time.Duration, send func(structs.RequestGuildMembers) error, log *slog.Logger) *memberRequester {
	if interval <= 0 {
		interval = DefaultMemberRequestInterval
	}
	return &memberRequester{
		queue:   make(chan string, 4096),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		send:    send,
		log:     log,
	}
}

func (m *memberRequester) enqueue(guildIDs ...string) {
	for _, id := range guildIDs {
		select {
		case m.queue <- id:
		default:
			m.log.Warn("member request queue is full, dropping guild", "guild_id", id)
		}
	}
}

func (m *memberRequester) run(ctx context.Context) {
	for {
		var first string
		select {
		case <-ctx.Done():
			return
		case first = <-m.queue:
		}
		batch := m.collect(first)
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		req := structs.RequestGuildMembers{
			GuildID: batch,
			Query:   "",
			Limit:   0,
			Nonce:   newNonce(),
		}
		if err := m.send(req); err != nil {
			m.log.Error("failed to request guild members", "guilds", len(batch), "error", err)
			continue
		}
		m.log.Debug("guild members requested", "guilds", len(batch), "nonce", req.Nonce)
	}
}

// collect takes whatever is already queued, up to the batch limit.
func (m *memberRequester) collect(first string) []string {
	batch := []string{first}
	for len(batch) < MaxMemberRequestGuilds {
		select {
		case id := <-m.queue:
			batch = append(batch, id)
		default:
			return batch
		}
	}
	return batch
}

// newNonce fits the 32 character nonce limit.
func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
