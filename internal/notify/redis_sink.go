package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channels the chat-platform bot process subscribes to.
const (
	dmChannel       = "notify:dm"
	announceChannel = "notify:announce"
)

// RedisSink publishes delivery payloads over Redis pub-sub. The bot
// process holding the Discord session renders and sends them; this
// service never talks to the platform directly.
type RedisSink struct {
	rdb    *redis.Client
	logger *zap.SugaredLogger
}

func NewRedisSink(rdb *redis.Client, logger *zap.SugaredLogger) *RedisSink {
	return &RedisSink{rdb: rdb, logger: logger}
}

type dmMessage struct {
	UserID  int64   `json:"user_id"`
	Payload Payload `json:"payload"`
}

type announceMessage struct {
	GuildID   int64   `json:"guild_id"`
	ChannelID int64   `json:"channel_id"`
	Payload   Payload `json:"payload"`
}

func (s *RedisSink) publish(ctx context.Context, channel string, msg interface{}) SendResult {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("Sink payload marshal failed", "channel", channel, "error", err)
		return SendPermanent
	}
	if err := s.rdb.Publish(ctx, channel, data).Err(); err != nil {
		s.logger.Warnw("Sink publish failed", "channel", channel, "error", err)
		return SendTransient
	}
	return SendOK
}

func (s *RedisSink) SendDM(ctx context.Context, userID int64, p Payload) SendResult {
	return s.publish(ctx, dmChannel, dmMessage{UserID: userID, Payload: p})
}

func (s *RedisSink) SendAnnouncement(ctx context.Context, guildID, channelID int64, p Payload) SendResult {
	return s.publish(ctx, announceChannel, announceMessage{GuildID: guildID, ChannelID: channelID, Payload: p})
}
