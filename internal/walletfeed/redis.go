package walletfeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "moneys:wallet:"

// RedisFeed fans snapshots out through Redis pub/sub so every server
// instance sees wallet changes committed by its peers.
type RedisFeed struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisClient parses url and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisFeed wraps an existing client.
func NewRedisFeed(client *redis.Client, logger *zap.Logger) (*RedisFeed, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{client: client, logger: logger}, nil
}

func channelName(userID string) string {
	return channelPrefix + userID
}

// WalletChanged publishes the snapshot on the owner's channel. Publish
// failures are logged; the mutation has already committed.
func (feed *RedisFeed) WalletChanged(ctx context.Context, wallet moneys.Wallet) {
	snapshot := wallet.Snapshot()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		feed.logger.Error("encode wallet snapshot", zap.String("user_id", snapshot.UserID), zap.Error(err))
		return
	}
	if err := feed.client.Publish(context.WithoutCancel(ctx), channelName(snapshot.UserID), payload).Err(); err != nil {
		feed.logger.Warn("publish wallet snapshot", zap.String("user_id", snapshot.UserID), zap.Error(err))
	}
}

// Subscribe opens a pub/sub subscription for userID. It returns once Redis
// has confirmed the subscription.
func (feed *RedisFeed) Subscribe(ctx context.Context, userID moneys.UserID) (*Subscription, error) {
	pubsub := feed.client.Subscribe(ctx, channelName(userID.String()))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe wallet feed: %w", err)
	}
	done := make(chan struct{})
	var subscription *Subscription
	subscription = newSubscription(func() {
		pubsub.Close()
		<-done
		close(subscription.updates)
	})
	messages := pubsub.Channel()
	go func() {
		defer close(done)
		for message := range messages {
			var snapshot moneys.WalletSnapshot
			if err := json.Unmarshal([]byte(message.Payload), &snapshot); err != nil {
				feed.logger.Warn("decode wallet snapshot", zap.String("channel", message.Channel), zap.Error(err))
				continue
			}
			subscription.offer(snapshot)
		}
	}()
	return subscription, nil
}
