package walletfeed

import (
	"context"
	"sync"

	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
)

const subscriberBuffer = 16

// Feed fans committed wallet snapshots out to live subscribers.
type Feed interface {
	moneys.WalletObserver
	Subscribe(ctx context.Context, userID moneys.UserID) (*Subscription, error)
}

// Subscription delivers snapshots for one user until Close is called.
type Subscription struct {
	updates   chan moneys.WalletSnapshot
	closeOnce sync.Once
	release   func()
}

func newSubscription(release func()) *Subscription {
	return &Subscription{updates: make(chan moneys.WalletSnapshot, subscriberBuffer), release: release}
}

// Updates returns the snapshot channel. It is closed after Close.
func (subscription *Subscription) Updates() <-chan moneys.WalletSnapshot {
	return subscription.updates
}

// Close detaches the subscription from its feed.
func (subscription *Subscription) Close() {
	subscription.closeOnce.Do(func() {
		if subscription.release != nil {
			subscription.release()
		}
	})
}

// offer delivers snapshot without blocking. A slow subscriber loses its
// oldest pending snapshot; the newest one always wins.
func (subscription *Subscription) offer(snapshot moneys.WalletSnapshot) {
	for {
		select {
		case subscription.updates <- snapshot:
			return
		default:
		}
		select {
		case <-subscription.updates:
		default:
		}
	}
}

// Hub is an in-process Feed.
type Hub struct {
	mutex       sync.Mutex
	subscribers map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[*Subscription]struct{})}
}

// WalletChanged publishes wallet to every subscriber of its owner.
func (hub *Hub) WalletChanged(_ context.Context, wallet moneys.Wallet) {
	hub.publish(wallet.Snapshot())
}

func (hub *Hub) publish(snapshot moneys.WalletSnapshot) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for subscription := range hub.subscribers[snapshot.UserID] {
		subscription.offer(snapshot)
	}
}

// Subscribe registers a subscriber for userID.
func (hub *Hub) Subscribe(_ context.Context, userID moneys.UserID) (*Subscription, error) {
	key := userID.String()
	var subscription *Subscription
	subscription = newSubscription(func() {
		hub.mutex.Lock()
		defer hub.mutex.Unlock()
		delete(hub.subscribers[key], subscription)
		if len(hub.subscribers[key]) == 0 {
			delete(hub.subscribers, key)
		}
		close(subscription.updates)
	})
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.subscribers[key] == nil {
		hub.subscribers[key] = make(map[*Subscription]struct{})
	}
	hub.subscribers[key][subscription] = struct{}{}
	return subscription, nil
}

// Subscribers returns the number of live subscriptions for userID.
func (hub *Hub) Subscribers(userID moneys.UserID) int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return len(hub.subscribers[userID.String()])
}
