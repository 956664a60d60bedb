// Package gateway implements the inbound message path: a narrow client
// interface over an external messaging service, ID-based deduplication with
// a time-to-live, self-echo filtering, and a fallback local delivery path
// when the primary send is exhausted.
//
// Backoff-on-disconnect reuses the jittered exponential helper from
// internal/broker (generalized there from "respawn after crash" to, here,
// "reconnect after drop" — both are "wait out an external failure and
// retry"). Dedup sharding is grounded on the teacher's indirect xxhash
// dependency, exercised here for the first time.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/agent-relay/relay/internal/broker"
	"github.com/agent-relay/relay/internal/delivery"
)

// DefaultDedupeTTL is how long a seen message identifier is remembered.
const DefaultDedupeTTL = 15 * time.Minute

// DefaultPollInterval is the low-frequency recovery poll cadence.
const DefaultPollInterval = 2 * time.Minute

// shardCount is the number of dedupe-cache shards.
const shardCount = 16

// RelaycastClient is the narrow adapter the gateway sends through.
type RelaycastClient interface {
	SendMessage(ctx context.Context, target, text string, data map[string]any) (eventID string, err error)
}

// DeliveryClient adapts a *delivery.Engine to RelaycastClient: sendMessage
// broadcasts through the engine and returns delivery.UnsupportedTarget when
// the target resolves to no workers, matching the adapter contract from
// spec §6.
type DeliveryClient struct {
	Engine *delivery.Engine
}

// SendMessage implements RelaycastClient. It blocks until the delivery
// engine has either verified the message against at least one target or
// exhausted every target's retries, so Handle's fallback decision reflects
// the actual outcome rather than just whether a target was found.
func (d DeliveryClient) SendMessage(ctx context.Context, target, text string, data map[string]any) (string, error) {
	groupID, perWorker, err := d.Engine.SendAndWait(ctx, delivery.Message{Target: target, Body: text, Data: data})
	if err != nil || len(perWorker) == 0 {
		return delivery.UnsupportedTarget, err
	}
	return groupID, nil
}

// CompanionClient is the fallback path: a localhost JSON-RPC call to the
// companion process.
type CompanionClient interface {
	SessionsSend(ctx context.Context, target, text string) error
}

// InboundMessage mirrors the external service's message.created payload.
type InboundMessage struct {
	ID        string
	Channel   string
	Sender    string
	Text      string
	Timestamp time.Time
}

// Config configures a Gateway.
type Config struct {
	LocalName   string // filtered out as self-echo
	ViewerAlias string
	DedupeTTL   time.Duration
	PollEvery   time.Duration
}

type dedupeShard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// Gateway consumes InboundMessage notifications and relays them through the
// delivery engine, falling back to a companion process on exhaustion.
type Gateway struct {
	cfg      Config
	client   RelaycastClient
	fallback CompanionClient

	shards [shardCount]*dedupeShard
}

// New creates a Gateway. fallback may be nil to disable the fallback path.
func New(cfg Config, client RelaycastClient, fallback CompanionClient) *Gateway {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = DefaultPollInterval
	}
	g := &Gateway{cfg: cfg, client: client, fallback: fallback}
	for i := range g.shards {
		g.shards[i] = &dedupeShard{seen: make(map[string]time.Time)}
	}
	return g
}

func (g *Gateway) shardFor(id string) *dedupeShard {
	return g.shards[xxhash.Sum64String(id)%shardCount]
}

// seenBefore reports whether id was already accepted within the TTL window,
// recording it as seen either way.
func (g *Gateway) seenBefore(id string) bool {
	s := g.shardFor(id)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expires, ok := s.seen[id]; ok && now.Before(expires) {
		return true
	}
	s.seen[id] = now.Add(g.cfg.DedupeTTL)
	return false
}

// isSelfEcho reports whether sender is this claw's own identity.
func (g *Gateway) isSelfEcho(sender string) bool {
	return sender != "" && (sender == g.cfg.LocalName || sender == g.cfg.ViewerAlias)
}

// Handle processes one inbound notification: it filters self-echo and
// duplicates, formats the relaycast line, and submits it via the Delivery
// Engine's broadcast target, falling back to the companion client once the
// primary path is exhausted.
func (g *Gateway) Handle(ctx context.Context, msg InboundMessage) error {
	if g.isSelfEcho(msg.Sender) {
		return nil
	}
	if g.seenBefore(msg.ID) {
		return nil
	}

	text := fmt.Sprintf("[relaycast:%s] @%s: %s", msg.Channel, msg.Sender, msg.Text)

	eventID, err := g.client.SendMessage(ctx, delivery.BroadcastTarget, text, nil)
	if err == nil && eventID != delivery.UnsupportedTarget {
		return nil
	}

	if g.fallback == nil {
		return fmt.Errorf("gateway: primary delivery exhausted and no fallback configured: %w", err)
	}
	return g.fallback.SessionsSend(ctx, msg.Channel, text)
}

// PollRecover is a low-frequency recovery loop: it calls fetchSince
// periodically to recover any notification missed by the live subscription,
// feeding each result through Handle. It runs until ctx is cancelled.
func (g *Gateway) PollRecover(ctx context.Context, fetchSince func(ctx context.Context, since time.Time) ([]InboundMessage, error)) {
	ticker := time.NewTicker(g.cfg.PollEvery)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := fetchSince(ctx, last)
			if err != nil {
				continue
			}
			last = time.Now()
			for _, m := range msgs {
				_ = g.Handle(ctx, m)
			}
		}
	}
}

// ConnectWithBackoff repeatedly calls connect until it succeeds or ctx is
// cancelled, backing off with the same jittered-exponential policy the
// broker uses for worker restarts, capped at 30s.
func ConnectWithBackoff(ctx context.Context, connect func(ctx context.Context) error) error {
	policy := broker.RestartPolicy{
		Mode:         broker.RestartAlways,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}

	attempt := 0
	for {
		attempt++
		err := connect(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}
}
