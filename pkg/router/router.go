package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/events"
	"github.com/cuemby/agentmesh/pkg/log"
	"github.com/cuemby/agentmesh/pkg/metrics"
	"github.com/cuemby/agentmesh/pkg/security"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/rs/zerolog"
)

// AgentLookup is the subset of Registry the router needs: resolving an
// agent's preferred tier and current load, and selecting candidates for
// work-queue delivery. Accepting this narrow interface keeps the router
// decoupled from the registry package's concrete type.
type AgentLookup interface {
	Lookup(name string) (*types.AgentRecord, error)
	Query(predicate func(*types.AgentRecord) bool) []*types.AgentRecord
	IncrementInflight(name string, delta int)
}

const (
	tierSendTimeout = 500 * time.Millisecond
	tierPollTimeout = 30 * time.Millisecond
)

// Config controls queue sizing and retry behavior.
type Config struct {
	QueueCapacity int
	MaxRetries    int
}

// DefaultConfig returns the router's default tuning.
func DefaultConfig() Config {
	return Config{QueueCapacity: 256, MaxRetries: 3}
}

// Router admits, encodes, and delivers messages between agents across the
// layered transport tiers, retrying with backoff and circuit-breaking a
// target once every tier has failed it repeatedly.
type Router struct {
	mu     sync.RWMutex
	queues map[string]*Queue

	tiers [5]Tier

	lookup  AgentLookup
	audit   *events.Audit
	broker  *events.Broker
	breaker *CircuitBreaker

	integrityKey []byte
	cfg          Config
	logger       zerolog.Logger

	waitersMu sync.Mutex
	waiters   map[string]chan *types.Message

	workQueueTurn uint64 // atomic round-robin cursor for leastLoaded tie-breaks

	stopCh chan struct{}
}

// New builds a Router. tiers must be indexed by types.Tier (shared
// memory, async I/O, stream socket, mmap file, flat file in that order);
// a nil entry disables that tier entirely. integrityKey may be nil to
// disable wire-level HMAC tagging.
func New(lookup AgentLookup, audit *events.Audit, broker *events.Broker, tiers [5]Tier, integrityKey []byte, cfg Config) *Router {
	return &Router{
		queues:       make(map[string]*Queue),
		tiers:        tiers,
		lookup:       lookup,
		audit:        audit,
		broker:       broker,
		breaker:      NewCircuitBreaker(),
		integrityKey: integrityKey,
		cfg:          cfg,
		logger:       log.WithComponent("router"),
		waiters:      make(map[string]chan *types.Message),
		stopCh:       make(chan struct{}),
	}
}

// Stop halts every target's dispatch goroutine.
func (r *Router) Stop() {
	close(r.stopCh)
}

// Send admits and routes msg according to its pattern. For a
// request-response message with RequiresAck set, Send blocks until a
// correlated reply arrives or ctx is cancelled, and returns that reply.
// Every other pattern returns (nil, nil) once the message is admitted
// for delivery.
func (r *Router) Send(ctx context.Context, session *types.Session, msg *types.Message) (*types.Message, error) {
	if err := r.admit(session, msg); err != nil {
		metrics.MessagesRoutedTotal.WithLabelValues(msg.Pattern.String(), "rejected").Inc()
		return nil, err
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	msg.State = types.DeliveryAccepted

	switch msg.Pattern {
	case types.PatternRequestResponse:
		return r.sendRequestResponse(ctx, msg)
	case types.PatternPublish:
		return nil, r.sendPublish(msg)
	case types.PatternWorkQueue:
		return nil, r.sendWorkQueue(msg)
	case types.PatternBroadcast:
		return nil, r.sendBroadcast(msg)
	case types.PatternMulticast:
		return nil, r.sendMulticast(msg)
	default:
		return nil, fmt.Errorf("pattern %v: %w", msg.Pattern, coreerr.ErrUnknownPattern)
	}
}

func (r *Router) admit(session *types.Session, msg *types.Message) error {
	requiredPerm := types.PermSend
	if msg.Pattern == types.PatternBroadcast {
		requiredPerm = types.PermBroadcast
	}
	if session != nil && !session.Permits(requiredPerm) {
		return fmt.Errorf("session %q lacks permission to send: %w", session.AgentName, coreerr.ErrUnauthorized)
	}
	if msg.HasDeadline() && time.Now().After(msg.Deadline) {
		return fmt.Errorf("message deadline already passed: %w", coreerr.ErrDeadlineInPast)
	}
	if len(msg.IntegrityTag) > 0 && r.integrityKey != nil {
		if err := security.VerifyMessageTag(r.integrityKey, msg.Payload, msg.IntegrityTag); err != nil {
			metrics.HMACFailuresTotal.Inc()
			return fmt.Errorf("message integrity check failed: %w", err)
		}
	}
	return nil
}

func (r *Router) sendRequestResponse(ctx context.Context, msg *types.Message) (*types.Message, error) {
	if msg.CorrelationID != "" {
		if r.fulfillWaiter(msg) {
			metrics.MessagesRoutedTotal.WithLabelValues(msg.Pattern.String(), "delivered").Inc()
			return nil, nil
		}
	}
	if len(msg.TargetNames) == 0 {
		return nil, fmt.Errorf("request-response message has no target: %w", coreerr.ErrNoTarget)
	}
	target := msg.TargetNames[0]

	var waitCh chan *types.Message
	if msg.RequiresAck {
		waitCh = r.registerWaiter(msg.ID)
		defer r.unregisterWaiter(msg.ID)
	}

	if err := r.enqueue(target, msg); err != nil {
		metrics.MessagesRoutedTotal.WithLabelValues(msg.Pattern.String(), "rejected").Inc()
		return nil, err
	}
	metrics.MessagesRoutedTotal.WithLabelValues(msg.Pattern.String(), "enqueued").Inc()

	if waitCh == nil {
		return nil, nil
	}
	select {
	case reply := <-waitCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) sendPublish(msg *types.Message) error {
	if len(msg.TargetNames) == 0 {
		return fmt.Errorf("publish message has no topic: %w", coreerr.ErrNoTarget)
	}
	topic := msg.TargetNames[0]
	delivered := r.broker.Publish(topic, msg)
	outcome := "delivered"
	if delivered == 0 {
		outcome = "no_subscribers"
	}
	metrics.MessagesRoutedTotal.WithLabelValues(msg.Pattern.String(), outcome).Inc()
	return nil
}

func (r *Router) sendWorkQueue(msg *types.Message) error {
	var candidates []*types.AgentRecord
	if len(msg.TargetNames) > 0 {
		names := make(map[string]struct{}, len(msg.TargetNames))
		for _, n := range msg.TargetNames {
			names[n] = struct{}{}
		}
		candidates = r.lookup.Query(func(a *types.AgentRecord) bool {
			_, ok := names[a.Name]
			return ok && (a.Status == types.StatusIdle || a.Status == types.StatusRunning)
		})
	} else {
		candidates = r.lookup.Query(func(a *types.AgentRecord) bool {
			return a.HasCapability(msg.ContentType) && (a.Status == types.StatusIdle || a.Status == types.StatusRunning)
		})
	}
	if len(candidates) == 0 {
		metrics.MessagesRoutedTotal.WithLabelValues(msg.Pattern.String(), "rejected").Inc()
		return fmt.Errorf("no capable agent for work-queue message: %w", coreerr.ErrNoCapableAgent)
	}

	chosen := r.leastLoaded(candidates)
	if err := r.enqueue(chosen.Name, msg); err != nil {
		metrics.MessagesRoutedTotal.WithLabelValues(msg.Pattern.String(), "rejected").Inc()
		return err
	}
	r.lookup.IncrementInflight(chosen.Name, 1)
	metrics.MessagesRoutedTotal.WithLabelValues(msg.Pattern.String(), "enqueued").Inc()
	return nil
}

// leastLoaded picks the candidate with the fewest inflight tasks,
// breaking ties by rotating through the tied set on a per-router
// counter so repeated calls for the same tie set spread load round-robin
// instead of always favoring one agent.
func (r *Router) leastLoaded(candidates []*types.AgentRecord) *types.AgentRecord {
	lowest := candidates[0].InflightTasks
	for _, c := range candidates[1:] {
		if c.InflightTasks < lowest {
			lowest = c.InflightTasks
		}
	}

	var tied []*types.AgentRecord
	for _, c := range candidates {
		if c.InflightTasks == lowest {
			tied = append(tied, c)
		}
	}
	sort.Slice(tied, func(i, j int) bool { return tied[i].Name < tied[j].Name })

	turn := atomic.AddUint64(&r.workQueueTurn, 1) - 1
	return tied[turn%uint64(len(tied))]
}

func (r *Router) sendBroadcast(msg *types.Message) error {
	targets := r.lookup.Query(func(a *types.AgentRecord) bool {
		return a.Status == types.StatusIdle || a.Status == types.StatusRunning
	})
	delivered := 0
	for _, agent := range targets {
		copyMsg := *msg
		copyMsg.TargetNames = []string{agent.Name}
		if err := r.enqueue(agent.Name, &copyMsg); err != nil {
			log.WithAgent(agent.Name).Warn().Err(err).Msg("broadcast enqueue failed")
			continue
		}
		delivered++
	}
	metrics.MessagesRoutedTotal.WithLabelValues(msg.Pattern.String(), "enqueued").Add(float64(delivered))
	return nil
}

func (r *Router) sendMulticast(msg *types.Message) error {
	if len(msg.TargetNames) == 0 {
		return fmt.Errorf("multicast message has no targets: %w", coreerr.ErrNoTarget)
	}
	var firstErr error
	delivered := 0
	for _, target := range msg.TargetNames {
		copyMsg := *msg
		copyMsg.TargetNames = []string{target}
		if err := r.enqueue(target, &copyMsg); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
	}
	metrics.MessagesRoutedTotal.WithLabelValues(msg.Pattern.String(), "enqueued").Add(float64(delivered))
	if delivered == 0 {
		return firstErr
	}
	return nil
}

// Recv returns the next message delivered to target, polling every tier
// from strongest to weakest until one yields a frame or ctx is done.
func (r *Router) Recv(ctx context.Context, target string) (*types.Message, error) {
	for {
		for t := types.TierSharedMemory; t <= types.TierFlatFile; t++ {
			tier := r.tiers[t]
			if tier == nil {
				continue
			}
			pollCtx, cancel := context.WithTimeout(ctx, tierPollTimeout)
			frame, err := tier.Recv(pollCtx, target)
			cancel()
			if err != nil {
				continue
			}
			return DecodeFrame(frame, r.verifyFn())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

func (r *Router) enqueue(target string, msg *types.Message) error {
	queue := r.queueFor(target)
	msg.State = types.DeliveryEnqueued
	return queue.Push(msg)
}

func (r *Router) queueFor(target string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[target]; ok {
		return q
	}
	q := NewQueue(target, r.cfg.QueueCapacity, r.spillToMmapFile(target))
	r.queues[target] = q
	go r.dispatch(target, q)
	return q
}

// spillToMmapFile returns the batch-priority overflow sink for target:
// the message is encoded and written straight to the mmap file tier,
// bypassing the bounded in-memory queue entirely.
func (r *Router) spillToMmapFile(target string) func(*types.Message) error {
	return func(msg *types.Message) error {
		tier := r.tiers[types.TierMmapFile]
		if tier == nil {
			return fmt.Errorf("batch overflow for %q has no mmap file tier configured: %w", target, coreerr.ErrQueueFull)
		}
		frame, err := EncodeFrame(msg, r.tagFn())
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), tierSendTimeout)
		defer cancel()
		return tier.Send(ctx, target, frame)
	}
}

func (r *Router) dispatch(target string, queue *Queue) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.stopCh
		cancel()
	}()

	for {
		msg, err := queue.Pop(ctx)
		if err != nil {
			return
		}
		r.deliver(ctx, target, msg)
	}
}

func (r *Router) deliver(ctx context.Context, target string, msg *types.Message) {
	frame, err := EncodeFrame(msg, r.tagFn())
	if err != nil {
		r.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to encode message")
		return
	}

	timer := metrics.NewTimer()
	msg.State = types.DeliveryInFlight

	err = r.deliverWithRetry(ctx, target, msg, frame)
	if err != nil {
		msg.State = types.DeliveryFailed
		log.WithAgent(target).Error().Err(err).Str("message_id", msg.ID).Msg("message delivery failed after retries")
		r.recordEvent("delivery_failed", "error", target, map[string]string{"message_id": msg.ID})
		return
	}
	msg.State = types.DeliveryDelivered
	timer.ObserveDurationVec(metrics.MessageDeliveryDuration, r.bestTier(msg.SourceName, target, msg.Priority).String())
}

func (r *Router) deliverWithRetry(ctx context.Context, target string, msg *types.Message, frame []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.RandomizationFactor = 0.2
	policy.Multiplier = 2.0
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.cfg.MaxRetries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		err := r.tryAllTiers(ctx, msg.SourceName, target, msg.Priority, frame)
		if err != nil {
			attempt++
			msg.Retries = attempt
			metrics.RetriesTotal.WithLabelValues(msg.Pattern.String()).Inc()
		}
		return err
	}, bo)
}

func (r *Router) tryAllTiers(ctx context.Context, source, target string, priority types.Priority, frame []byte) error {
	if err := r.breaker.Allow(target); err != nil {
		return err
	}

	best := r.bestTier(source, target, priority)
	var lastErr error
	for t := best; t <= types.TierFlatFile; t++ {
		tier := r.tiers[t]
		if tier == nil {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, tierSendTimeout)
		err := tier.Send(sendCtx, target, frame)
		cancel()
		if err == nil {
			r.breaker.RecordSuccess(target)
			if t != best {
				metrics.TierDowngradesTotal.WithLabelValues(best.String(), t.String()).Inc()
			}
			return nil
		}
		lastErr = err
	}
	r.breaker.RecordFailure(target)
	if lastErr == nil {
		lastErr = coreerr.ErrTransportFailed
	}
	return fmt.Errorf("all tiers exhausted for %q: %w", target, lastErr)
}

// bestTier picks the tier to start a delivery attempt on: the fastest
// tier both endpoints are capable of, further capped by what the
// message's priority is allowed to use. Tiers are numbered from fastest
// (0) to weakest, so the weaker of the two endpoints (the higher number)
// bounds what's achievable, and the priority cap is applied the same way,
// since a cap can only push the result to a weaker tier, never unlock a
// stronger one than the endpoints themselves support. An endpoint the
// registry does not know counts as TierFlatFile.
func (r *Router) bestTier(source, target string, priority types.Priority) types.Tier {
	sourcePreferred := types.TierFlatFile
	if a, err := r.lookup.Lookup(source); err == nil {
		sourcePreferred = a.PreferredTier
	}
	targetPreferred := types.TierFlatFile
	if a, err := r.lookup.Lookup(target); err == nil {
		targetPreferred = a.PreferredTier
	}
	common := sourcePreferred
	if targetPreferred > common {
		common = targetPreferred
	}
	if cap := priority.MaxTier(); cap > common {
		return cap
	}
	return common
}

func (r *Router) tagFn() func(header, payload []byte) []byte {
	if r.integrityKey == nil {
		return nil
	}
	key := r.integrityKey
	return func(header, payload []byte) []byte {
		return security.TagMessage(key, append(append([]byte{}, header...), payload...))
	}
}

func (r *Router) verifyFn() func(header, payload, tag []byte) error {
	if r.integrityKey == nil {
		return nil
	}
	key := r.integrityKey
	return func(header, payload, tag []byte) error {
		return security.VerifyMessageTag(key, append(append([]byte{}, header...), payload...), tag)
	}
}

func (r *Router) registerWaiter(id string) chan *types.Message {
	ch := make(chan *types.Message, 1)
	r.waitersMu.Lock()
	r.waiters[id] = ch
	r.waitersMu.Unlock()
	return ch
}

func (r *Router) unregisterWaiter(id string) {
	r.waitersMu.Lock()
	delete(r.waiters, id)
	r.waitersMu.Unlock()
}

func (r *Router) fulfillWaiter(msg *types.Message) bool {
	r.waitersMu.Lock()
	ch, ok := r.waiters[msg.CorrelationID]
	if ok {
		delete(r.waiters, msg.CorrelationID)
	}
	r.waitersMu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

func (r *Router) recordEvent(eventType, severity, agent string, details map[string]string) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(eventType, severity, agent, details); err != nil {
		r.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to record security event")
	}
}
