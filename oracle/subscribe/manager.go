package subscribe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	errorsmod "cosmossdk.io/errors"
	"github.com/armon/go-metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/GPTx-global/flight-oracle/oracle/ledger"
	"github.com/GPTx-global/flight-oracle/oracle/log"
	"github.com/GPTx-global/flight-oracle/oracle/retry"
	"github.com/GPTx-global/flight-oracle/oracle/types"
)

// Dispatcher answers one decoded request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req types.StatusRequest) types.DispatchSummary
}

type Options struct {
	// FromBlock is where the first backfill starts; 0 replays from genesis.
	FromBlock uint64
	QueueSize int
	Retry     *retry.Config
}

// Stats are running totals since Start.
type Stats struct {
	Received     uint64
	DecodeErrors uint64
	Dispatched   uint64
	Resubscribed uint64
	NextBlock    uint64
}

// SubscribeManager feeds OracleRequest events into a bounded queue drained by a
// single goroutine that calls the dispatcher once per event.
type SubscribeManager struct {
	source     ledger.RequestSource
	dispatcher Dispatcher
	opts       Options

	queue  chan types.StatusRequest
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	received     atomic.Uint64
	decodeErrors atomic.Uint64
	dispatched   atomic.Uint64
	resubscribed atomic.Uint64
	// nextBlock is where a reconnect resumes. It stays on the block of the last
	// live log, since the rest of that block may not have been delivered yet.
	nextBlock atomic.Uint64

	// logs already queued from seenBlock, owned by the producer goroutine
	seenBlock uint64
	seen      map[logKey]struct{}
}

type logKey struct {
	tx    common.Hash
	index uint
	data  common.Hash
}

func NewSubscribeManager(source ledger.RequestSource, dispatcher Dispatcher, opts Options) *SubscribeManager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = types.DefaultQueueSize
	}
	if opts.Retry == nil {
		opts.Retry = retry.SubscriptionConfig()
	}

	sm := &SubscribeManager{
		source:     source,
		dispatcher: dispatcher,
		opts:       opts,
		queue:      make(chan types.StatusRequest, opts.QueueSize),
	}
	sm.nextBlock.Store(opts.FromBlock)

	return sm
}

// Start launches the producer and the drain goroutine. It returns immediately.
func (sm *SubscribeManager) Start(ctx context.Context) {
	ctx, sm.cancel = context.WithCancel(ctx)

	sm.wg.Add(2)
	go sm.produce(ctx)
	// in-flight and queued events are finished after shutdown starts
	go sm.drain(context.WithoutCancel(ctx))

	log.Debugf("subscribe manager started from block %d", sm.opts.FromBlock)
}

// Stop ends the subscription, closes the queue and waits until every queued
// event has been dispatched.
func (sm *SubscribeManager) Stop() {
	sm.once.Do(func() {
		if sm.cancel != nil {
			sm.cancel()
		}
	})
	sm.wg.Wait()

	log.Debugf("subscribe manager stopped: %+v", sm.Stats())
}

func (sm *SubscribeManager) Stats() Stats {
	return Stats{
		Received:     sm.received.Load(),
		DecodeErrors: sm.decodeErrors.Load(),
		Dispatched:   sm.dispatched.Load(),
		Resubscribed: sm.resubscribed.Load(),
		NextBlock:    sm.nextBlock.Load(),
	}
}

func (sm *SubscribeManager) produce(ctx context.Context) {
	defer sm.wg.Done()
	defer close(sm.queue)

	for first := true; ctx.Err() == nil; first = false {
		if !first {
			sm.resubscribed.Add(1)
			metrics.IncrCounter([]string{"listener", "resubscribed"}, 1)
		}

		logs := make(chan ethtypes.Log, sm.opts.QueueSize)

		var sub event.Subscription
		err := retry.Do(ctx, sm.opts.Retry, func() error {
			s, err := sm.connect(ctx, logs)
			if err != nil {
				logTransport(err, "subscription to oracle requests failed")
				return err
			}
			sub = s
			return nil
		}, retry.Always)
		if err != nil {
			continue
		}

		err = sm.watch(ctx, sub, logs)
		sub.Unsubscribe()
		if err != nil {
			logTransport(err, "oracle request subscription dropped, resubscribing")
		}
	}
}

// connect subscribes first and then backfills up to the head, so nothing mined
// in between is missed. Logs delivered by both are queued once.
func (sm *SubscribeManager) connect(ctx context.Context, logs chan<- ethtypes.Log) (event.Subscription, error) {
	from := sm.nextBlock.Load()

	sub, err := sm.source.WatchOracleRequests(ctx, from, logs)
	if err != nil {
		return nil, err
	}

	head, err := sm.source.HeadBlock(ctx)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	if from <= head {
		backlog, err := sm.source.FilterOracleRequests(ctx, from, head)
		if err != nil {
			sub.Unsubscribe()
			return nil, err
		}

		if len(backlog) > 0 {
			log.Infof("replaying %d oracle requests from blocks %d..%d", len(backlog), from, head)
		}
		for _, raw := range backlog {
			if sm.accept(raw) {
				sm.handle(ctx, raw)
			}
		}
		// every block up to head is complete
		if head+1 > sm.nextBlock.Load() {
			sm.nextBlock.Store(head + 1)
		}
	}

	return sub, nil
}

func (sm *SubscribeManager) watch(ctx context.Context, sub event.Subscription, logs <-chan ethtypes.Log) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return errorsmod.Wrap(types.ErrTransport, "subscription closed")
			}
			return errorsmod.Wrap(types.ErrTransport, err.Error())
		case raw := <-logs:
			if !sm.accept(raw) {
				continue
			}
			sm.handle(ctx, raw)
			if raw.BlockNumber > sm.nextBlock.Load() {
				sm.nextBlock.Store(raw.BlockNumber)
			}
		}
	}
}

// accept reports whether raw has not been queued yet. Logs arrive in chain
// order, so only the newest block needs a record of what was seen in it.
// Removed logs always pass and are rejected by the decoder.
func (sm *SubscribeManager) accept(raw ethtypes.Log) bool {
	if raw.Removed {
		return true
	}

	if sm.seen != nil && raw.BlockNumber < sm.seenBlock {
		return false
	}
	if sm.seen == nil || raw.BlockNumber > sm.seenBlock {
		sm.seenBlock = raw.BlockNumber
		sm.seen = make(map[logKey]struct{})
	}

	key := logKey{tx: raw.TxHash, index: raw.Index, data: crypto.Keccak256Hash(raw.Data)}
	if _, ok := sm.seen[key]; ok {
		return false
	}
	sm.seen[key] = struct{}{}

	return true
}

// handle decodes raw and queues it, blocking while the queue is full.
func (sm *SubscribeManager) handle(ctx context.Context, raw ethtypes.Log) {
	sm.received.Add(1)

	req, err := sm.source.DecodeOracleRequest(raw)
	if err != nil {
		sm.decodeErrors.Add(1)
		metrics.IncrCounter([]string{"listener", "decode_errors"}, 1)

		logger := log.With().
			Str("kind", types.Kind(err)).
			Uint64("block", raw.BlockNumber).
			Str("tx", raw.TxHash.Hex()).
			Logger()
		logger.Error().Err(err).Msg("oracle request skipped")
		return
	}

	log.Infof("oracle request index %d for %s at block %d", req.Index, req.Key(), req.BlockNumber)

	select {
	case sm.queue <- req:
	default:
		log.Warnf("request queue is full, waiting for the dispatcher")
		select {
		case sm.queue <- req:
		case <-ctx.Done():
			log.Warnf("shutting down, oracle request %s not queued", req.Key())
			return
		}
	}

	metrics.SetGauge([]string{"listener", "queue_depth"}, float32(len(sm.queue)))
}

func (sm *SubscribeManager) drain(ctx context.Context) {
	defer sm.wg.Done()

	for req := range sm.queue {
		sm.dispatch(ctx, req)
	}
}

func (sm *SubscribeManager) dispatch(ctx context.Context, req types.StatusRequest) {
	defer func() {
		if r := recover(); r != nil {
			err := errorsmod.Wrap(types.ErrSubmission, fmt.Sprintf("dispatch panicked: %v", r))
			log.Errorf("oracle request %s: %v", req.Key(), err)
		}
		sm.dispatched.Add(1)
	}()

	sm.dispatcher.Dispatch(ctx, req)
}

func logTransport(err error, msg string) {
	if !errorsmod.IsOf(err, types.ErrTransport) {
		err = errorsmod.Wrap(types.ErrTransport, err.Error())
	}

	logger := log.With().Str("kind", types.Kind(err)).Logger()
	logger.Error().Err(err).Msg(msg)
}
