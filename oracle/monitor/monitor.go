// Package monitor logs every event of the data contract for operators.
// It never feeds back into request handling.
package monitor

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/armon/go-metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/tidwall/sjson"

	"github.com/GPTx-global/flight-oracle/oracle/ledger"
	"github.com/GPTx-global/flight-oracle/oracle/log"
	"github.com/GPTx-global/flight-oracle/oracle/retry"
)

type Options struct {
	ChannelSize int
	Retry       *retry.Config
	// Sink receives every rendered record; nil logs it at info level.
	Sink func(record string)
}

type Monitor struct {
	source ledger.DiagnosticSource
	opts   Options

	cancel context.CancelFunc
	wg     sync.WaitGroup

	records atomic.Uint64
}

func New(source ledger.DiagnosticSource, opts Options) *Monitor {
	if opts.ChannelSize <= 0 {
		opts.ChannelSize = 256
	}
	if opts.Retry == nil {
		opts.Retry = retry.SubscriptionConfig()
	}
	if opts.Sink == nil {
		opts.Sink = logRecord
	}

	return &Monitor{
		source: source,
		opts:   opts,
	}
}

func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run(ctx)

	log.Debugf("monitor starting")
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	log.Debugf("monitor stopped after %d records", m.records.Load())
}

// Records is the number of events rendered so far.
func (m *Monitor) Records() uint64 {
	return m.records.Load()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	for ctx.Err() == nil {
		logs := make(chan ethtypes.Log, m.opts.ChannelSize)

		var sub event.Subscription
		err := retry.Do(ctx, m.opts.Retry, func() error {
			s, err := m.source.WatchDataEvents(ctx, logs)
			if err != nil {
				log.Warnf("data event subscription failed: %v", err)
				return err
			}
			sub = s
			return nil
		}, retry.Always)
		if err != nil {
			continue
		}

		m.consume(ctx, sub.Err(), logs)
		sub.Unsubscribe()
	}
}

func (m *Monitor) consume(ctx context.Context, errc <-chan error, logs <-chan ethtypes.Log) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errc:
			log.Warnf("data event subscription dropped: %v", err)
			return
		case raw := <-logs:
			m.handle(raw)
		}
	}
}

func (m *Monitor) handle(raw ethtypes.Log) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("diagnostic record for %s:%d failed: %v", raw.TxHash.Hex(), raw.Index, r)
		}
	}()

	m.opts.Sink(m.Render(raw))
	m.records.Add(1)
	metrics.IncrCounter([]string{"monitor", "records"}, 1)
}

// Render turns raw into a JSON record, decoded when the data ABI knows the event.
func (m *Monitor) Render(raw ethtypes.Log) string {
	rec := `{}`
	rec, _ = sjson.Set(rec, "contract", raw.Address.Hex())
	rec, _ = sjson.Set(rec, "block", raw.BlockNumber)
	rec, _ = sjson.Set(rec, "tx", raw.TxHash.Hex())
	rec, _ = sjson.Set(rec, "log_index", raw.Index)
	if raw.Removed {
		rec, _ = sjson.Set(rec, "removed", true)
	}

	name, args, err := m.source.DescribeDataEvent(raw)
	if err != nil {
		if name == "" {
			name = "unknown"
		}
		rec, _ = sjson.Set(rec, "event", name)
		rec, _ = sjson.Set(rec, "error", err.Error())

		topics := make([]string, len(raw.Topics))
		for i, t := range raw.Topics {
			topics[i] = t.Hex()
		}
		rec, _ = sjson.Set(rec, "topics", topics)
		rec, _ = sjson.Set(rec, "data", hexutil.Encode(raw.Data))

		return rec
	}

	rec, _ = sjson.Set(rec, "event", name)
	rec, _ = sjson.SetRaw(rec, "args", `{}`)

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		rec, _ = sjson.Set(rec, "args."+k, jsonValue(args[k]))
	}

	return rec
}

func jsonValue(v any) any {
	switch val := v.(type) {
	case common.Address:
		return val.Hex()
	case *big.Int:
		return val.String()
	case [32]byte:
		return hexutil.Encode(val[:])
	case []byte:
		return hexutil.Encode(val)
	default:
		return val
	}
}

func logRecord(record string) {
	log.Logger().Info().RawJSON("event", []byte(record)).Msg("ledger event")
}
