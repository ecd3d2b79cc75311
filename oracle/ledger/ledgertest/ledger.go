// Package ledgertest provides an in-memory ledger that follows the contract rules the
// daemon depends on: fee-gated registration, per-caller indexes and index-checked responses.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/GPTx-global/flight-oracle/oracle/ledger"
	"github.com/GPTx-global/flight-oracle/oracle/types"
)

// DefaultFee matches the 1 ether REGISTRATION_FEE of the contract.
var DefaultFee = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

var (
	AppAddress  = common.HexToAddress("0x00000000000000000000000000000000000a0001")
	DataAddress = common.HexToAddress("0x00000000000000000000000000000000000d0001")
)

// Attempt is one SubmitOracleResponse call and its outcome.
type Attempt struct {
	Response types.StatusResponse
	Err      error
}

// Ledger is a fake ledger.Ledger.
type Ledger struct {
	Fee   *big.Int
	Owner common.Address

	// OnSubmit runs before the built-in checks; a non-nil error rejects the response.
	OnSubmit func(resp types.StatusResponse) error

	codec *ledger.EthLedger

	mu           sync.Mutex
	operational  bool
	indexes      cmap.ConcurrentMap[string, [types.IndexCount]uint8]
	planned      map[common.Address][types.IndexCount]uint8
	registerErrs map[common.Address]error
	indexErrs    map[common.Address]error
	submitErrs   map[common.Address]error
	attempts     []Attempt
	openRequests map[string]bool
	strict       bool
	head         uint64
	history      []ethtypes.Log
	watchFails   int

	requestFeed event.Feed
	dataFeed    event.Feed
	subs        []*subscription
}

var _ ledger.Ledger = (*Ledger)(nil)

func New() *Ledger {
	appABI, err := ledger.LoadABI("", ledger.AppABIJSON)
	if err != nil {
		panic(err)
	}
	dataABI, err := ledger.LoadABI("", ledger.DataABIJSON)
	if err != nil {
		panic(err)
	}

	return &Ledger{
		Fee:   new(big.Int).Set(DefaultFee),
		codec: ledger.New(nil, big.NewInt(1337), ledger.Config{AppAddress: AppAddress, DataAddress: DataAddress, AppABI: appABI, DataABI: dataABI}, nil),

		operational:  true,
		indexes:      cmap.New[[types.IndexCount]uint8](),
		planned:      make(map[common.Address][types.IndexCount]uint8),
		registerErrs: make(map[common.Address]error),
		indexErrs:    make(map[common.Address]error),
		submitErrs:   make(map[common.Address]error),
		openRequests: make(map[string]bool),
	}
}

// PlanIndexes fixes the indexes addr receives when it registers.
func (l *Ledger) PlanIndexes(addr common.Address, indexes [types.IndexCount]uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.planned[addr] = indexes
}

// SetIndexes registers addr directly with the given indexes.
func (l *Ledger) SetIndexes(addr common.Address, indexes [types.IndexCount]uint8) {
	l.indexes.Set(addr.Hex(), indexes)
}

func (l *Ledger) FailRegistration(addr common.Address, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.registerErrs[addr] = err
}

func (l *Ledger) FailIndexes(addr common.Address, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.indexErrs[addr] = err
}

func (l *Ledger) FailSubmission(addr common.Address, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.submitErrs[addr] = err
}

// StrictRequests makes responses to requests that were never emitted revert.
func (l *Ledger) StrictRequests(strict bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.strict = strict
}

// FailWatches makes the next n Watch* calls fail.
func (l *Ledger) FailWatches(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.watchFails = n
}

// Attempts returns every submission seen so far.
func (l *Ledger) Attempts() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Attempt, len(l.attempts))
	copy(out, l.attempts)

	return out
}

func (l *Ledger) ResetAttempts() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.attempts = nil
}

func (l *Ledger) Registered() int {
	return l.indexes.Count()
}

func (l *Ledger) IsOperational(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.operational, nil
}

func (l *Ledger) SetOperatingStatus(ctx context.Context, from common.Address, mode bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from != l.Owner {
		return errorsmod.Wrap(types.ErrReverted, "Caller is not contract owner")
	}
	l.operational = mode

	return nil
}

func (l *Ledger) RegistrationFee(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(l.Fee), nil
}

func (l *Ledger) RegisterOracle(ctx context.Context, from common.Address, fee *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.registerErrs[from]; err != nil {
		return err
	}
	if fee == nil || fee.Cmp(l.Fee) < 0 {
		return errorsmod.Wrap(types.ErrReverted, "Registration fee is required")
	}

	indexes, ok := l.planned[from]
	if !ok {
		indexes = deriveIndexes(from)
	}
	l.indexes.Set(from.Hex(), indexes)

	return nil
}

func (l *Ledger) GetMyIndexes(ctx context.Context, from common.Address) ([types.IndexCount]uint8, error) {
	l.mu.Lock()
	err := l.indexErrs[from]
	l.mu.Unlock()
	if err != nil {
		return [types.IndexCount]uint8{}, err
	}

	indexes, ok := l.indexes.Get(from.Hex())
	if !ok {
		return [types.IndexCount]uint8{}, errorsmod.Wrap(types.ErrReverted, "Not registered as an oracle")
	}

	return indexes, nil
}

func (l *Ledger) SubmitOracleResponse(ctx context.Context, resp types.StatusResponse) error {
	err := l.checkResponse(resp)

	l.mu.Lock()
	l.attempts = append(l.attempts, Attempt{Response: resp, Err: err})
	l.mu.Unlock()

	return err
}

func (l *Ledger) checkResponse(resp types.StatusResponse) error {
	if l.OnSubmit != nil {
		if err := l.OnSubmit(resp); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.submitErrs[resp.Oracle]; err != nil {
		return err
	}

	indexes, ok := l.indexes.Get(resp.Oracle.Hex())
	if !ok || len(types.MatchingIndexes(indexes, resp.Index)) == 0 {
		return errorsmod.Wrap(types.ErrReverted, "Index does not match oracle request")
	}
	if l.strict && !l.openRequests[requestKey(resp.Index, resp.Airline, resp.Flight, resp.Timestamp)] {
		return errorsmod.Wrap(types.ErrReverted, "Flight or timestamp do not match oracle request")
	}

	return nil
}

// EmitRequest mines a block carrying an OracleRequest log and returns the log.
func (l *Ledger) EmitRequest(req types.StatusRequest) ethtypes.Log {
	return l.EmitRaw(l.requestLog(req))
}

// EmitRequests mines one block carrying every request, in order.
func (l *Ledger) EmitRequests(reqs ...types.StatusRequest) []ethtypes.Log {
	logs := l.MineRequests(reqs...)
	l.Publish(logs...)

	return logs
}

// MineRequests mines one block carrying every request without delivering the
// logs to subscribers. They are visible to FilterOracleRequests only, until
// passed to Publish.
func (l *Ledger) MineRequests(reqs ...types.StatusRequest) []ethtypes.Log {
	raws := make([]ethtypes.Log, len(reqs))
	for i, req := range reqs {
		raws[i] = l.requestLog(req)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.head++
	for i := range raws {
		raws[i].BlockNumber = l.head
		raws[i].TxIndex = uint(i)
		raws[i].Index = uint(i)
		raws[i].TxHash = common.BigToHash(new(big.Int).SetUint64(l.head<<16 | uint64(i)))
		l.history = append(l.history, raws[i])
	}

	return raws
}

// Publish delivers already mined logs to the request subscribers.
func (l *Ledger) Publish(logs ...ethtypes.Log) {
	for _, raw := range logs {
		l.requestFeed.Send(raw)
	}
}

// EmitRaw mines a block carrying raw as a request-stream log, whatever its content.
func (l *Ledger) EmitRaw(raw ethtypes.Log) ethtypes.Log {
	l.mu.Lock()
	l.head++
	raw.BlockNumber = l.head
	raw.TxHash = common.BigToHash(new(big.Int).SetUint64(l.head))
	l.history = append(l.history, raw)
	l.mu.Unlock()

	l.Publish(raw)

	return raw
}

func (l *Ledger) requestLog(req types.StatusRequest) ethtypes.Log {
	ev := l.codec.AppABI().Events[ledger.EventOracleRequest]
	data, err := ev.Inputs.Pack(req.Index, req.Airline, req.Flight, req.Timestamp)
	if err != nil {
		panic(err)
	}

	l.mu.Lock()
	l.openRequests[requestKey(req.Index, req.Airline, req.Flight, req.Timestamp)] = true
	l.mu.Unlock()

	return ethtypes.Log{Address: AppAddress, Topics: []common.Hash{ev.ID}, Data: data}
}

// EmitDataEvent publishes a data contract event on the diagnostic stream.
func (l *Ledger) EmitDataEvent(name string, topics []common.Hash, args ...any) ethtypes.Log {
	ev, ok := l.codec.DataABI().Events[name]
	if !ok {
		panic(fmt.Sprintf("unknown data event %s", name))
	}
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		panic(err)
	}

	l.mu.Lock()
	l.head++
	raw := ethtypes.Log{Address: DataAddress, Topics: append([]common.Hash{ev.ID}, topics...), Data: data, BlockNumber: l.head}
	l.mu.Unlock()

	l.dataFeed.Send(raw)

	return raw
}

func (l *Ledger) HeadBlock(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.head, nil
}

func (l *Ledger) FilterOracleRequests(ctx context.Context, from, to uint64) ([]ethtypes.Log, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var logs []ethtypes.Log
	for _, raw := range l.history {
		if raw.BlockNumber >= from && raw.BlockNumber <= to {
			logs = append(logs, raw)
		}
	}

	return logs, nil
}

func (l *Ledger) WatchOracleRequests(ctx context.Context, from uint64, sink chan<- ethtypes.Log) (event.Subscription, error) {
	return l.watch(&l.requestFeed, sink)
}

func (l *Ledger) DecodeOracleRequest(raw ethtypes.Log) (types.StatusRequest, error) {
	return l.codec.DecodeOracleRequest(raw)
}

func (l *Ledger) WatchDataEvents(ctx context.Context, sink chan<- ethtypes.Log) (event.Subscription, error) {
	return l.watch(&l.dataFeed, sink)
}

func (l *Ledger) DescribeDataEvent(raw ethtypes.Log) (string, map[string]any, error) {
	return l.codec.DescribeDataEvent(raw)
}

// DropSubscriptions ends every live subscription with err, like a lost websocket.
func (l *Ledger) DropSubscriptions(err error) {
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	for _, s := range subs {
		s.fail(err)
	}
}

// Subscriptions reports how many subscriptions are live.
func (l *Ledger) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, s := range l.subs {
		if !s.closed() {
			n++
		}
	}

	return n
}

func (l *Ledger) watch(feed *event.Feed, sink chan<- ethtypes.Log) (event.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watchFails > 0 {
		l.watchFails--
		return nil, errorsmod.Wrap(types.ErrTransport, "websocket: connection refused")
	}

	s := &subscription{inner: feed.Subscribe(sink), errc: make(chan error, 1)}
	l.subs = append(l.subs, s)

	return s, nil
}

type subscription struct {
	inner event.Subscription
	errc  chan error
	once  sync.Once
	mu    sync.Mutex
	done  bool
}

func (s *subscription) Err() <-chan error {
	return s.errc
}

func (s *subscription) Unsubscribe() {
	s.fail(nil)
}

func (s *subscription) fail(err error) {
	s.once.Do(func() {
		s.inner.Unsubscribe()
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
		if err != nil {
			s.errc <- err
		}
		close(s.errc)
	})
}

func (s *subscription) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.done
}

func requestKey(index uint8, airline common.Address, flight string, ts *big.Int) string {
	return fmt.Sprintf("%d/%s/%s/%s", index, airline.Hex(), flight, ts)
}

func deriveIndexes(addr common.Address) [types.IndexCount]uint8 {
	var out [types.IndexCount]uint8
	for i := range out {
		out[i] = addr[len(addr)-1-i] % (types.MaxIndex + 1)
	}

	return out
}
