package subscribe

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/flight-oracle/oracle/ledger/ledgertest"
	"github.com/GPTx-global/flight-oracle/oracle/retry"
	"github.com/GPTx-global/flight-oracle/oracle/types"
)

type recorder struct {
	mu      sync.Mutex
	reqs    []types.StatusRequest
	delay   time.Duration
	panicOn string
}

func (r *recorder) Dispatch(_ context.Context, req types.StatusRequest) types.DispatchSummary {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.panicOn != "" && req.Flight == r.panicOn {
		panic("dispatcher exploded")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)

	return types.DispatchSummary{}
}

func (r *recorder) flights() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.reqs))
	for i, req := range r.reqs {
		out[i] = req.Flight
	}
	return out
}

type SubscribeManagerTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	ledger *ledgertest.Ledger
	rec    *recorder
	sm     *SubscribeManager
}

func TestSubscribeManagerTestSuite(t *testing.T) {
	suite.Run(t, new(SubscribeManagerTestSuite))
}

func (suite *SubscribeManagerTestSuite) SetupTest() {
	suite.ctx, suite.cancel = context.WithCancel(context.Background())
	suite.ledger = ledgertest.New()
	suite.rec = &recorder{}
	suite.sm = NewSubscribeManager(suite.ledger, suite.rec, Options{
		QueueSize: 16,
		Retry:     &retry.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1},
	})
}

func (suite *SubscribeManagerTestSuite) TearDownTest() {
	suite.cancel()
	suite.sm.Stop()
}

func request(flight string, index uint8) types.StatusRequest {
	return types.StatusRequest{
		Index:     index,
		Airline:   common.HexToAddress("0xa1"),
		Flight:    flight,
		Timestamp: big.NewInt(1700000000),
	}
}

func (suite *SubscribeManagerTestSuite) emit(flight string, index uint8) {
	suite.ledger.EmitRequest(request(flight, index))
}

func (suite *SubscribeManagerTestSuite) waitSubscribed() {
	suite.Eventually(func() bool { return suite.ledger.Subscriptions() == 1 }, time.Second, time.Millisecond)
}

func (suite *SubscribeManagerTestSuite) waitFor(flights ...string) {
	suite.Eventually(func() bool {
		return len(suite.rec.flights()) >= len(flights)
	}, 2*time.Second, 2*time.Millisecond)
	suite.Equal(flights, suite.rec.flights())
}

func (suite *SubscribeManagerTestSuite) TestNewSubscribeManager_Defaults() {
	sm := NewSubscribeManager(suite.ledger, suite.rec, Options{FromBlock: 7})

	suite.Equal(types.DefaultQueueSize, cap(sm.queue))
	suite.NotNil(sm.opts.Retry)
	suite.Equal(uint64(7), sm.Stats().NextBlock)
}

func (suite *SubscribeManagerTestSuite) TestBackfillFromGenesis() {
	suite.emit("AA1", 1)
	suite.emit("AA2", 2)
	suite.emit("AA3", 3)

	suite.sm.Start(suite.ctx)

	suite.waitFor("AA1", "AA2", "AA3")
	suite.Equal(uint64(4), suite.sm.Stats().NextBlock)
}

func (suite *SubscribeManagerTestSuite) TestFromBlockSkipsHistory() {
	suite.emit("OLD", 1)
	suite.emit("NEW", 1)

	sm := NewSubscribeManager(suite.ledger, suite.rec, Options{FromBlock: 2, QueueSize: 4})
	sm.Start(suite.ctx)
	defer sm.Stop()

	suite.waitFor("NEW")
}

func (suite *SubscribeManagerTestSuite) TestLiveEvents() {
	suite.sm.Start(suite.ctx)
	suite.Eventually(func() bool { return suite.ledger.Subscriptions() == 1 }, time.Second, time.Millisecond)

	suite.emit("BB1", 4)
	suite.emit("BB2", 5)

	suite.waitFor("BB1", "BB2")
	suite.Equal(uint64(2), suite.sm.Stats().Received)
}

func (suite *SubscribeManagerTestSuite) TestSameBlockLiveEvents() {
	suite.sm.Start(suite.ctx)
	suite.waitSubscribed()

	logs := suite.ledger.EmitRequests(request("ND1309", 1), request("ND1310", 2))
	suite.Equal(logs[0].BlockNumber, logs[1].BlockNumber)

	suite.emit("ND1311", 3)

	suite.waitFor("ND1309", "ND1310", "ND1311")
}

func (suite *SubscribeManagerTestSuite) TestSameBlockBackfill() {
	suite.ledger.EmitRequests(request("FF1", 1), request("FF2", 2), request("FF3", 3))
	suite.emit("FF4", 4)

	suite.sm.Start(suite.ctx)

	suite.waitFor("FF1", "FF2", "FF3", "FF4")
}

func (suite *SubscribeManagerTestSuite) TestDropInsideBlock() {
	suite.sm.Start(suite.ctx)
	suite.waitSubscribed()

	logs := suite.ledger.MineRequests(request("GG1", 1), request("GG2", 2), request("GG3", 3))
	suite.ledger.Publish(logs[0])
	suite.waitFor("GG1")

	// the rest of the block is lost with the connection
	suite.ledger.DropSubscriptions(errors.New("websocket: close 1006 (abnormal closure)"))

	suite.waitFor("GG1", "GG2", "GG3")
	suite.waitSubscribed()

	// a late redelivery of the same block is not queued twice
	suite.ledger.Publish(logs...)
	suite.emit("GG4", 4)

	suite.waitFor("GG1", "GG2", "GG3", "GG4")
	suite.Equal(uint64(4), suite.sm.Stats().Received)
}

func (suite *SubscribeManagerTestSuite) TestUndecodableEventSkipped() {
	suite.sm.Start(suite.ctx)
	suite.Eventually(func() bool { return suite.ledger.Subscriptions() == 1 }, time.Second, time.Millisecond)

	suite.ledger.EmitRaw(ethtypes.Log{
		Address: ledgertest.AppAddress,
		Topics:  []common.Hash{common.HexToHash("0xbad")},
		Data:    []byte{0x01},
	})
	suite.emit("CC1", 1)

	suite.waitFor("CC1")
	suite.Equal(uint64(1), suite.sm.Stats().DecodeErrors)
}

func (suite *SubscribeManagerTestSuite) TestResubscribeAfterDrop() {
	suite.sm.Start(suite.ctx)
	suite.Eventually(func() bool { return suite.ledger.Subscriptions() == 1 }, time.Second, time.Millisecond)

	suite.emit("DD1", 1)
	suite.waitFor("DD1")

	suite.ledger.FailWatches(2)
	suite.ledger.DropSubscriptions(errors.New("websocket: close 1006 (abnormal closure)"))
	// mined while disconnected, recovered by the backfill
	suite.emit("DD2", 2)

	suite.waitFor("DD1", "DD2")
	suite.Eventually(func() bool { return suite.ledger.Subscriptions() == 1 }, time.Second, time.Millisecond)

	suite.emit("DD3", 3)
	suite.waitFor("DD1", "DD2", "DD3")
	suite.GreaterOrEqual(suite.sm.Stats().Resubscribed, uint64(1))
}

func (suite *SubscribeManagerTestSuite) TestInitialSubscribeRetried() {
	suite.ledger.FailWatches(3)
	suite.emit("EE1", 1)

	suite.sm.Start(suite.ctx)

	suite.waitFor("EE1")
}

func (suite *SubscribeManagerTestSuite) TestDispatchPanicDoesNotStopListener() {
	suite.rec.panicOn = "BAD"
	suite.sm.Start(suite.ctx)
	suite.Eventually(func() bool { return suite.ledger.Subscriptions() == 1 }, time.Second, time.Millisecond)

	suite.emit("BAD", 1)
	suite.emit("GOOD", 1)

	suite.waitFor("GOOD")
	suite.Eventually(func() bool { return suite.sm.Stats().Dispatched == 2 }, time.Second, time.Millisecond)
}

func (suite *SubscribeManagerTestSuite) TestStopDrainsQueue() {
	suite.rec.delay = 20 * time.Millisecond
	for _, f := range []string{"Q1", "Q2", "Q3", "Q4", "Q5"} {
		suite.emit(f, 1)
	}

	suite.sm.Start(suite.ctx)
	suite.Eventually(func() bool { return suite.sm.Stats().Received == 5 }, time.Second, time.Millisecond)

	suite.sm.Stop()

	suite.Equal([]string{"Q1", "Q2", "Q3", "Q4", "Q5"}, suite.rec.flights())
	suite.Equal(uint64(5), suite.sm.Stats().Dispatched)
	suite.Zero(suite.ledger.Subscriptions())
}
