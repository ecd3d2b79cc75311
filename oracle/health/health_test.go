package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type HealthTestSuite struct {
	suite.Suite
	hc *HealthChecker
}

func TestHealthTestSuite(t *testing.T) {
	suite.Run(t, new(HealthTestSuite))
}

func (suite *HealthTestSuite) SetupTest() {
	suite.hc = NewHealthChecker(time.Second)
}

func (suite *HealthTestSuite) TestUncheckedIsUnhealthy() {
	suite.hc.AddCheck(NewCheck("ledger", func(context.Context) error { return nil }))

	suite.False(suite.hc.IsHealthy())
	suite.Equal("not checked yet", suite.hc.GetStatus()["ledger"].LastError)
}

func (suite *HealthTestSuite) TestRunChecks() {
	suite.hc.AddCheck(NewCheck("ledger", func(context.Context) error { return nil }))
	suite.hc.AddCheck(NewCheck("oracles", func(context.Context) error { return errors.New("no oracles registered") }))

	suite.hc.RunChecks(context.Background())

	status := suite.hc.GetStatus()
	suite.True(status["ledger"].Healthy)
	suite.False(status["ledger"].LastCheck.IsZero())
	suite.False(status["oracles"].Healthy)
	suite.Equal("no oracles registered", status["oracles"].LastError)
	suite.False(suite.hc.IsHealthy())
}

func (suite *HealthTestSuite) TestRecovers() {
	var fail atomic.Bool
	fail.Store(true)
	suite.hc.AddCheck(NewCheck("ledger", func(context.Context) error {
		if fail.Load() {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}))

	suite.hc.RunChecks(context.Background())
	suite.False(suite.hc.IsHealthy())

	fail.Store(false)
	suite.hc.RunChecks(context.Background())
	suite.True(suite.hc.IsHealthy())
}

func (suite *HealthTestSuite) TestStartStopsWithContext() {
	hc := NewHealthChecker(5 * time.Millisecond)
	var runs atomic.Int32
	hc.AddCheck(NewCheck("tick", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hc.Start(ctx)
		close(done)
	}()

	suite.Eventually(func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	suite.Eventually(func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
