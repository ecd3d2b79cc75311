package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/armon/go-metrics"
	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"

	"github.com/GPTx-global/flight-oracle/oracle/health"
)

type ServerTestSuite struct {
	suite.Suite
	checker *health.HealthChecker
	sink    *metrics.InmemSink
	ts      *httptest.Server
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (suite *ServerTestSuite) SetupTest() {
	suite.checker = health.NewHealthChecker(time.Second)
	suite.sink = metrics.NewInmemSink(time.Minute, time.Minute)
	s := New(Options{CORSOrigins: []string{"http://localhost:8000"}}, suite.checker, suite.sink)
	suite.ts = httptest.NewServer(s.Handler())
}

func (suite *ServerTestSuite) TearDownTest() {
	suite.ts.Close()
}

func (suite *ServerTestSuite) get(path string, header http.Header) (*http.Response, string) {
	req, err := http.NewRequest(http.MethodGet, suite.ts.URL+path, nil)
	suite.Require().NoError(err)
	for k, v := range header {
		req.Header[k] = v
	}

	res, err := http.DefaultClient.Do(req)
	suite.Require().NoError(err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	suite.Require().NoError(err)

	return res, string(body)
}

func (suite *ServerTestSuite) TestAPI() {
	res, body := suite.get("/api", nil)

	suite.Equal(http.StatusOK, res.StatusCode)
	suite.Equal("application/json", res.Header.Get("Content-Type"))
	suite.Equal("An API for use with your Dapp!", gjson.Get(body, "message").String())
}

func (suite *ServerTestSuite) TestCORS() {
	res, _ := suite.get("/api", http.Header{"Origin": {"http://localhost:8000"}})
	suite.Equal("http://localhost:8000", res.Header.Get("Access-Control-Allow-Origin"))

	res, _ = suite.get("/api", http.Header{"Origin": {"http://evil.example"}})
	suite.Empty(res.Header.Get("Access-Control-Allow-Origin"))
}

func (suite *ServerTestSuite) TestHealth() {
	suite.checker.AddCheck(health.NewCheck("ledger", func(context.Context) error { return nil }))
	suite.checker.AddCheck(health.NewCheck("oracles", func(context.Context) error { return errors.New("no oracles registered") }))
	suite.checker.RunChecks(context.Background())

	res, body := suite.get("/health", nil)
	suite.Equal(http.StatusServiceUnavailable, res.StatusCode)
	suite.Equal("unhealthy", gjson.Get(body, "status").String())
	suite.True(gjson.Get(body, "checks.ledger.healthy").Bool())
	suite.Equal("no oracles registered", gjson.Get(body, "checks.oracles.error").String())
}

func (suite *ServerTestSuite) TestHealthy() {
	suite.checker.AddCheck(health.NewCheck("ledger", func(context.Context) error { return nil }))
	suite.checker.RunChecks(context.Background())

	res, body := suite.get("/health", nil)
	suite.Equal(http.StatusOK, res.StatusCode)
	suite.Equal("healthy", gjson.Get(body, "status").String())
}

func (suite *ServerTestSuite) TestMetrics() {
	suite.sink.IncrCounter([]string{"dispatch", "attempted"}, 3)

	res, body := suite.get("/metrics", nil)
	suite.Equal(http.StatusOK, res.StatusCode)
	suite.True(gjson.Valid(body))

	found := false
	gjson.Get(body, "Counters").ForEach(func(_, c gjson.Result) bool {
		if c.Get("Name").String() == "dispatch.attempted" {
			found = c.Get("Sum").Float() == 3
		}
		return true
	})
	suite.True(found, body)
}

func (suite *ServerTestSuite) TestMethodNotAllowed() {
	res, err := http.Post(suite.ts.URL+"/api", "application/json", nil)
	suite.Require().NoError(err)
	res.Body.Close()
	suite.Equal(http.StatusMethodNotAllowed, res.StatusCode)
}

func (suite *ServerTestSuite) TestStartShutdown() {
	s := New(Options{Listen: "127.0.0.1:0"}, nil, nil)
	suite.Require().NoError(s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	suite.NoError(s.Shutdown(ctx))
}
