// Package dispatch answers oracle requests on behalf of every registered oracle.
package dispatch

import (
	"context"
	"fmt"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/armon/go-metrics"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/GPTx-global/flight-oracle/oracle/ledger"
	"github.com/GPTx-global/flight-oracle/oracle/log"
	"github.com/GPTx-global/flight-oracle/oracle/types"
)

const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Pool is the read side of the oracle registry.
type Pool interface {
	Oracles() []common.Address
	GetIndexes(ctx context.Context, oracle common.Address) ([types.IndexCount]uint8, error)
}

// StatusSource picks the status an oracle reports.
type StatusSource interface {
	Generate() types.StatusCode
}

type Options struct {
	// Mode is ModeSequential (one oracle after another, in pool order) or
	// ModeParallel (oracles fanned out, at most MaxParallel at a time).
	Mode        string
	MaxParallel int
	// SubmitTimeout bounds every submission; zero leaves it to the transport.
	SubmitTimeout time.Duration
}

type Dispatcher struct {
	pool      Pool
	submitter ledger.Submitter
	statuses  StatusSource
	opts      Options
}

func New(pool Pool, submitter ledger.Submitter, statuses StatusSource, opts Options) *Dispatcher {
	if opts.Mode == "" {
		opts.Mode = ModeSequential
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}

	return &Dispatcher{
		pool:      pool,
		submitter: submitter,
		statuses:  statuses,
		opts:      opts,
	}
}

// Dispatch submits a response for every (oracle, index) pair whose index equals
// req.Index. Failures are logged and counted in the summary, never returned.
// It is safe to call concurrently.
func (d *Dispatcher) Dispatch(ctx context.Context, req types.StatusRequest) types.DispatchSummary {
	start := time.Now()
	oracles := d.pool.Oracles()

	var summary types.DispatchSummary
	if d.opts.Mode == ModeParallel && len(oracles) > 1 {
		results := make([]types.DispatchSummary, len(oracles))

		var g errgroup.Group
		g.SetLimit(d.opts.MaxParallel)
		for i, oracle := range oracles {
			i, oracle := i, oracle
			g.Go(func() error {
				results[i] = d.dispatchOracle(ctx, oracle, req)
				return nil
			})
		}
		_ = g.Wait()

		for _, res := range results {
			summary.Add(res)
		}
	} else {
		for _, oracle := range oracles {
			summary.Add(d.dispatchOracle(ctx, oracle, req))
		}
	}

	metrics.IncrCounter([]string{"dispatch", "requests"}, 1)
	metrics.IncrCounter([]string{"dispatch", "attempted"}, float32(summary.Attempted))
	metrics.IncrCounter([]string{"dispatch", "succeeded"}, float32(summary.Succeeded))
	metrics.IncrCounter([]string{"dispatch", "failed"}, float32(summary.Failed))
	metrics.IncrCounter([]string{"dispatch", "index_errors"}, float32(summary.IndexErrors))
	metrics.MeasureSince([]string{"dispatch", "duration"}, start)

	log.Infof("dispatched request index %d for %s: %s", req.Index, req.Key(), summary)

	return summary
}

func (d *Dispatcher) dispatchOracle(ctx context.Context, oracle common.Address, req types.StatusRequest) types.DispatchSummary {
	res := types.DispatchSummary{Oracles: 1}

	var indexes [types.IndexCount]uint8
	err := isolate(func() error {
		var err error
		indexes, err = d.pool.GetIndexes(ctx, oracle)
		return err
	})
	if err != nil {
		if types.Kind(err) == "unknown" {
			err = errorsmod.Wrap(types.ErrIndexLookup, err.Error())
		}
		res.IndexErrors++
		logFailure(err, types.ErrIndexLookup, oracle, req.Index, req)
		return res
	}

	for _, index := range types.MatchingIndexes(indexes, req.Index) {
		res.Attempted++

		resp := types.NewStatusResponse(oracle, index, req, d.statuses.Generate())
		if err := d.submit(ctx, resp); err != nil {
			res.Failed++
			logFailure(err, types.ErrSubmission, oracle, index, req)
			continue
		}

		res.Succeeded++
		log.Debugf("oracle %s answered %s with %s", oracle.Hex(), req.Key(), resp.Status)
	}

	return res
}

func (d *Dispatcher) submit(ctx context.Context, resp types.StatusResponse) error {
	if d.opts.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.SubmitTimeout)
		defer cancel()
	}

	err := isolate(func() error {
		return d.submitter.SubmitOracleResponse(ctx, resp)
	})
	if err == nil {
		return nil
	}

	// ledger kinds (reverted, transport) stay visible through the chain
	if types.Kind(err) == "unknown" {
		return errorsmod.Wrapf(types.ErrSubmission, "%s: %v", resp.Status, err)
	}

	return errorsmod.Wrap(err, resp.Status.String())
}

// isolate runs fn, turning a panic into an error.
func isolate(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return fn()
}

func logFailure(err error, stage error, oracle common.Address, index uint8, req types.StatusRequest) {
	logger := log.With().
		Str("stage", types.Kind(stage)).
		Str("kind", types.Kind(err)).
		Str("oracle", oracle.Hex()).
		Uint8("index", index).
		Str("request", req.Key()).
		Logger()

	logger.Error().Err(err).Msg("oracle response not delivered")
}
