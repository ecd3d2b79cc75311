package ledger

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/GPTx-global/flight-oracle/oracle/types"
)

// Registrar is the part of the ledger used to build the oracle pool.
type Registrar interface {
	RegistrationFee(ctx context.Context) (*big.Int, error)
	RegisterOracle(ctx context.Context, from common.Address, fee *big.Int) error
	GetMyIndexes(ctx context.Context, from common.Address) ([types.IndexCount]uint8, error)
}

// Submitter accepts oracle responses.
type Submitter interface {
	SubmitOracleResponse(ctx context.Context, resp types.StatusResponse) error
}

// RequestSource delivers OracleRequest events.
type RequestSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
	FilterOracleRequests(ctx context.Context, from, to uint64) ([]ethtypes.Log, error)
	WatchOracleRequests(ctx context.Context, from uint64, sink chan<- ethtypes.Log) (event.Subscription, error)
	DecodeOracleRequest(log ethtypes.Log) (types.StatusRequest, error)
}

// DiagnosticSource delivers every data contract event.
type DiagnosticSource interface {
	WatchDataEvents(ctx context.Context, sink chan<- ethtypes.Log) (event.Subscription, error)
	DescribeDataEvent(log ethtypes.Log) (string, map[string]any, error)
}

// Admin covers the operational switch of the contracts.
type Admin interface {
	IsOperational(ctx context.Context) (bool, error)
	SetOperatingStatus(ctx context.Context, from common.Address, mode bool) error
}

// Ledger is the full contract surface the daemon talks to.
type Ledger interface {
	Registrar
	Submitter
	RequestSource
	DiagnosticSource
	Admin
}

// KeyStore resolves the signing key of a local identity.
type KeyStore interface {
	PrivateKey(addr common.Address) (*ecdsa.PrivateKey, error)
}
