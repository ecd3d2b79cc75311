package ledger

import (
	"context"
	"math/big"
	"strings"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"

	"github.com/GPTx-global/flight-oracle/oracle/log"
	"github.com/GPTx-global/flight-oracle/oracle/types"
)

// Backend is what EthLedger needs from an Ethereum node. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BlockNumber(ctx context.Context) (uint64, error)
}

type GasConfig struct {
	RegisterLimit uint64
	RegisterPrice *big.Int
	SubmitLimit   uint64
}

type Config struct {
	URL         string
	AppAddress  common.Address
	DataAddress common.Address
	AppABI      abi.ABI
	DataABI     abi.ABI
	Gas         GasConfig
}

// EthLedger talks to the FlightSuretyApp / FlightSuretyData contracts over JSON-RPC.
type EthLedger struct {
	backend Backend
	chainID *big.Int
	keys    KeyStore
	gas     GasConfig
	closer  func()

	appAddress  common.Address
	appABI      abi.ABI
	app         *bind.BoundContract
	dataAddress common.Address
	dataABI     abi.ABI
}

var _ Ledger = (*EthLedger)(nil)

// Dial connects to cfg.URL (ws:// is needed for subscriptions) and binds both contracts.
func Dial(ctx context.Context, cfg Config, keys KeyStore) (*EthLedger, error) {
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrTransport, "dial %s: %v", cfg.URL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, errorsmod.Wrapf(types.ErrTransport, "chain id from %s: %v", cfg.URL, err)
	}

	l := New(client, chainID, cfg, keys)
	l.closer = client.Close
	log.Infof("connected to %s, chain id %s", cfg.URL, chainID)

	return l, nil
}

// New binds the contracts on an existing backend.
func New(backend Backend, chainID *big.Int, cfg Config, keys KeyStore) *EthLedger {
	return &EthLedger{
		backend:     backend,
		chainID:     chainID,
		keys:        keys,
		gas:         cfg.Gas,
		appAddress:  cfg.AppAddress,
		appABI:      cfg.AppABI,
		app:         bind.NewBoundContract(cfg.AppAddress, cfg.AppABI, backend, backend, backend),
		dataAddress: cfg.DataAddress,
		dataABI:     cfg.DataABI,
	}
}

func (l *EthLedger) AppABI() abi.ABI {
	return l.appABI
}

func (l *EthLedger) DataABI() abi.ABI {
	return l.dataABI
}

func (l *EthLedger) Close() {
	if l.closer != nil {
		l.closer()
	}
}

// Ping checks that the node answers.
func (l *EthLedger) Ping(ctx context.Context) error {
	_, err := l.HeadBlock(ctx)
	return err
}

func (l *EthLedger) IsOperational(ctx context.Context) (bool, error) {
	out, err := l.call(ctx, common.Address{}, methodIsOperational)
	if err != nil {
		return false, err
	}

	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (l *EthLedger) SetOperatingStatus(ctx context.Context, from common.Address, mode bool) error {
	_, err := l.transact(ctx, from, nil, 0, nil, methodSetOperatingStatus, mode)
	return err
}

func (l *EthLedger) RegistrationFee(ctx context.Context) (*big.Int, error) {
	out, err := l.call(ctx, common.Address{}, methodRegistrationFee)
	if err != nil {
		return nil, err
	}

	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (l *EthLedger) RegisterOracle(ctx context.Context, from common.Address, fee *big.Int) error {
	_, err := l.transact(ctx, from, fee, l.gas.RegisterLimit, l.gas.RegisterPrice, methodRegisterOracle)
	return err
}

// GetMyIndexes calls getMyIndexes with from as msg.sender; the contract answers per caller.
func (l *EthLedger) GetMyIndexes(ctx context.Context, from common.Address) ([types.IndexCount]uint8, error) {
	out, err := l.call(ctx, from, methodGetMyIndexes)
	if err != nil {
		return [types.IndexCount]uint8{}, err
	}

	return *abi.ConvertType(out[0], new([types.IndexCount]uint8)).(*[types.IndexCount]uint8), nil
}

func (l *EthLedger) SubmitOracleResponse(ctx context.Context, resp types.StatusResponse) error {
	if resp.Timestamp == nil {
		return errorsmod.Wrap(types.ErrSubmission, "response has no timestamp")
	}

	_, err := l.transact(ctx, resp.Oracle, nil, l.gas.SubmitLimit, nil, methodSubmitResponse,
		resp.Index, resp.Airline, resp.Flight, resp.Timestamp, uint8(resp.Status))

	return err
}

func (l *EthLedger) HeadBlock(ctx context.Context) (uint64, error) {
	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return 0, errorsmod.Wrapf(types.ErrTransport, "block number: %v", err)
	}

	return head, nil
}

func (l *EthLedger) requestTopic() common.Hash {
	return l.appABI.Events[EventOracleRequest].ID
}

func (l *EthLedger) FilterOracleRequests(ctx context.Context, from, to uint64) ([]ethtypes.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{l.appAddress},
		Topics:    [][]common.Hash{{l.requestTopic()}},
	}

	logs, err := l.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrTransport, "filter %s logs %d..%d: %v", EventOracleRequest, from, to, err)
	}

	return logs, nil
}

func (l *EthLedger) WatchOracleRequests(ctx context.Context, from uint64, sink chan<- ethtypes.Log) (event.Subscription, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{l.appAddress},
		Topics:    [][]common.Hash{{l.requestTopic()}},
	}

	sub, err := l.backend.SubscribeFilterLogs(ctx, query, sink)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrTransport, "subscribe %s: %v", EventOracleRequest, err)
	}

	return sub, nil
}

func (l *EthLedger) DecodeOracleRequest(raw ethtypes.Log) (types.StatusRequest, error) {
	if raw.Removed {
		return types.StatusRequest{}, errorsmod.Wrapf(types.ErrEventDecode, "log %s:%d was removed by a reorg", raw.TxHash.Hex(), raw.Index)
	}
	if len(raw.Topics) == 0 || raw.Topics[0] != l.requestTopic() {
		return types.StatusRequest{}, errorsmod.Wrapf(types.ErrEventDecode, "log %s:%d is not %s", raw.TxHash.Hex(), raw.Index, EventOracleRequest)
	}

	var ev struct {
		Index     uint8
		Airline   common.Address
		Flight    string
		Timestamp *big.Int
	}
	if err := l.app.UnpackLog(&ev, EventOracleRequest, raw); err != nil {
		return types.StatusRequest{}, errorsmod.Wrapf(types.ErrEventDecode, "unpack %s in %s: %v", EventOracleRequest, raw.TxHash.Hex(), err)
	}

	return types.StatusRequest{
		Index:       ev.Index,
		Airline:     ev.Airline,
		Flight:      ev.Flight,
		Timestamp:   ev.Timestamp,
		BlockNumber: raw.BlockNumber,
		TxHash:      raw.TxHash,
	}, nil
}

// WatchDataEvents subscribes to every data contract log from the current head on.
func (l *EthLedger) WatchDataEvents(ctx context.Context, sink chan<- ethtypes.Log) (event.Subscription, error) {
	query := ethereum.FilterQuery{Addresses: []common.Address{l.dataAddress}}

	sub, err := l.backend.SubscribeFilterLogs(ctx, query, sink)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrTransport, "subscribe data events: %v", err)
	}

	return sub, nil
}

// DescribeDataEvent decodes a data contract log into its event name and arguments.
func (l *EthLedger) DescribeDataEvent(raw ethtypes.Log) (string, map[string]any, error) {
	if len(raw.Topics) == 0 {
		return "", nil, errorsmod.Wrap(types.ErrEventDecode, "anonymous log")
	}

	ev, err := l.dataABI.EventByID(raw.Topics[0])
	if err != nil {
		return "", nil, errorsmod.Wrapf(types.ErrEventDecode, "unknown event %s", raw.Topics[0].Hex())
	}

	args := make(map[string]any)
	if len(raw.Data) > 0 {
		if err := l.dataABI.UnpackIntoMap(args, ev.Name, raw.Data); err != nil {
			return ev.Name, nil, errorsmod.Wrapf(types.ErrEventDecode, "unpack %s: %v", ev.Name, err)
		}
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, raw.Topics[1:]); err != nil {
		return ev.Name, nil, errorsmod.Wrapf(types.ErrEventDecode, "topics of %s: %v", ev.Name, err)
	}

	return ev.Name, args, nil
}

func (l *EthLedger) call(ctx context.Context, from common.Address, method string, params ...any) ([]any, error) {
	var out []any
	opts := &bind.CallOpts{Context: ctx, From: from}
	if err := l.app.Call(opts, &out, method, params...); err != nil {
		return nil, classify(err, "call %s", method)
	}

	return out, nil
}

func (l *EthLedger) transact(ctx context.Context, from common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, method string, params ...any) (*ethtypes.Receipt, error) {
	key, err := l.keys.PrivateKey(from)
	if err != nil {
		return nil, err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, l.chainID)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrTransport, "transactor for %s: %v", from.Hex(), err)
	}
	opts.Context = ctx
	opts.Value = value
	opts.GasLimit = gasLimit
	opts.GasPrice = gasPrice

	tx, err := l.app.Transact(opts, method, params...)
	if err != nil {
		return nil, classify(err, "send %s from %s", method, from.Hex())
	}

	receipt, err := bind.WaitMined(ctx, l.backend, tx)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrTransport, "wait for %s tx %s: %v", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return receipt, errorsmod.Wrapf(types.ErrReverted, "%s tx %s from %s", method, tx.Hash().Hex(), from.Hex())
	}

	return receipt, nil
}

// classify maps node errors onto the reverted/transport kinds.
func classify(err error, format string, args ...any) error {
	if strings.Contains(strings.ToLower(err.Error()), "revert") {
		return errorsmod.Wrapf(types.ErrReverted, format+": %v", append(args, err)...)
	}

	return errorsmod.Wrapf(types.ErrTransport, format+": %v", append(args, err)...)
}
