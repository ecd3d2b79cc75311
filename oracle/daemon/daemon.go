package daemon

import (
	"context"
	"fmt"
	"math/big"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/ethereum/go-ethereum/common"

	"github.com/GPTx-global/flight-oracle/oracle/config"
	"github.com/GPTx-global/flight-oracle/oracle/dispatch"
	"github.com/GPTx-global/flight-oracle/oracle/health"
	"github.com/GPTx-global/flight-oracle/oracle/keys"
	"github.com/GPTx-global/flight-oracle/oracle/ledger"
	"github.com/GPTx-global/flight-oracle/oracle/log"
	"github.com/GPTx-global/flight-oracle/oracle/monitor"
	"github.com/GPTx-global/flight-oracle/oracle/registry"
	"github.com/GPTx-global/flight-oracle/oracle/server"
	"github.com/GPTx-global/flight-oracle/oracle/status"
	"github.com/GPTx-global/flight-oracle/oracle/subscribe"
)

const ServiceName = "oracled"

// Identities derives the local accounts: oracles and the contract owner.
type Identities interface {
	registry.Identities
	Derive(i int) (common.Address, error)
}

type Daemon struct {
	cfg    *config.Config
	ledger ledger.Ledger
	ids    Identities
	closer func()

	registry         *registry.Registry
	dispatcher       *dispatch.Dispatcher
	subscribeManager *subscribe.SubscribeManager
	monitor          *monitor.Monitor
	health           *health.HealthChecker
	sink             *gometrics.InmemSink
	server           *server.Server

	cancel context.CancelFunc
}

// New derives the oracle keys from the configured mnemonic and dials the selected network.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	kr, err := keys.New(cfg.Oracles.Mnemonic)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	network := cfg.Selected()

	appABI, err := ledger.LoadAppABI(network.AppArtifact)
	if err != nil {
		return nil, fmt.Errorf("failed to load app abi: %w", err)
	}

	dataABI, err := ledger.LoadDataABI(network.DataArtifact)
	if err != nil {
		return nil, fmt.Errorf("failed to load data abi: %w", err)
	}

	l, err := ledger.Dial(ctx, ledger.Config{
		URL:         network.URL,
		AppAddress:  cfg.AppAddress(),
		DataAddress: cfg.DataAddress(),
		AppABI:      appABI,
		DataABI:     dataABI,
		Gas: ledger.GasConfig{
			RegisterLimit: cfg.Gas.RegisterLimit,
			RegisterPrice: cfg.RegisterGasPrice(),
			SubmitLimit:   cfg.Gas.SubmitLimit,
		},
	}, kr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Network, err)
	}

	d, err := NewWithLedger(cfg, l, kr)
	if err != nil {
		l.Close()
		return nil, err
	}
	d.closer = l.Close

	return d, nil
}

// NewWithLedger wires every component on top of an existing ledger.
func NewWithLedger(cfg *config.Config, l ledger.Ledger, ids Identities) (*Daemon, error) {
	timeout, err := cfg.SubmitTimeout()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:    cfg,
		ledger: l,
		ids:    ids,
	}

	d.sink = gometrics.NewInmemSink(10*time.Second, time.Minute)
	metricsCfg := gometrics.DefaultConfig(ServiceName)
	metricsCfg.EnableHostname = false
	metricsCfg.EnableRuntimeMetrics = false
	if _, err := gometrics.NewGlobal(metricsCfg, d.sink); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	d.registry = registry.New(l, ids, registry.Options{
		FirstAccount: cfg.Oracles.FirstAccount,
		CacheIndexes: cfg.Oracles.CacheIndexes,
	})

	d.dispatcher = dispatch.New(d.registry, l, status.NewGenerator(nil), dispatch.Options{
		Mode:          cfg.Dispatch.Mode,
		MaxParallel:   cfg.Dispatch.MaxParallel,
		SubmitTimeout: timeout,
	})

	d.subscribeManager = subscribe.NewSubscribeManager(l, d.dispatcher, subscribe.Options{
		FromBlock: cfg.Listener.FromBlock,
		QueueSize: cfg.Listener.QueueSize,
	})

	d.monitor = monitor.New(l, monitor.Options{})

	d.health = health.NewHealthChecker(30 * time.Second)
	d.health.AddCheck(health.NewCheck("ledger", func(ctx context.Context) error {
		_, err := l.HeadBlock(ctx)
		return err
	}))
	d.health.AddCheck(health.NewCheck("oracles", func(context.Context) error {
		if d.registry.Len() == 0 {
			return fmt.Errorf("no oracles registered")
		}
		return nil
	}))

	if cfg.Server.Listen != "" {
		d.server = server.New(server.Options{
			Listen:      cfg.Server.Listen,
			CORSOrigins: cfg.Server.CORSOrigins,
		}, d.health, d.sink)
	}

	return d, nil
}

// Start registers the oracle pool and begins answering requests.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	d.cfg.Print()

	operational, err := d.ledger.IsOperational(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach app contract: %w", err)
	}
	if !operational {
		log.Warnf("app contract is not operational, submissions will be rejected")
	}

	n, err := d.registry.Register(ctx, d.cfg.Oracles.Count)
	if err != nil {
		return fmt.Errorf("failed to register oracles: %w", err)
	}
	if n == 0 {
		log.Errorf("no oracle could be registered, requests will go unanswered")
	}

	go d.health.Start(ctx)

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("failed to start http server: %w", err)
		}
	}

	d.monitor.Start(ctx)
	d.subscribeManager.Start(ctx)

	log.Infof("oracle daemon started with %d oracles", n)

	return nil
}

// Stop stops listening, finishes queued requests and releases the connection.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}

	d.subscribeManager.Stop()
	d.monitor.Stop()

	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.server.Shutdown(ctx); err != nil {
			log.Errorf("failed to stop http server: %v", err)
		}
		cancel()
	}

	if d.closer != nil {
		d.closer()
	}

	log.Infof("oracle daemon stopped")
}

func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

func (d *Daemon) Health() *health.HealthChecker {
	return d.health
}

func (d *Daemon) Listener() *subscribe.SubscribeManager {
	return d.subscribeManager
}

// Status reads the operational flag and the registration fee.
func (d *Daemon) Status(ctx context.Context) (bool, *big.Int, error) {
	operational, err := d.ledger.IsOperational(ctx)
	if err != nil {
		return false, nil, err
	}

	fee, err := d.ledger.RegistrationFee(ctx)
	if err != nil {
		return operational, nil, err
	}

	return operational, fee, nil
}

// SetOperational flips the contract switch as the owner account.
func (d *Daemon) SetOperational(ctx context.Context, mode bool) error {
	owner, err := d.ids.Derive(d.cfg.Oracles.OwnerAccount)
	if err != nil {
		return fmt.Errorf("failed to derive owner account: %w", err)
	}

	if err := d.ledger.SetOperatingStatus(ctx, owner, mode); err != nil {
		return fmt.Errorf("setOperatingStatus(%t) from %s: %w", mode, owner.Hex(), err)
	}

	log.Infof("operational status set to %t by %s", mode, owner.Hex())

	return nil
}

// Close releases the ledger connection of a daemon that was never started.
func (d *Daemon) Close() {
	if d.closer != nil {
		d.closer()
	}
}
