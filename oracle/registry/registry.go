// Package registry holds the pool of oracle identities registered with the ledger.
package registry

import (
	"context"
	"sync"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/GPTx-global/flight-oracle/oracle/ledger"
	"github.com/GPTx-global/flight-oracle/oracle/log"
	"github.com/GPTx-global/flight-oracle/oracle/types"
)

// Identities supplies the local accounts that act as oracles.
type Identities interface {
	DeriveRange(first, count int) ([]common.Address, error)
}

type Options struct {
	// FirstAccount is the derivation index of the first oracle account.
	FirstAccount int
	// CacheIndexes keeps the first successful GetIndexes answer per oracle.
	CacheIndexes bool
}

type Registry struct {
	registrar ledger.Registrar
	ids       Identities
	opts      Options

	cache cmap.ConcurrentMap[string, [types.IndexCount]uint8]

	mu      sync.RWMutex
	oracles []common.Address
	known   map[common.Address]struct{}
}

func New(registrar ledger.Registrar, ids Identities, opts Options) *Registry {
	return &Registry{
		registrar: registrar,
		ids:       ids,
		opts:      opts,
		cache:     cmap.New[[types.IndexCount]uint8](),
		known:     make(map[common.Address]struct{}),
	}
}

// Register pays the registration fee for count accounts and adds every one the
// ledger accepts. A rejected account is logged and skipped. The returned error
// is set only when nothing could be attempted.
func (r *Registry) Register(ctx context.Context, count int) (int, error) {
	fee, err := r.registrar.RegistrationFee(ctx)
	if err != nil {
		return r.Len(), errorsmod.Wrapf(types.ErrRegistration, "read registration fee: %v", err)
	}

	accounts, err := r.ids.DeriveRange(r.opts.FirstAccount, count)
	if err != nil {
		return r.Len(), errorsmod.Wrapf(types.ErrRegistration, "derive %d oracle accounts: %v", count, err)
	}

	log.Infof("registering %d oracles, fee %s wei", len(accounts), fee)

	for i, addr := range accounts {
		if err := ctx.Err(); err != nil {
			return r.Len(), err
		}

		if err := r.registrar.RegisterOracle(ctx, addr, fee); err != nil {
			err = errorsmod.Wrapf(types.ErrRegistration, "account %d %s: %v", r.opts.FirstAccount+i, addr.Hex(), err)
			logger := log.With().Str("kind", types.Kind(err)).Str("oracle", addr.Hex()).Logger()
			logger.Error().Err(err).Msg("oracle registration failed")
			continue
		}

		r.Add(addr)

		indexes, err := r.GetIndexes(ctx, addr)
		if err != nil {
			log.Errorf("oracle registered: %s, indexes unavailable: %v", addr.Hex(), err)
			continue
		}
		log.Infof("oracle registered: %s indexes %v", addr.Hex(), indexes)
	}

	log.Infof("%d of %d oracles registered", r.Len(), len(accounts))

	return r.Len(), nil
}

// GetIndexes asks the ledger for the indexes it assigned to oracle.
func (r *Registry) GetIndexes(ctx context.Context, oracle common.Address) ([types.IndexCount]uint8, error) {
	if r.opts.CacheIndexes {
		if indexes, ok := r.cache.Get(oracle.Hex()); ok {
			return indexes, nil
		}
	}

	indexes, err := r.registrar.GetMyIndexes(ctx, oracle)
	if err != nil {
		return [types.IndexCount]uint8{}, errorsmod.Wrapf(types.ErrIndexLookup, "indexes of %s: %v", oracle.Hex(), err)
	}

	if !types.ValidIndexes(indexes) {
		log.Warnf("ledger returned out of range indexes %v for %s", indexes, oracle.Hex())
	}

	if r.opts.CacheIndexes {
		r.cache.SetIfAbsent(oracle.Hex(), indexes)
	}

	return indexes, nil
}

// Add puts already registered oracles into the pool. Duplicates are ignored.
func (r *Registry) Add(oracles ...common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, addr := range oracles {
		if _, ok := r.known[addr]; ok {
			continue
		}
		r.known[addr] = struct{}{}
		r.oracles = append(r.oracles, addr)
	}
}

// Oracles returns the pool in registration order.
func (r *Registry) Oracles() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Address, len(r.oracles))
	copy(out, r.oracles)

	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.oracles)
}
