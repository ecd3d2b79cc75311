// Package keys derives the local oracle identities from an HD wallet mnemonic,
// in the same account order a development node (ganache, hardhat) exposes them.
package keys

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/tyler-smith/go-bip39"

	"github.com/GPTx-global/flight-oracle/oracle/types"
)

// DerivationPrefix is the BIP-44 Ethereum path; the account number is appended.
const DerivationPrefix = "m/44'/60'/0'/0/"

// Keyring holds the private keys of derived accounts.
type Keyring struct {
	wallet *hdwallet.Wallet

	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

func New(mnemonic string) (*Keyring, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet: %w", err)
	}

	return &Keyring{
		wallet: wallet,
		keys:   make(map[common.Address]*ecdsa.PrivateKey),
	}, nil
}

// Derive loads account number i and returns its address.
func (k *Keyring) Derive(i int) (common.Address, error) {
	path, err := hdwallet.ParseDerivationPath(fmt.Sprintf("%s%d", DerivationPrefix, i))
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to parse derivation path %d: %w", i, err)
	}

	account, err := k.wallet.Derive(path, false)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to derive account %d: %w", i, err)
	}

	key, err := k.wallet.PrivateKey(account)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to get private key of account %d: %w", i, err)
	}

	k.mu.Lock()
	k.keys[account.Address] = key
	k.mu.Unlock()

	return account.Address, nil
}

// DeriveRange loads count accounts starting at first.
func (k *Keyring) DeriveRange(first, count int) ([]common.Address, error) {
	addrs := make([]common.Address, 0, count)
	for i := first; i < first+count; i++ {
		addr, err := k.Derive(i)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// PrivateKey implements ledger.KeyStore.
func (k *Keyring) PrivateKey(addr common.Address) (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	key, ok := k.keys[addr]
	if !ok {
		return nil, errorsmod.Wrapf(types.ErrUnknownKey, "%s was never derived", addr.Hex())
	}

	return key, nil
}

// Len reports how many accounts have been derived.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return len(k.keys)
}
