package keys

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/flight-oracle/oracle/retry"
	"github.com/GPTx-global/flight-oracle/oracle/types"
)

// Well-known development mnemonic; account 0 is fixed by BIP-44.
const testMnemonic = "test test test test test test test test test test test junk"

type KeysTestSuite struct {
	suite.Suite
	kr *Keyring
}

func TestKeysTestSuite(t *testing.T) {
	suite.Run(t, new(KeysTestSuite))
}

func (suite *KeysTestSuite) SetupTest() {
	kr, err := New(testMnemonic)
	suite.Require().NoError(err)
	suite.kr = kr
}

func (suite *KeysTestSuite) TestDeriveKnownAccount() {
	addr, err := suite.kr.Derive(0)
	suite.Require().NoError(err)
	suite.Equal(common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), addr)

	key, err := suite.kr.PrivateKey(addr)
	suite.Require().NoError(err)
	suite.Equal(addr, crypto.PubkeyToAddress(key.PublicKey))
}

func (suite *KeysTestSuite) TestDeriveRange() {
	addrs, err := suite.kr.DeriveRange(20, 5)
	suite.Require().NoError(err)
	suite.Len(addrs, 5)
	suite.Equal(5, suite.kr.Len())

	seen := make(map[common.Address]bool)
	for _, addr := range addrs {
		suite.False(seen[addr], "duplicate address %s", addr.Hex())
		seen[addr] = true
	}

	again, err := suite.kr.Derive(20)
	suite.Require().NoError(err)
	suite.Equal(addrs[0], again)
}

func (suite *KeysTestSuite) TestUnknownAddress() {
	_, err := suite.kr.PrivateKey(common.HexToAddress("0x01"))
	suite.Require().Error(err)
	suite.True(errors.Is(err, types.ErrUnknownKey))
	suite.Equal("unknown_key", types.Kind(err))
	// a missing key is a setup fault and must not be retried
	suite.False(retry.IsTransient(err))
}

func (suite *KeysTestSuite) TestInvalidMnemonic() {
	_, err := New("not a real mnemonic")
	suite.Error(err)
}
