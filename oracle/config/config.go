package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/tyler-smith/go-bip39"

	"github.com/GPTx-global/flight-oracle/oracle/log"
	"github.com/GPTx-global/flight-oracle/oracle/types"
)

const (
	FileName  = "config.toml"
	EnvPrefix = "ORACLED"

	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// DefaultMnemonic is the development wallet the contracts are deployed with.
const DefaultMnemonic = "candy maple cake sugar pudding cream honey rich smooth crumble sweet treat"

type Config struct {
	Network  string                   `toml:"network" mapstructure:"network"`
	Networks map[string]NetworkConfig `toml:"networks" mapstructure:"networks"`
	Oracles  OraclesConfig            `toml:"oracles" mapstructure:"oracles"`
	Gas      GasConfig                `toml:"gas" mapstructure:"gas"`
	Dispatch DispatchConfig           `toml:"dispatch" mapstructure:"dispatch"`
	Listener ListenerConfig           `toml:"listener" mapstructure:"listener"`
	Server   ServerConfig             `toml:"server" mapstructure:"server"`

	home string
}

type NetworkConfig struct {
	URL          string `toml:"url" mapstructure:"url"`
	AppAddress   string `toml:"app_address" mapstructure:"app_address"`
	DataAddress  string `toml:"data_address" mapstructure:"data_address"`
	AppArtifact  string `toml:"app_artifact" mapstructure:"app_artifact"`
	DataArtifact string `toml:"data_artifact" mapstructure:"data_artifact"`
}

type OraclesConfig struct {
	Count        int    `toml:"count" mapstructure:"count"`
	FirstAccount int    `toml:"first_account" mapstructure:"first_account"`
	OwnerAccount int    `toml:"owner_account" mapstructure:"owner_account"`
	Mnemonic     string `toml:"mnemonic" mapstructure:"mnemonic"`
	CacheIndexes bool   `toml:"cache_indexes" mapstructure:"cache_indexes"`
}

type GasConfig struct {
	RegisterLimit uint64 `toml:"register_limit" mapstructure:"register_limit"`
	RegisterPrice uint64 `toml:"register_price" mapstructure:"register_price"`
	SubmitLimit   uint64 `toml:"submit_limit" mapstructure:"submit_limit"`
}

type DispatchConfig struct {
	Mode          string `toml:"mode" mapstructure:"mode"`
	MaxParallel   int    `toml:"max_parallel" mapstructure:"max_parallel"`
	SubmitTimeout string `toml:"submit_timeout" mapstructure:"submit_timeout"`
}

type ListenerConfig struct {
	FromBlock uint64 `toml:"from_block" mapstructure:"from_block"`
	QueueSize int    `toml:"queue_size" mapstructure:"queue_size"`
}

type ServerConfig struct {
	Listen      string   `toml:"listen" mapstructure:"listen"`
	CORSOrigins []string `toml:"cors_origins" mapstructure:"cors_origins"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		Network: "localhost",
		Networks: map[string]NetworkConfig{
			"localhost": {URL: "ws://localhost:8545"},
		},
		Oracles: OraclesConfig{
			Count:        20,
			FirstAccount: 20,
			OwnerAccount: 0,
			Mnemonic:     DefaultMnemonic,
		},
		Gas: GasConfig{
			RegisterLimit: 5000000,
			RegisterPrice: 20000000,
			SubmitLimit:   3000000,
		},
		Dispatch: DispatchConfig{
			Mode:          ModeSequential,
			MaxParallel:   8,
			SubmitTimeout: "0s",
		},
		Listener: ListenerConfig{
			FromBlock: 0,
			QueueSize: types.DefaultQueueSize,
		},
		Server: ServerConfig{
			Listen:      ":3000",
			CORSOrigins: []string{"*"},
		},
	}
}

// DefaultHome is ~/.oracled.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".oracled"
	}

	return filepath.Join(home, ".oracled")
}

// Load reads <home>/config.toml, writing the defaults first when it does not exist.
// ORACLED_* environment variables override file values; a non-empty network
// argument overrides the selected network.
func Load(home, network string) (*Config, error) {
	path := filepath.Join(home, FileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := WriteDefault(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		log.Infof("Wrote default config to %s", path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.home = home
	if network != "" {
		cfg.Network = network
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.Infof("Loaded config from %s", path)

	return cfg, nil
}

// WriteDefault writes Default() as TOML to path.
func WriteDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := toml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal TOML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	net, ok := c.Networks[c.Network]
	if !ok {
		return fmt.Errorf("network %q is not defined", c.Network)
	}

	if net.URL == "" {
		return fmt.Errorf("url is required for network %s", c.Network)
	}

	if err := validateAddress("app address", net.AppAddress); err != nil {
		return fmt.Errorf("network %s: %w", c.Network, err)
	}

	if err := validateAddress("data address", net.DataAddress); err != nil {
		return fmt.Errorf("network %s: %w", c.Network, err)
	}

	if c.Oracles.Count <= 0 {
		return fmt.Errorf("oracle count must be positive")
	}

	if c.Oracles.FirstAccount < 0 || c.Oracles.OwnerAccount < 0 {
		return fmt.Errorf("account numbers must not be negative")
	}

	if !bip39.IsMnemonicValid(c.Oracles.Mnemonic) {
		return fmt.Errorf("mnemonic is not a valid BIP-39 phrase")
	}

	switch c.Dispatch.Mode {
	case ModeSequential, ModeParallel:
	default:
		return fmt.Errorf("unknown dispatch mode %q", c.Dispatch.Mode)
	}

	if c.Dispatch.Mode == ModeParallel && c.Dispatch.MaxParallel <= 0 {
		return fmt.Errorf("max_parallel must be positive in parallel mode")
	}

	if _, err := c.SubmitTimeout(); err != nil {
		return err
	}

	if c.Listener.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	return nil
}

func validateAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required", name)
	}

	if !common.IsHexAddress(addr) {
		return fmt.Errorf("%s %q is not a hex address", name, addr)
	}

	if common.HexToAddress(addr) == (common.Address{}) {
		return fmt.Errorf("%s must not be the zero address", name)
	}

	return nil
}

func (c *Config) Home() string {
	return c.home
}

// Selected returns the active network entry.
func (c *Config) Selected() NetworkConfig {
	return c.Networks[c.Network]
}

func (c *Config) AppAddress() common.Address {
	return common.HexToAddress(c.Selected().AppAddress)
}

func (c *Config) DataAddress() common.Address {
	return common.HexToAddress(c.Selected().DataAddress)
}

func (c *Config) RegisterGasPrice() *big.Int {
	if c.Gas.RegisterPrice == 0 {
		return nil
	}

	return new(big.Int).SetUint64(c.Gas.RegisterPrice)
}

// SubmitTimeout bounds a single submission; zero leaves it to the transport.
func (c *Config) SubmitTimeout() (time.Duration, error) {
	if c.Dispatch.SubmitTimeout == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(c.Dispatch.SubmitTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid submit_timeout %q: %w", c.Dispatch.SubmitTimeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("submit_timeout must not be negative")
	}

	return d, nil
}

func (c *Config) Print() {
	net := c.Selected()
	timeout, _ := c.SubmitTimeout()

	log.Infof("%-15s: %s", "Home", c.Home())
	log.Infof("%-15s: %s", "Network", c.Network)
	log.Infof("%-15s: %s", "Endpoint", net.URL)
	log.Infof("%-15s: %s", "App Address", c.AppAddress().Hex())
	log.Infof("%-15s: %s", "Data Address", c.DataAddress().Hex())
	log.Infof("%-15s: %d (accounts %d..%d)", "Oracles", c.Oracles.Count, c.Oracles.FirstAccount, c.Oracles.FirstAccount+c.Oracles.Count-1)
	log.Infof("%-15s: %s", "Dispatch Mode", c.Dispatch.Mode)
	log.Infof("%-15s: %v", "Submit Timeout", timeout)
	log.Infof("%-15s: %d", "From Block", c.Listener.FromBlock)
	log.Infof("%-15s: %s", "Listen", c.Server.Listen)
}
