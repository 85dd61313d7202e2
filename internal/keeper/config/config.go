// Package config loads the keeper's YAML configuration, applies environment
// overrides and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/trigg3rX/power-agent-node/internal/keeper/datasource"
	"github.com/trigg3rX/power-agent-node/internal/keeper/executor"
	"github.com/trigg3rX/power-agent-node/internal/keeper/job"
	"github.com/trigg3rX/power-agent-node/pkg/env"
)

type Config struct {
	DevMode  bool   `yaml:"dev_mode"`
	APIPort  string `yaml:"api_port"`
	RedisURL string `yaml:"redis_url"`
	// StatusInterval is how often agent snapshots are published
	StatusInterval time.Duration `yaml:"status_interval"`
	StatusTTL      time.Duration `yaml:"status_ttl"`

	Networks map[string]*NetworkConfig `yaml:"networks"`

	// KeystorePassword comes from the environment only
	KeystorePassword string `yaml:"-"`
}

type NetworkConfig struct {
	Name string `yaml:"-"`

	RPC string `yaml:"rpc"`
	WS  string `yaml:"ws"`
	// MaxBlockDelay is the head silence, in seconds, that forces a resubscribe
	MaxBlockDelay           uint64  `yaml:"max_block_delay"`
	AverageBlockTimeSeconds float64 `yaml:"average_block_time_seconds"`
	ResolverBatchSize       int     `yaml:"resolver_batch_size"`

	Multicall string `yaml:"multicall"`
	Lens      string `yaml:"lens"`

	DataSource             string `yaml:"data_source"`
	SubgraphURL            string `yaml:"subgraph_url"`
	SubgraphMaxBlocksDelay uint64 `yaml:"subgraph_max_blocks_delay"`

	Flashbots *FlashbotsConfig `yaml:"flashbots"`

	Agents map[string]*AgentConfig `yaml:"agents"`
}

type FlashbotsConfig struct {
	RPC string `yaml:"rpc"`
	// SignerKey signs relay requests only; it holds no funds
	SignerKey string `yaml:"signer_key"`
}

type AgentConfig struct {
	Address common.Address `yaml:"-"`

	KeeperID              uint64 `yaml:"keeper_id"`
	Executor              string `yaml:"executor"`
	Keystore              string `yaml:"keystore"`
	AccrueReward          bool   `yaml:"accrue_reward"`
	AcceptMaxBaseFeeLimit bool   `yaml:"accept_max_base_fee_limit"`
	DeployBlock           uint64 `yaml:"deploy_block"`
	Strategy              string `yaml:"strategy"`
	TxNotMinedBlocks      int    `yaml:"tx_not_mined_blocks"`
}

func (n *NetworkConfig) AverageBlockTime() time.Duration {
	return time.Duration(n.AverageBlockTimeSeconds * float64(time.Second))
}

func (n *NetworkConfig) MaxBlockDelayDuration() time.Duration {
	return time.Duration(n.MaxBlockDelay) * time.Second
}

func (n *NetworkConfig) MulticallAddress() common.Address { return common.HexToAddress(n.Multicall) }
func (n *NetworkConfig) LensAddress() common.Address      { return common.HexToAddress(n.Lens) }

// SortedNetworks returns networks ordered by name
func (c *Config) SortedNetworks() []*NetworkConfig {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*NetworkConfig, 0, len(names))
	for _, name := range names {
		out = append(out, c.Networks[name])
	}
	return out
}

// SortedAgents returns agents ordered by address
func (n *NetworkConfig) SortedAgents() []*AgentConfig {
	out := make([]*AgentConfig, 0, len(n.Agents))
	for _, a := range n.Agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Address.Hex() < out[k].Address.Hex() })
	return out
}

// Load reads .env (optional), the YAML file at path or KEEPER_CONFIG_PATH,
// then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if path == "" {
		path = env.GetEnvString("KEEPER_CONFIG_PATH", DefaultConfigPath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies environment overrides and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode yaml: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("no networks configured")
	}
	for _, n := range c.SortedNetworks() {
		if err := n.validate(); err != nil {
			return fmt.Errorf("network %s: %w", n.Name, err)
		}
	}
	return nil
}

func (n *NetworkConfig) validate() error {
	switch {
	case !env.IsValidURL(n.RPC):
		return fmt.Errorf("invalid rpc url %q", n.RPC)
	case n.WS != "" && !env.IsValidWSURL(n.WS):
		return fmt.Errorf("invalid ws url %q", n.WS)
	case n.AverageBlockTimeSeconds <= 0:
		return fmt.Errorf("average_block_time_seconds must be positive")
	case !env.IsValidEthAddress(n.Multicall):
		return fmt.Errorf("invalid multicall address %q", n.Multicall)
	case !env.IsValidEthAddress(n.Lens):
		return fmt.Errorf("invalid lens address %q", n.Lens)
	}

	switch n.DataSource {
	case datasource.KindBlockchain:
	case datasource.KindSubgraph:
		if !env.IsValidURL(n.SubgraphURL) {
			return fmt.Errorf("invalid subgraph_url %q", n.SubgraphURL)
		}
	default:
		return fmt.Errorf("unknown data_source %q", n.DataSource)
	}

	if len(n.Agents) == 0 {
		return fmt.Errorf("no agents configured")
	}
	raws := make([]string, 0, len(n.Agents))
	for raw := range n.Agents {
		raws = append(raws, raw)
	}
	sort.Strings(raws)
	for _, raw := range raws {
		if _, err := normalizeAddress(raw); err != nil {
			return err
		}
		if err := n.Agents[raw].validate(n); err != nil {
			return fmt.Errorf("agent %s: %w", raw, err)
		}
	}
	return nil
}

func (a *AgentConfig) validate(n *NetworkConfig) error {
	if a.Keystore == "" {
		return fmt.Errorf("keystore is required")
	}
	if _, err := job.ParseStrategy(a.Strategy); err != nil {
		return err
	}
	switch a.Executor {
	case executor.KindPGA:
	case executor.KindFlashbots:
		if n.Flashbots == nil || !env.IsValidURL(n.Flashbots.RPC) {
			return fmt.Errorf("flashbots executor needs networks.%s.flashbots.rpc", n.Name)
		}
		if n.Flashbots.SignerKey != "" && !env.IsValidPrivateKey(n.Flashbots.SignerKey) {
			return fmt.Errorf("invalid flashbots signer_key")
		}
	default:
		return fmt.Errorf("unknown executor %q", a.Executor)
	}
	if a.TxNotMinedBlocks < 0 {
		return fmt.Errorf("tx_not_mined_blocks cannot be negative")
	}
	return nil
}

// KeeperConfig is the on-chain keeper flag byte for this agent
func (a *AgentConfig) KeeperConfig() job.KeeperConfig {
	return job.NewKeeperConfig(a.AcceptMaxBaseFeeLimit, a.AccrueReward)
}

func normalizeAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !env.IsValidEthAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid agent address %q", raw)
	}
	return common.HexToAddress(raw), nil
}
