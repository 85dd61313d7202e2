package config

import (
	"time"

	"github.com/trigg3rX/power-agent-node/internal/keeper/datasource"
	"github.com/trigg3rX/power-agent-node/internal/keeper/executor"
	"github.com/trigg3rX/power-agent-node/internal/keeper/job"
	"github.com/trigg3rX/power-agent-node/pkg/env"
)

const (
	DefaultConfigPath     = "config/keeper.yaml"
	DefaultAPIPort        = "9005"
	DefaultStatusInterval = 30 * time.Second
)

func (c *Config) applyDefaults() {
	if c.APIPort == "" {
		c.APIPort = DefaultAPIPort
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 4 * c.StatusInterval
	}
	for name, n := range c.Networks {
		if n == nil {
			n = &NetworkConfig{}
			c.Networks[name] = n
		}
		n.Name = name
		if n.DataSource == "" {
			n.DataSource = datasource.KindBlockchain
		}
		if n.MaxBlockDelay == 0 && n.AverageBlockTimeSeconds > 0 {
			n.MaxBlockDelay = uint64(10 * n.AverageBlockTimeSeconds)
		}
		for raw, a := range n.Agents {
			if a == nil {
				a = &AgentConfig{}
				n.Agents[raw] = a
			}
			if addr, err := normalizeAddress(raw); err == nil {
				a.Address = addr
			}
			if a.Executor == "" {
				a.Executor = executor.KindPGA
			}
			if a.Strategy == "" {
				a.Strategy = string(job.StrategyLight)
			}
			if a.TxNotMinedBlocks == 0 {
				a.TxNotMinedBlocks = executor.DefaultNotMinedBlocks
			}
		}
	}
}

// applyEnv lets the environment override deployment specific values
func (c *Config) applyEnv() {
	c.APIPort = env.GetEnvString("KEEPER_API_PORT", c.APIPort)
	c.DevMode = env.GetEnvBool("KEEPER_DEV_MODE", c.DevMode)
	c.RedisURL = env.GetEnvString("KEEPER_REDIS_URL", c.RedisURL)
	c.KeystorePassword = env.GetEnvString("KEEPER_KEYSTORE_PASSWORD", "")

	for name, n := range c.Networks {
		n.RPC = env.GetEnvString(env.NetworkVarName(name, "RPC"), n.RPC)
		n.WS = env.GetEnvString(env.NetworkVarName(name, "WS"), n.WS)
		n.SubgraphURL = env.GetEnvString(env.NetworkVarName(name, "SUBGRAPH_URL"), n.SubgraphURL)
		if n.Flashbots != nil {
			n.Flashbots.SignerKey = env.GetEnvString(env.NetworkVarName(name, "FLASHBOTS_SIGNER_KEY"), n.Flashbots.SignerKey)
		}
	}
}
