// Package keeper wires configured networks and agents into a running node:
// one network loop per chain, one agent per contract, the status API and
// the periodic status publisher.
package keeper

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/trigg3rX/power-agent-node/internal/keeper/agent"
	"github.com/trigg3rX/power-agent-node/internal/keeper/api"
	"github.com/trigg3rX/power-agent-node/internal/keeper/config"
	"github.com/trigg3rX/power-agent-node/internal/keeper/datasource"
	"github.com/trigg3rX/power-agent-node/internal/keeper/executor"
	"github.com/trigg3rX/power-agent-node/internal/keeper/job"
	"github.com/trigg3rX/power-agent-node/internal/keeper/metrics"
	"github.com/trigg3rX/power-agent-node/internal/keeper/network"
	"github.com/trigg3rX/power-agent-node/internal/keeper/store"
	"github.com/trigg3rX/power-agent-node/pkg/client/chainclient"
	kerrors "github.com/trigg3rX/power-agent-node/pkg/errors"
	"github.com/trigg3rX/power-agent-node/pkg/http"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

const systemMetricsSchedule = "@every 15s"

// KeySource decrypts the worker key stored at a keystore path
type KeySource interface {
	Load(path string) (*ecdsa.PrivateKey, error)
}

type runtime struct {
	net    *network.Network
	client chainclient.ChainClient
	agents []*agent.Agent
}

type Keeper struct {
	cfg     *config.Config
	logger  logging.Logger
	keys    KeySource
	version string

	// dial is swapped in tests
	dial func(ctx context.Context, n *config.NetworkConfig, logger logging.Logger) (chainclient.ChainClient, error)

	store    store.Store
	http     http.JSONPoster
	runtimes []*runtime
	fatal    chan *kerrors.FatalError
	wg       sync.WaitGroup
}

func New(cfg *config.Config, keys KeySource, logger logging.Logger, version string) (*Keeper, error) {
	httpClient, err := http.NewHTTPClient(http.DefaultHTTPRetryConfig(), logger)
	if err != nil {
		return nil, err
	}
	return &Keeper{
		cfg:     cfg,
		logger:  logger,
		keys:    keys,
		version: version,
		dial:    dialChain,
		http:    httpClient,
		fatal:   make(chan *kerrors.FatalError, 1),
	}, nil
}

func dialChain(ctx context.Context, n *config.NetworkConfig, logger logging.Logger) (chainclient.ChainClient, error) {
	cfg := chainclient.NewConfig(n.RPC, logger)
	if n.WS != "" {
		cfg = cfg.WithWebSocket(n.WS)
	}
	return chainclient.NewClient(ctx, cfg)
}

// Run starts every network and agent, serves the API and blocks until ctx
// is cancelled or a fatal fault is reported. A fatal fault is returned so
// the process exits non-zero.
func (k *Keeper) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	k.store = store.New(store.RedisConfig{URL: k.cfg.RedisURL, TTL: k.cfg.StatusTTL}, k.logger.With("component", "store"))
	defer k.store.Close()

	if err := k.startNetworks(ctx); err != nil {
		cancel()
		k.wg.Wait()
		k.closeClients()
		return err
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", k.cfg.StatusInterval), func() { k.publishStatus(ctx) }); err != nil {
		cancel()
		k.wg.Wait()
		k.closeClients()
		return fmt.Errorf("failed to schedule status publisher: %w", err)
	}
	if _, err := scheduler.AddFunc(systemMetricsSchedule, metrics.CollectSystemMetrics); err != nil {
		cancel()
		k.wg.Wait()
		k.closeClients()
		return fmt.Errorf("failed to schedule system metrics: %w", err)
	}

	server := api.NewServer(api.Config{Port: k.cfg.APIPort}, api.Dependencies{
		Logger:  k.logger.With("component", "api"),
		Source:  k,
		Store:   k.store,
		Version: k.version,
	})
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()
	scheduler.Start()
	k.logger.Info("Keeper running", "networks", len(k.runtimes), "api_port", k.cfg.APIPort)

	var runErr error
	select {
	case <-ctx.Done():
		k.logger.Info("Shutting down")
	case f := <-k.fatal:
		k.logger.Error("Fatal fault, shutting down", "source", f.Source, "reason", f.Reason, "error", f.Err)
		runErr = f
	case err := <-serverErr:
		if err != nil {
			runErr = err
		}
	}

	<-scheduler.Stop().Done()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := server.Stop(shutdownCtx); err != nil {
		k.logger.Warn("API server shutdown failed", "error", err)
	}
	cancel()
	k.wg.Wait()
	k.closeClients()
	return runErr
}

// startNetworks brings up every network. Failures are collected so one
// run reports every misconfigured chain.
func (k *Keeper) startNetworks(ctx context.Context) error {
	var result *multierror.Error
	for _, n := range k.cfg.SortedNetworks() {
		rt, err := k.startNetwork(ctx, n)
		if rt != nil {
			k.runtimes = append(k.runtimes, rt)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("network %s: %w", n.Name, err))
		}
	}
	return result.ErrorOrNil()
}

func (k *Keeper) startNetwork(ctx context.Context, n *config.NetworkConfig) (*runtime, error) {
	logger := k.logger.With("network", n.Name)
	client, err := k.dial(ctx, n, logger)
	if err != nil {
		return nil, err
	}
	net, err := network.New(network.Config{
		Name:              n.Name,
		Multicall:         n.MulticallAddress(),
		AverageBlockTime:  n.AverageBlockTime(),
		MaxBlockDelay:     n.MaxBlockDelayDuration(),
		ResolverBatchSize: n.ResolverBatchSize,
	}, client, k.logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := net.Init(ctx); err != nil {
		client.Close()
		return nil, err
	}

	rt := &runtime{net: net, client: client}
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		if err := net.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Network loop stopped", "error", err)
		}
	}()
	<-net.Running()

	var result *multierror.Error
	for _, a := range n.SortedAgents() {
		ag, err := k.startAgent(ctx, n, net, client, a)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("agent %s: %w", a.Address.Hex(), err))
			continue
		}
		rt.agents = append(rt.agents, ag)
	}
	return rt, result.ErrorOrNil()
}

func (k *Keeper) startAgent(ctx context.Context, n *config.NetworkConfig, net *network.Network, client chainclient.ChainClient, a *config.AgentConfig) (*agent.Agent, error) {
	logger := k.logger.With("network", n.Name, "agent", a.Address.Hex())

	key, err := k.keys.Load(a.Keystore)
	if err != nil {
		return nil, err
	}
	signer := executor.NewSigner(key)

	source, err := k.newSource(n, a, client, logger)
	if err != nil {
		return nil, err
	}

	exec, err := k.newExecutor(ctx, n, a, net, client, signer)
	if err != nil {
		return nil, err
	}

	strategy, err := job.ParseStrategy(a.Strategy)
	if err != nil {
		return nil, err
	}
	ag, err := agent.New(agent.Config{
		Address:      a.Address,
		KeeperID:     a.KeeperID,
		Strategy:     strategy,
		KeeperConfig: a.KeeperConfig(),
	}, net, source, exec, signer.Address(), k.fatal, k.logger)
	if err != nil {
		return nil, err
	}
	if err := ag.Start(ctx); err != nil {
		return nil, err
	}
	return ag, nil
}

func (k *Keeper) newSource(n *config.NetworkConfig, a *config.AgentConfig, client chainclient.ChainClient, logger logging.Logger) (datasource.Source, error) {
	chain, err := datasource.NewBlockchainSource(datasource.BlockchainConfig{
		Agent:       a.Address,
		Lens:        n.LensAddress(),
		DeployBlock: a.DeployBlock,
	}, client, logger)
	if err != nil {
		return nil, err
	}
	if n.DataSource != datasource.KindSubgraph {
		return chain, nil
	}
	return datasource.NewSubgraphSource(datasource.SubgraphConfig{
		Network:        n.Name,
		URL:            n.SubgraphURL,
		MaxBlocksDelay: n.SubgraphMaxBlocksDelay,
	}, k.http, chain, logger)
}

func (k *Keeper) newExecutor(ctx context.Context, n *config.NetworkConfig, a *config.AgentConfig, net *network.Network, client chainclient.ChainClient, signer *executor.Signer) (executor.Executor, error) {
	params := executor.Params{
		Network:          n.Name,
		Agent:            a.Address,
		Client:           client,
		Loop:             net,
		Signer:           signer,
		ChainID:          net.ChainID(),
		AverageBlockTime: n.AverageBlockTime(),
		Fatal:            k.fatal,
		Logger:           k.logger,
	}
	if a.Executor != executor.KindFlashbots {
		return executor.NewPGAExecutor(ctx, params, a.TxNotMinedBlocks)
	}

	// the relay identifies senders by this key; it never holds funds
	var relaySigner *executor.Signer
	if n.Flashbots.SignerKey != "" {
		s, err := executor.NewSignerFromHex(n.Flashbots.SignerKey)
		if err != nil {
			return nil, err
		}
		relaySigner = s
	} else {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		relaySigner = executor.NewSigner(key)
	}
	relay := executor.NewRelayClient(n.Flashbots.RPC, k.http, relaySigner)
	return executor.NewFlashbotsExecutor(ctx, params, relay, executor.DefaultMaxBundleRetargets)
}

func (k *Keeper) closeClients() {
	for _, rt := range k.runtimes {
		rt.client.Close()
	}
}

// publishStatus writes every agent snapshot to the store
func (k *Keeper) publishStatus(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.StatusInterval)
	defer cancel()
	statuses, err := k.Agents(ctx, true)
	if err != nil {
		k.logger.Warn("Failed to read agent status", "error", err)
		metrics.StatusPublishErrorsTotal.Inc()
		return
	}
	for _, s := range statuses {
		if err := k.store.Save(ctx, s); err != nil {
			k.logger.Warn("Failed to publish agent status", "network", s.Network, "agent", s.Address, "error", err)
			metrics.StatusPublishErrorsTotal.Inc()
		}
	}
}

// Networks implements the API status source
func (k *Keeper) Networks(ctx context.Context) ([]network.Stats, error) {
	out := make([]network.Stats, 0, len(k.runtimes))
	for _, rt := range k.runtimes {
		var s network.Stats
		if err := rt.net.Exec(ctx, func() { s = rt.net.Stats() }); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Agents implements the API status source
func (k *Keeper) Agents(ctx context.Context, withJobs bool) ([]agent.Status, error) {
	var out []agent.Status
	for _, rt := range k.runtimes {
		for _, a := range rt.agents {
			s, err := a.Snapshot(ctx, withJobs)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
	}
	return out, nil
}
