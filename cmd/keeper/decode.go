package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"

	"github.com/trigg3rX/power-agent-node/internal/keeper/job"
)

type decodedJob struct {
	LastExecutionAt uint32     `json:"last_execution_at"`
	IntervalSeconds uint32     `json:"interval_seconds"`
	CalldataSource  string     `json:"calldata_source"`
	FixedReward     uint32     `json:"fixed_reward"`
	RewardPct       uint16     `json:"reward_pct"`
	MaxBaseFeeGwei  uint16     `json:"max_base_fee_gwei"`
	Credits         string     `json:"credits"`
	Selector        string     `json:"selector"`
	Config          job.Config `json:"config"`
}

func decodeJobCommand() *cli.Command {
	return &cli.Command{
		Name:      "jobs",
		Aliases:   []string{"decode-job"},
		Usage:     "Decode a packed 32 byte job word",
		ArgsUsage: "<0x word>",
		Action:    decodeJob,
	}
}

func decodeJob(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected one job word, got %d arguments", c.NArg())
	}
	raw, err := job.DecodeRawJob(strings.TrimSpace(c.Args().First()))
	if err != nil {
		return err
	}
	out := decodedJob{
		LastExecutionAt: raw.LastExecutionAt,
		IntervalSeconds: raw.IntervalSeconds,
		CalldataSource:  raw.CalldataSource.String(),
		FixedReward:     raw.FixedReward,
		RewardPct:       raw.RewardPct,
		MaxBaseFeeGwei:  raw.MaxBaseFeeGwei,
		Credits:         raw.Credits.String(),
		Selector:        hexutil.Encode(raw.Selector[:]),
		Config:          raw.Config,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
