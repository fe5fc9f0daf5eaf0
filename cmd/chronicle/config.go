package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/chronicle/pkg/types"
)

// nodeConfig is the on-disk shape of a chronicle node's bootstrap config.
// A production multi-node deployment would additionally need a
// network-backed agent.Agent implementation (gRPC, HTTP, whatever the
// transport layer is) in place of the in-process BoltAgent this binary
// uses; wiring one is out of scope here, so Voters realistically only
// supports a single entry (the node's own id) until such a transport
// exists.
type nodeConfig struct {
	NodeID        string                    `yaml:"nodeId"`
	HistoryID     string                    `yaml:"historyId"`
	DataDir       string                    `yaml:"dataDir"`
	MetricsAddr   string                    `yaml:"metricsAddr"`
	Voters        []string                  `yaml:"voters"`
	StateMachines map[string]map[string]any `yaml:"stateMachines"`
}

func loadNodeConfig(path string) (*nodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg nodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("config: nodeId is required")
	}
	if cfg.HistoryID == "" {
		return nil, fmt.Errorf("config: historyId is required")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = "127.0.0.1:9090"
	}
	if len(cfg.Voters) == 0 {
		cfg.Voters = []string{cfg.NodeID}
	}
	return &cfg, nil
}

// toConfig renders the node's initial stable types.Config from its YAML
// state-machine declarations.
func (c *nodeConfig) toConfig() (types.Config, error) {
	sms := make(map[string]types.RsmConfig, len(c.StateMachines))
	for name, raw := range c.StateMachines {
		b, err := json.Marshal(raw)
		if err != nil {
			return types.Config{}, fmt.Errorf("encode state machine %q config: %w", name, err)
		}
		sms[name] = types.RsmConfig(b)
	}
	return types.Config{Voters: c.Voters, StateMachines: sms}, nil
}
