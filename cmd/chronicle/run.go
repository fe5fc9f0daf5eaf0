package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/chronicle/pkg/agent"
	"github.com/cuemby/chronicle/pkg/cluster"
	"github.com/cuemby/chronicle/pkg/events"
	"github.com/cuemby/chronicle/pkg/kvmod"
	"github.com/cuemby/chronicle/pkg/log"
	"github.com/cuemby/chronicle/pkg/metrics"
	"github.com/cuemby/chronicle/pkg/proposer"
	"github.com/cuemby/chronicle/pkg/rsm"
	"github.com/cuemby/chronicle/pkg/server"
	"github.com/cuemby/chronicle/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a chronicle node from a YAML config file",
	RunE:  runNode,
}

// mods maps a state machine name declared in the config's stateMachines
// block to the Mod implementation that serves it. kvmod is the only
// built-in mod today; additional ones register here.
var mods = map[string]func() rsm.Mod{
	"kv": func() rsm.Mod { return kvmod.New() },
}

func init() {
	runCmd.Flags().StringP("config", "f", "", "YAML config file (required)")
	_ = runCmd.MarkFlagRequired("config")
}

func runNode(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadNodeConfig(path)
	if err != nil {
		return err
	}
	initialConfig, err := cfg.toConfig()
	if err != nil {
		return err
	}

	logger := log.WithComponent("cmd")
	logger.Info().Str("node", cfg.NodeID).Str("history", cfg.HistoryID).Msg("starting chronicle node")

	reg := agent.NewRegistry()
	a, err := agent.NewBoltAgent(cfg.NodeID, types.HistoryID(cfg.HistoryID), reg, cfg.DataDir, initialConfig)
	if err != nil {
		return fmt.Errorf("open agent store: %w", err)
	}
	defer a.Close()

	liveness := cluster.NewStaticLiveness(cfg.Voters...)

	srv := server.New()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	srv.AttachBroker(broker)

	p := proposer.New(proposer.Config{
		Self:      cfg.NodeID,
		HistoryID: types.HistoryID(cfg.HistoryID),
		Term:      types.Term{Num: 1, LeaderID: cfg.NodeID},
		Agent:     a,
		Liveness:  liveness,
		Server:    srv,
	})
	srv.AttachProposer(p)

	runtimes := make([]*rsm.Runtime, 0, len(cfg.StateMachines))
	for name := range cfg.StateMachines {
		newMod, ok := mods[name]
		if !ok {
			return fmt.Errorf("no mod registered for state machine %q", name)
		}
		rt := rsm.New(rsm.Config{Name: name, Agent: a, Server: srv, Mod: newMod()})
		if err := rt.Start(); err != nil {
			return fmt.Errorf("start rsm %q: %w", name, err)
		}
		srv.AttachRsm(rt)
		runtimes = append(runtimes, rt)
		logger.Info().Str("rsm", name).Msg("rsm runtime started")
	}

	collector := metrics.NewCollector(p, rsmSources(runtimes), 0)
	collector.Start()
	defer collector.Stop()

	serveMetrics(cfg.MetricsAddr)
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

	p.Start()
	defer p.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")
	for _, rt := range runtimes {
		rt.Stop()
	}
	return nil
}

func rsmSources(runtimes []*rsm.Runtime) []metrics.RsmSource {
	out := make([]metrics.RsmSource, 0, len(runtimes))
	for _, rt := range runtimes {
		out = append(out, rt)
	}
	return out
}
