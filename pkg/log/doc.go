/*
Package log provides structured logging for the consensus core using
zerolog.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	log.WithComponent("proposer").Info().Str("term", term.String()).Msg("elected")

Component loggers (WithComponent, WithHistory, WithTerm, WithRSM) attach
fields consistently so a Proposer's and an RSM's log lines can be correlated
by historyId/term across a cluster.
*/
package log
