/*
Package log provides structured logging for the grid using zerolog.

It wraps a single global zerolog.Logger, configured once via Init, with
helper constructors for the context fields the grid's subsystems attach
most often: node, cache, partition and continuous-query routine.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	log.Info("grid starting")

	partLog := log.WithPartition(42)
	partLog.Info().Str("state", "OWNING").Msg("partition transition")

	cqLog := log.WithRoutine(routineID)
	cqLog.Warn().Err(err).Msg("dropping buffered event, routine unsubscribed")

Prefer the With* constructors over ad-hoc .Str() calls at call sites that
recur throughout a subsystem (every partition-state-machine transition,
every continuous-query dispatch) so the field name and type stay
consistent; for one-off logs, Logger.Info()/.Error() directly is fine.

Never log cache values or deployed service bytes: both may be
application data the grid has no visibility into.
*/
package log
