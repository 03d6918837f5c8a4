/*
Package log provides structured logging for GatewaySync using zerolog.

A single global zerolog.Logger is initialized once via Init and shared by
every package. WithComponent attaches a component field without requiring
callers to pass a logger through every function signature.

Token values and full bridge URLs must never reach this package's fields —
callers redact them before calling Str/Msg, per the error-handling design's
"never logged in the clear" rule.

Typical use:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	queueLog := log.WithComponent("reverse-queue")
	queueLog.Warn().Str("event_id", ev.EventID).Msg("quarantined after 3 retries")
*/
package log
