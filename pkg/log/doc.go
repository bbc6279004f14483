/*
Package log provides structured logging for the router core using zerolog.

Every subsystem (shard registry, catalog cache, chunk router, transaction
coordinator, config server) obtains a component-tagged child logger via
WithComponent and logs JSON in production, or a console-formatted stream in
development, depending on how Init was configured.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	logger := log.WithComponent("catalog-cache")
	logger.Info().Str("nss", "app.orders").Msg("refresh started")
*/
package log
