/*
Package handler implements the message context pipeline.

A Chain runs Handlers in a fixed order. Every handler receives the context and
an explicit continuation; it may fail, continue, or stop the chain quietly.

	chain := handler.NewChain(logger,
		handler.NewParamValidator(logger),
		handler.NewAuthorize(handler.AllowAll{}),
		handler.NewLogging(logger),
		handler.NewPublisher(channels, logger),
		handler.NewConsumer(channels, logger),
	)

	err := chain.Handle(ctx, contracts.NewProduceContext(appKey, node, msg))

ParamValidator goes first so malformed contexts never lease a channel.
Publisher and Consumer are terminal: each acts on its own carry type and
passes the other through.
*/
package handler
