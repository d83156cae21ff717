// Package contracts provides the data model shared by the mbus packages.
//
// This package defines:
//   - Node: one exchange or queue in a topology graph, linked to its parent by id
//   - MessageContext: the per-operation value that flows through a handler chain
//   - Message: a payload published to or received from the broker
//   - ValidationError: the typed error returned for malformed contexts and nodes
//
// A node set is flat. Parent/child structure is expressed only through
// ParentID, with RootParentID marking nodes that hang off the root:
//
//	nodes := []contracts.Node{
//		{ID: "1", ParentID: contracts.RootParentID, Kind: contracts.KindExchange,
//			Name: "root", BrokerName: "exchange.root", ExchangeKind: contracts.ExchangeTopic},
//		{ID: "2", ParentID: "1", Kind: contracts.KindQueue,
//			Name: "orders", BrokerName: "queue.orders", RoutingKey: "orders.#"},
//	}
package contracts
