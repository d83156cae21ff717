// Package topology turns a flat set of exchange and queue nodes into broker
// declarations.
//
// Build orders the nodes parent before child with an explicit topological
// sort and produces a Plan without touching the broker. A Planner executes
// plans on channels leased from a broker.ChannelPool: all exchange work runs
// on one lease, all queue work on another. Virtual nodes are never declared
// or bound.
package topology
