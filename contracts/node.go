package contracts

import (
	"fmt"
	"strings"
)

// RootParentID is the ParentID of nodes attached directly to the topology root
const RootParentID = "-1"

// NodeKind identifies what a node declares on the broker
type NodeKind int

const (
	// KindUnset is the zero value; such a node cannot be declared or addressed
	KindUnset NodeKind = iota
	// KindExchange declares an exchange
	KindExchange
	// KindQueue declares a queue
	KindQueue
)

// String returns the lower-case kind name
func (k NodeKind) String() string {
	switch k {
	case KindExchange:
		return "exchange"
	case KindQueue:
		return "queue"
	default:
		return "unset"
	}
}

// MarshalText implements encoding.TextMarshaler
func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *NodeKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "exchange", "0":
		*k = KindExchange
	case "queue", "1":
		*k = KindQueue
	case "", "unset":
		*k = KindUnset
	default:
		return fmt.Errorf("unknown node kind %q", string(text))
	}
	return nil
}

// ExchangeKind is the routing type of an exchange
type ExchangeKind string

const (
	ExchangeDirect  ExchangeKind = "direct"
	ExchangeTopic   ExchangeKind = "topic"
	ExchangeFanout  ExchangeKind = "fanout"
	ExchangeHeaders ExchangeKind = "headers"
)

// Valid reports whether k is a routing type the broker understands
func (k ExchangeKind) Valid() bool {
	switch k {
	case ExchangeDirect, ExchangeTopic, ExchangeFanout, ExchangeHeaders:
		return true
	}
	return false
}

// Node describes a single exchange or queue of a topology graph.
//
// Numeric limits use 0 for "not set". Threshold, MsgBodySize, TTL and TTLPerMsg
// only apply to queues; ExchangeKind only applies to exchanges.
type Node struct {
	ID           string       `json:"id" yaml:"id"`
	ParentID     string       `json:"parentId" yaml:"parentId"`
	Kind         NodeKind     `json:"kind" yaml:"kind"`
	Name         string       `json:"name" yaml:"name"`
	BrokerName   string       `json:"value" yaml:"value"`
	RoutingKey   string       `json:"routingKey,omitempty" yaml:"routingKey,omitempty"`
	Virtual      bool         `json:"virtual,omitempty" yaml:"virtual,omitempty"`
	ExchangeKind ExchangeKind `json:"routerType,omitempty" yaml:"routerType,omitempty"`
	Threshold    int64        `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	MsgBodySize  int64        `json:"msgBodySize,omitempty" yaml:"msgBodySize,omitempty"`
	TTL          int64        `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	TTLPerMsg    int64        `json:"ttlPerMsg,omitempty" yaml:"ttlPerMsg,omitempty"`
}

// IsRoot reports whether the node hangs off the topology root
func (n Node) IsRoot() bool {
	return n.ParentID == RootParentID
}

// IsExchange reports whether the node declares an exchange
func (n Node) IsExchange() bool {
	return n.Kind == KindExchange
}

// IsQueue reports whether the node declares a queue
func (n Node) IsQueue() bool {
	return n.Kind == KindQueue
}

// String returns a short description used in logs and errors
func (n Node) String() string {
	return fmt.Sprintf("%s %s (id=%s, value=%s)", n.Kind, n.Name, n.ID, n.BrokerName)
}
