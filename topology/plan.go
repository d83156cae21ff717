package topology

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/glimte/mbus-go/broker"
	"github.com/glimte/mbus-go/contracts"
)

// Queue arguments understood by RabbitMQ
const (
	ArgMaxLength      = "x-max-length"
	ArgMaxLengthBytes = "x-max-length-bytes"
	ArgExpires        = "x-expires"
	ArgMessageTTL     = "x-message-ttl"
)

// Op is a single broker operation of a plan
type Op string

const (
	OpDeclareExchange Op = "declareExchange"
	OpBindExchange    Op = "bindExchange"
	OpDeleteQueue     Op = "deleteQueue"
	OpDeclareQueue    Op = "declareQueue"
	OpBindQueue       Op = "bindQueue"
)

// Step is one broker call. Name is the broker name of the entity the call
// declares, deletes or binds; Source is the exchange it is bound to.
type Step struct {
	Op         Op
	NodeID     string
	Name       string
	Kind       contracts.ExchangeKind
	Source     string
	RoutingKey string
	Args       broker.Table
}

func (s Step) String() string {
	switch s.Op {
	case OpBindExchange, OpBindQueue:
		return fmt.Sprintf("%s %s -> %s (%q)", s.Op, s.Name, s.Source, s.RoutingKey)
	case OpDeclareExchange:
		return fmt.Sprintf("%s %s (%s)", s.Op, s.Name, s.Kind)
	case OpDeclareQueue:
		if len(s.Args) == 0 {
			return fmt.Sprintf("%s %s", s.Op, s.Name)
		}
		keys := lo.Keys(s.Args)
		slices.Sort(keys)
		args := lo.Map(keys, func(k string, _ int) string { return fmt.Sprintf("%s=%v", k, s.Args[k]) })
		return fmt.Sprintf("%s %s [%s]", s.Op, s.Name, strings.Join(args, " "))
	default:
		return fmt.Sprintf("%s %s", s.Op, s.Name)
	}
}

// Skip records a node or binding left out of the physical plan
type Skip struct {
	NodeID string
	Reason string
}

// Plan is the ordered broker work for a node set. Exchanges and Queues are
// each run on one leased channel, exchanges first.
type Plan struct {
	Exchanges []Step
	Queues    []Step
	Skipped   []Skip
}

// Steps returns every step in execution order
func (p *Plan) Steps() []Step {
	return append(slices.Clone(p.Exchanges), p.Queues...)
}

// Empty reports whether the plan issues no broker call
func (p *Plan) Empty() bool {
	return len(p.Exchanges) == 0 && len(p.Queues) == 0
}

// Build validates nodes and orders them parent before child. It performs no
// broker I/O and does not keep a reference to nodes.
func Build(nodes []contracts.Node) (*Plan, error) {
	if err := validate(nodes); err != nil {
		return nil, err
	}

	ordered, err := sortByParent(nodes)
	if err != nil {
		return nil, err
	}

	byID := lo.KeyBy(nodes, func(n contracts.Node) string { return n.ID })
	exchanges := lo.Filter(ordered, func(n contracts.Node, _ int) bool { return n.IsExchange() })
	queues := lo.Filter(ordered, func(n contracts.Node, _ int) bool { return n.IsQueue() })

	plan := &Plan{}

	// all exchanges are declared before the first exchange bind
	for _, n := range exchanges {
		if n.Virtual {
			plan.Skipped = append(plan.Skipped, Skip{NodeID: n.ID, Reason: "virtual exchange"})
			continue
		}
		plan.Exchanges = append(plan.Exchanges, Step{
			Op:     OpDeclareExchange,
			NodeID: n.ID,
			Name:   n.BrokerName,
			Kind:   exchangeKind(n),
		})
	}
	for _, n := range exchanges {
		if n.Virtual || n.IsRoot() {
			continue
		}
		parent := byID[n.ParentID]
		if parent.Virtual {
			plan.Skipped = append(plan.Skipped, Skip{NodeID: n.ID, Reason: "bound to virtual exchange " + parent.ID})
			continue
		}
		plan.Exchanges = append(plan.Exchanges, Step{
			Op:         OpBindExchange,
			NodeID:     n.ID,
			Name:       n.BrokerName,
			Source:     parent.BrokerName,
			RoutingKey: n.RoutingKey,
		})
	}

	var binds []Step
	for _, n := range queues {
		if n.Virtual {
			plan.Skipped = append(plan.Skipped, Skip{NodeID: n.ID, Reason: "virtual queue"})
			continue
		}
		if n.TTL > 0 || n.TTLPerMsg > 0 {
			plan.Queues = append(plan.Queues, Step{Op: OpDeleteQueue, NodeID: n.ID, Name: n.BrokerName})
		}
		plan.Queues = append(plan.Queues, Step{
			Op:     OpDeclareQueue,
			NodeID: n.ID,
			Name:   n.BrokerName,
			Args:   QueueArguments(n),
		})

		if n.IsRoot() {
			continue
		}
		parent := byID[n.ParentID]
		if parent.Virtual {
			plan.Skipped = append(plan.Skipped, Skip{NodeID: n.ID, Reason: "bound to virtual exchange " + parent.ID})
			continue
		}
		binds = append(binds, Step{
			Op:         OpBindQueue,
			NodeID:     n.ID,
			Name:       n.BrokerName,
			Source:     parent.BrokerName,
			RoutingKey: n.RoutingKey,
		})
	}
	plan.Queues = append(plan.Queues, binds...)

	return plan, nil
}

// QueueArguments returns the declare arguments for a queue node
func QueueArguments(n contracts.Node) broker.Table {
	args := broker.Table{}
	if n.Threshold > 0 {
		args[ArgMaxLength] = n.Threshold
		if n.MsgBodySize > 0 {
			args[ArgMaxLengthBytes] = n.Threshold * n.MsgBodySize
		}
	}
	if n.TTL > 0 {
		args[ArgExpires] = n.TTL
	}
	if n.TTLPerMsg > 0 {
		args[ArgMessageTTL] = n.TTLPerMsg
	}
	return args
}

func exchangeKind(n contracts.Node) contracts.ExchangeKind {
	if n.ExchangeKind == "" {
		return contracts.ExchangeDirect
	}
	return n.ExchangeKind
}

func validate(nodes []contracts.Node) error {
	if dups := lo.FindDuplicatesBy(nodes, func(n contracts.Node) string { return n.ID }); len(dups) > 0 {
		return invalid(dups[0].ID, dups[0].ParentID, "duplicate id")
	}

	byID := lo.KeyBy(nodes, func(n contracts.Node) string { return n.ID })
	for _, n := range nodes {
		switch {
		case n.ID == "":
			return invalid(n.ID, n.ParentID, "empty id")
		case n.Kind != contracts.KindExchange && n.Kind != contracts.KindQueue:
			return invalid(n.ID, n.ParentID, "kind must be exchange or queue")
		case n.BrokerName == "" && (n.IsQueue() || !n.Virtual):
			return invalid(n.ID, n.ParentID, "value (broker name) is required")
		case n.IsExchange() && n.ExchangeKind != "" && !n.ExchangeKind.Valid():
			return invalid(n.ID, n.ParentID, fmt.Sprintf("unknown router type %q", n.ExchangeKind))
		}

		if n.IsRoot() {
			continue
		}
		parent, ok := byID[n.ParentID]
		if !ok {
			return unresolved(n.ID, n.ParentID, "parent not found")
		}
		if !parent.IsExchange() {
			return invalid(n.ID, n.ParentID, "parent must be an exchange")
		}
	}
	return nil
}

// sortByParent is Kahn's algorithm over the parent edge. Among nodes that are
// ready at the same time the one listed first goes first.
func sortByParent(nodes []contracts.Node) ([]contracts.Node, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}

	children := make(map[int][]int, len(nodes))
	var ready []int
	for i, n := range nodes {
		if n.IsRoot() {
			ready = append(ready, i)
			continue
		}
		p, ok := index[n.ParentID]
		if !ok {
			return nil, unresolved(n.ID, n.ParentID, "parent not found")
		}
		children[p] = append(children[p], i)
	}

	ordered := make([]contracts.Node, 0, len(nodes))
	visited := make([]bool, len(nodes))
	for len(ready) > 0 {
		slices.Sort(ready)
		i := ready[0]
		ready = ready[1:]
		visited[i] = true
		ordered = append(ordered, nodes[i])
		ready = append(ready, children[i]...)
	}

	if len(ordered) < len(nodes) {
		i := slices.Index(visited, false)
		return nil, unresolved(nodes[i].ID, nodes[i].ParentID, "cycle")
	}
	return ordered, nil
}
