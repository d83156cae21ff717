package topology

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCycleOrUnresolvedParent is matched by graph errors caused by a missing parent or a cycle
	ErrCycleOrUnresolvedParent = errors.New("topology: cycle or unresolved parent")
	// ErrInvalidNode is matched by graph errors caused by a malformed node
	ErrInvalidNode = errors.New("topology: invalid node")
	// ErrTopologyApplyFailure is matched by every broker failure during apply
	ErrTopologyApplyFailure = errors.New("topology: apply failed")
	// ErrDeleteAcknowledgementMissing is returned when the broker did not confirm a queue delete
	ErrDeleteAcknowledgementMissing = errors.New("topology: delete acknowledgement missing")
)

// GraphError reports a node set that cannot be planned. No broker call has
// been made when it is returned.
type GraphError struct {
	NodeID   string // Offending node
	ParentID string // Its parent reference
	Reason   string // What is wrong
	Err      error  // ErrCycleOrUnresolvedParent or ErrInvalidNode
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("topology graph error: node %q (parent %q): %s", e.NodeID, e.ParentID, e.Reason)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

func unresolved(nodeID, parentID, reason string) *GraphError {
	return &GraphError{NodeID: nodeID, ParentID: parentID, Reason: reason, Err: ErrCycleOrUnresolvedParent}
}

func invalid(nodeID, parentID, reason string) *GraphError {
	return &GraphError{NodeID: nodeID, ParentID: parentID, Reason: reason, Err: ErrInvalidNode}
}

// TopologyError represents a broker failure while applying a plan
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("topology apply error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrTopologyApplyFailure
func (e *TopologyError) Is(target error) bool {
	return target == ErrTopologyApplyFailure
}

// IsApplyFailure reports whether err came from a broker failure during apply
func IsApplyFailure(err error) bool {
	return errors.Is(err, ErrTopologyApplyFailure)
}
