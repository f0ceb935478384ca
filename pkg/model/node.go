package model

import (
	"errors"
)

// NodeState represents the role of a peer in the cluster.
type NodeState string

const (
	// NodeStateTracker tracker state, the elected coordinator owning the file directory
	NodeStateTracker NodeState = "tracker"
	// NodeStateFollower follower state
	NodeStateFollower NodeState = "follower"
	// NodeStateCandidate candidate state
	NodeStateCandidate NodeState = "candidate"
	// NodeStateDown down state
	NodeStateDown NodeState = "down"
)

func (n NodeState) String() string {
	return string(n)
}

// Node represents a peer instance
type Node struct {
	// ID is the globally unique peer identity, a small positive integer
	ID uint64 `json:"id"`
	// Address is where the peer's transport server listens
	Address string `json:"address"`
	// Incarnation changes every time the peer process starts
	Incarnation string `json:"incarnation,omitempty"`
}

func (n *Node) Validate() error {
	if n.ID == 0 {
		return errors.New("node ID must be a positive integer")
	}
	if n.Address == "" {
		return errors.New("node address is required")
	}
	return nil
}

// NodeWithState is a node together with its current role and epoch
type NodeWithState struct {
	Node    Node      `json:"node"`
	State   NodeState `json:"state"`
	Epoch   uint64    `json:"epoch"`
	Tracker string    `json:"tracker,omitempty"`
}
