package model

// NodeEvent represents the related events in the entire lifecycle of the peer,
// used to drive the peer Finite State Machine (FSM)
type NodeEvent string

const (
	// EventHeartbeatTimeout represents the follower failure detector expiring
	EventHeartbeatTimeout NodeEvent = "heartbeat_timeout"
	// EventMajorityVotes represents the candidate receiving a quorum of votes
	EventMajorityVotes NodeEvent = "majority_votes"
	// EventElectionLost represents the candidate failing to collect a quorum
	EventElectionLost NodeEvent = "election_lost"
	// EventNewLeader represents the candidate discovering a tracker for its epoch or a later one
	EventNewLeader NodeEvent = "new_leader"
	// EventNewTerm represents the peer observing a strictly higher epoch
	EventNewTerm NodeEvent = "new_term"
	// EventDown represents the peer going offline
	EventDown NodeEvent = "down"
)

func (n NodeEvent) String() string {
	return string(n)
}
