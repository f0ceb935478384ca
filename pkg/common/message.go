package common

// VoteResponseMessage is the message used to indicate the reason in the response to the voting request
type VoteResponseMessage string

const (
	// VoteOk represents a vote in agreement
	VoteOk VoteResponseMessage = `ok`
	// VoteEpochExpired represents the epoch of the candidate has expired
	VoteEpochExpired VoteResponseMessage = `epoch has expired`
	// VoteHaveVoted represents that a vote has already been cast in this epoch
	VoteHaveVoted VoteResponseMessage = `have voted`
	// VoteShuttingDown represents a peer that is going offline
	VoteShuttingDown VoteResponseMessage = `shutting down`
)

func (v VoteResponseMessage) String() string {
	return string(v)
}

// HeartbeatMessage is the message used to indicate the reason in the response to the heartbeat request
type HeartbeatMessage string

const (
	// HeartbeatOk represents that the heartbeat is normal
	HeartbeatOk HeartbeatMessage = `ok`
	// HeartbeatExpired represents that the epoch has fallen behind
	HeartbeatExpired HeartbeatMessage = `epoch has expired`
	// HeartbeatTrackerExist represents that the receiver is itself tracker for that epoch
	HeartbeatTrackerExist HeartbeatMessage = `tracker exist`
)

func (h HeartbeatMessage) String() string {
	return string(h)
}

// RegistryMessage is the message used in the response to a registry update
type RegistryMessage string

const (
	// RegistryOk represents an applied update
	RegistryOk RegistryMessage = `ok`
	// RegistryNotTracker represents an update sent to a peer that is not the tracker
	RegistryNotTracker RegistryMessage = `not tracker`
)

func (r RegistryMessage) String() string {
	return string(r)
}
