package consensus

import (
	"sync"
	"time"

	"github.com/danl5/gotracker/pkg/common"
	"github.com/danl5/gotracker/pkg/directory"
	"github.com/danl5/gotracker/pkg/model"
)

// trackerRef is what a peer knows about the current tracker.
type trackerRef struct {
	ID          uint64
	Address     string
	Incarnation string
	Epoch       uint64
}

// epochState holds everything that vote granting, heartbeat acceptance and
// election start read-modify-write. All of it changes under mu only.
type epochState struct {
	mu sync.Mutex

	epoch uint64
	// votedEpoch and votedFor record the single vote of votedEpoch
	votedEpoch uint64
	votedFor   uint64

	role model.NodeState
	// claimEpoch is the epoch of the running election or of the held tracker role
	claimEpoch uint64

	tracker     trackerRef
	lastContact time.Time
	deadline    time.Duration
}

func newEpochState() *epochState {
	return &epochState{
		role:        model.NodeStateFollower,
		lastContact: time.Now(),
	}
}

func (s *epochState) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *epochState) setRole(role model.NodeState) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

func (s *epochState) claim() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimEpoch
}

// observe adopts epoch when it is higher than the known one.
func (s *epochState) observe(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch <= s.epoch {
		return false
	}
	s.epoch = epoch
	return true
}

type voteResult struct {
	granted bool
	// higher is set when the request carried an epoch above the known one
	higher bool
	epoch  uint64
	role   model.NodeState
	msg    common.VoteResponseMessage
}

// grantVote applies the one-vote-per-epoch rule. Granting counts as tracker
// contact so a voter does not start a competing election right away.
func (s *epochState) grantVote(candidate, epoch uint64) voteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := voteResult{role: s.role}
	if s.role == model.NodeStateDown {
		res.epoch, res.msg = s.epoch, common.VoteShuttingDown
		return res
	}
	if epoch < s.epoch {
		res.epoch, res.msg = s.epoch, common.VoteEpochExpired
		return res
	}
	if epoch > s.epoch {
		s.epoch = epoch
		res.higher = true
	}
	res.epoch = s.epoch
	if s.votedEpoch == epoch && s.votedFor != candidate {
		res.msg = common.VoteHaveVoted
		return res
	}

	s.votedEpoch = epoch
	s.votedFor = candidate
	s.lastContact = time.Now()
	res.granted = true
	res.msg = common.VoteOk
	return res
}

// beginElection moves to the next epoch and votes for self.
func (s *epochState) beginElection(self uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.votedEpoch = s.epoch
	s.votedFor = self
	s.claimEpoch = s.epoch
	return s.epoch
}

type heartbeatResult struct {
	ok    bool
	epoch uint64
	role  model.NodeState
	// changed is set when the cached tracker has not been sent the local files yet,
	// either because it is another tracker or because the last announcement failed
	changed bool
	msg     common.HeartbeatMessage
}

func (s *epochState) acceptHeartbeat(epoch uint64, ref trackerRef) heartbeatResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := heartbeatResult{role: s.role}
	switch {
	case s.role == model.NodeStateDown:
		res.epoch, res.msg = s.epoch, common.HeartbeatExpired
		return res
	case epoch < s.epoch:
		res.epoch, res.msg = s.epoch, common.HeartbeatExpired
		return res
	case s.role == model.NodeStateTracker && epoch <= s.claimEpoch:
		res.epoch, res.msg = s.epoch, common.HeartbeatTrackerExist
		return res
	}

	s.epoch = epoch
	res.changed = s.tracker.Address != ref.Address || s.tracker.Incarnation != ref.Incarnation
	ref.Epoch = epoch
	s.tracker = ref
	s.lastContact = time.Now()

	res.ok = true
	res.epoch = epoch
	res.msg = common.HeartbeatOk
	return res
}

// adoptTracker caches a tracker found in the directory unless it is older than
// the known epoch.
func (s *epochState) adoptTracker(t directory.Tracker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Epoch < s.epoch {
		return false
	}
	s.epoch = t.Epoch
	if s.tracker.Address != t.Address {
		s.tracker = trackerRef{Address: t.Address}
	}
	s.tracker.Epoch = t.Epoch
	return true
}

// markUnannounced clears the incarnation of the cached tracker at address so
// its next heartbeat triggers another announcement.
func (s *epochState) markUnannounced(address string) {
	s.mu.Lock()
	if s.tracker.Address == address {
		s.tracker.Incarnation = ""
	}
	s.mu.Unlock()
}

func (s *epochState) setSelfTracker(self model.Node, epoch uint64) {
	s.mu.Lock()
	s.tracker = trackerRef{ID: self.ID, Address: self.Address, Incarnation: self.Incarnation, Epoch: epoch}
	s.mu.Unlock()
}

func (s *epochState) knownTracker() trackerRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

// forgetTracker drops the cached tracker if it still points at address.
func (s *epochState) forgetTracker(address string) {
	s.mu.Lock()
	if s.tracker.Address == address {
		s.tracker = trackerRef{}
	}
	s.mu.Unlock()
}

// trackerEpoch reports the epoch this peer leads, false when it is not the
// tracker of the current epoch.
func (s *epochState) trackerEpoch() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != model.NodeStateTracker || s.claimEpoch != s.epoch {
		return 0, false
	}
	return s.claimEpoch, true
}

func (s *epochState) touch() {
	s.mu.Lock()
	s.lastContact = time.Now()
	s.mu.Unlock()
}

// rearm sets a fresh deadline counted from now.
func (s *epochState) rearm(deadline time.Duration) {
	s.mu.Lock()
	s.deadline = deadline
	s.lastContact = time.Now()
	s.mu.Unlock()
}

func (s *epochState) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastContact) >= s.deadline
}
