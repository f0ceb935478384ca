package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danl5/gotracker/pkg/common"
	"github.com/danl5/gotracker/pkg/config"
	"github.com/danl5/gotracker/pkg/directory"
	"github.com/danl5/gotracker/pkg/model"
	"github.com/danl5/gotracker/pkg/storage"
	"github.com/danl5/gotracker/pkg/transport/memory"
)

func testConfig() *config.Config {
	return &config.Config{
		ElectTimeout:      100 * time.Millisecond,
		HeartBeatInterval: 20 * time.Millisecond,
		CallTimeout:       50 * time.Millisecond,
		PullConcurrency:   2,
	}
}

func newTestConsensus(t *testing.T, id uint64, network *memory.Network, dir directory.Directory, store storage.Store) *Consensus {
	t.Helper()
	c, err := NewConsensus(model.Node{
		ID:          id,
		Address:     fmt.Sprintf("peer-%d", id),
		Incarnation: uuid.NewString(),
	}, network.Transport(), nil, dir, store, testConfig(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func nextEvent(c *Consensus) (nodeEvent, bool) {
	select {
	case ev := <-c.eventChan:
		return ev, true
	default:
		return nodeEvent{}, false
	}
}

func TestNewConsensus(t *testing.T) {
	network := memory.NewNetwork()
	_, err := NewConsensus(model.Node{Address: "peer-1"}, network.Transport(), nil,
		directory.NewMemory(), storage.NewMemory(nil), nil, slog.Default())
	assert.Error(t, err, "missing id")

	_, err = NewConsensus(model.Node{ID: 1, Address: "peer-1"}, network.Transport(), nil,
		directory.NewMemory(), storage.NewMemory(nil), nil, nil)
	assert.Error(t, err, "missing logger")

	_, err = NewConsensus(model.Node{ID: 1, Address: "peer-1"}, network.Transport(), nil,
		directory.NewMemory(), storage.NewMemory(nil),
		&config.Config{ElectTimeout: time.Second, HeartBeatInterval: 2 * time.Second, CallTimeout: time.Second, PullConcurrency: 1},
		slog.Default())
	assert.Error(t, err, "heartbeat slower than the deadline")

	c, err := NewConsensus(model.Node{ID: 1, Address: "peer-1"}, network.Transport(), nil,
		directory.NewMemory(), storage.NewMemory(nil), nil, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, model.NodeStateFollower, c.CurrentState())
	assert.Equal(t, uint64(0), c.Epoch())
	assert.False(t, c.IsTracker())
	assert.Contains(t, c.Visualize(), model.NodeStateTracker.String())
}

func TestConsensus_HeartBeat(t *testing.T) {
	tests := []struct {
		name      string
		epoch     uint64
		role      model.NodeState
		claim     uint64
		args      *model.HeartBeatRequest
		result    *model.HeartBeatResponse
		wantEvent *nodeEvent
	}{
		{
			name:  "normal_heartbeat",
			epoch: 1,
			role:  model.NodeStateFollower,
			args:  &model.HeartBeatRequest{TrackerID: 9, Epoch: 2},
			result: &model.HeartBeatResponse{
				Ok:      true,
				Epoch:   2,
				Message: common.HeartbeatOk.String(),
			},
		},
		{
			name:  "expired_heartbeat",
			epoch: 2,
			role:  model.NodeStateFollower,
			args:  &model.HeartBeatRequest{TrackerID: 9, Epoch: 1},
			result: &model.HeartBeatResponse{
				Ok:      false,
				Epoch:   2,
				Message: common.HeartbeatExpired.String(),
			},
		},
		{
			name:  "tracker_of_same_epoch",
			epoch: 2,
			role:  model.NodeStateTracker,
			claim: 2,
			args:  &model.HeartBeatRequest{TrackerID: 9, Epoch: 2},
			result: &model.HeartBeatResponse{
				Ok:      false,
				Epoch:   2,
				Message: common.HeartbeatTrackerExist.String(),
			},
		},
		{
			name:  "tracker_sees_newer_epoch",
			epoch: 1,
			role:  model.NodeStateTracker,
			claim: 1,
			args:  &model.HeartBeatRequest{TrackerID: 9, Epoch: 3},
			result: &model.HeartBeatResponse{
				Ok:      true,
				Epoch:   3,
				Message: common.HeartbeatOk.String(),
			},
			wantEvent: &nodeEvent{event: model.EventNewTerm, epoch: 3},
		},
		{
			name:  "candidate_meets_tracker",
			epoch: 2,
			role:  model.NodeStateCandidate,
			claim: 2,
			args:  &model.HeartBeatRequest{TrackerID: 9, Epoch: 2},
			result: &model.HeartBeatResponse{
				Ok:      true,
				Epoch:   2,
				Message: common.HeartbeatOk.String(),
			},
			wantEvent: &nodeEvent{event: model.EventNewLeader, epoch: 2},
		},
		{
			name:  "down_peer",
			epoch: 1,
			role:  model.NodeStateDown,
			args:  &model.HeartBeatRequest{TrackerID: 9, Epoch: 2},
			result: &model.HeartBeatResponse{
				Ok:      false,
				Epoch:   1,
				Message: common.HeartbeatExpired.String(),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConsensus(t, 1, memory.NewNetwork(), directory.NewMemory(), storage.NewMemory(nil))
			c.epoch, c.role, c.claimEpoch = tt.epoch, tt.role, tt.claim

			reply := &model.HeartBeatResponse{}
			err := c.HeartBeat(model.Node{ID: 9, Address: "peer-9"}, tt.args, reply)
			require.NoError(t, err)
			assert.Equal(t, tt.result, reply)

			ev, ok := nextEvent(c)
			if tt.wantEvent == nil {
				assert.False(t, ok, "unexpected event %v", ev)
				return
			}
			require.True(t, ok)
			assert.Equal(t, *tt.wantEvent, ev)
		})
	}
}

func TestConsensus_HeartBeatRecordsTracker(t *testing.T) {
	c := newTestConsensus(t, 1, memory.NewNetwork(), directory.NewMemory(), storage.NewMemory(nil))
	c.rearm(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	require.True(t, c.expired(time.Now()))

	reply := &model.HeartBeatResponse{}
	require.NoError(t, c.HeartBeat(model.Node{ID: 9, Address: "peer-9", Incarnation: "a"},
		&model.HeartBeatRequest{TrackerID: 9, Epoch: 4}, reply))
	assert.True(t, reply.Ok)
	assert.Equal(t, "peer-9", c.Tracker())
	assert.Equal(t, uint64(4), c.Epoch())
	assert.False(t, c.expired(time.Now()), "heartbeat resets the failure detector")
}

func TestEpochState_HeartbeatChanged(t *testing.T) {
	s := newEpochState()
	require.True(t, s.adoptTracker(directory.Tracker{Epoch: 2, Address: "peer-2"}))

	ref := trackerRef{ID: 2, Address: "peer-2", Incarnation: "a"}
	assert.True(t, s.acceptHeartbeat(2, ref).changed, "tracker taken from the directory")
	assert.False(t, s.acceptHeartbeat(2, ref).changed)

	s.markUnannounced("peer-3")
	assert.False(t, s.acceptHeartbeat(2, ref).changed, "another address is left alone")
	s.markUnannounced("peer-2")
	assert.True(t, s.acceptHeartbeat(2, ref).changed)

	ref.Incarnation = "b"
	assert.True(t, s.acceptHeartbeat(2, ref).changed, "tracker restarted")
}

func TestConsensus_ReannounceAfterFailedAnnounce(t *testing.T) {
	network := memory.NewNetwork()
	dir := directory.NewMemory()
	c := newTestConsensus(t, 1, network, dir, storage.NewMemory(map[string][]byte{"a.txt": []byte("alpha")}))

	require.True(t, c.acceptHeartbeat(2, trackerRef{ID: 2, Address: "peer-2", Incarnation: "a"}).ok)
	require.Error(t, c.announceFiles(context.Background()), "tracker not reachable yet")

	tracker := &stubPeer{}
	startStubPeer(t, network, dir, 2, tracker)

	reply := &model.HeartBeatResponse{}
	require.NoError(t, c.HeartBeat(model.Node{ID: 2, Address: "peer-2", Incarnation: "a"},
		&model.HeartBeatRequest{TrackerID: 2, Epoch: 2}, reply))
	assert.True(t, reply.Ok)

	require.Eventually(t, func() bool { return len(tracker.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.UpdateRegistryRequest{PeerID: 1, Files: []string{"a.txt"}}, tracker.received()[0])
}

func TestConsensus_RequestVote(t *testing.T) {
	tests := []struct {
		name       string
		epoch      uint64
		role       model.NodeState
		claim      uint64
		votedEpoch uint64
		votedFor   uint64
		args       *model.RequestVoteRequest
		result     *model.RequestVoteResponse
		wantEvent  *nodeEvent
	}{
		{
			name:  "grant",
			epoch: 1,
			role:  model.NodeStateFollower,
			args:  &model.RequestVoteRequest{CandidateID: 2, Epoch: 2},
			result: &model.RequestVoteResponse{
				Vote:    true,
				Epoch:   2,
				Message: common.VoteOk.String(),
			},
		},
		{
			name:  "expired_epoch",
			epoch: 3,
			role:  model.NodeStateFollower,
			args:  &model.RequestVoteRequest{CandidateID: 2, Epoch: 2},
			result: &model.RequestVoteResponse{
				Vote:    false,
				Epoch:   3,
				Message: common.VoteEpochExpired.String(),
			},
		},
		{
			name:       "voted_for_another",
			epoch:      2,
			role:       model.NodeStateFollower,
			votedEpoch: 2,
			votedFor:   3,
			args:       &model.RequestVoteRequest{CandidateID: 2, Epoch: 2},
			result: &model.RequestVoteResponse{
				Vote:    false,
				Epoch:   2,
				Message: common.VoteHaveVoted.String(),
			},
		},
		{
			name:       "same_candidate_again",
			epoch:      2,
			role:       model.NodeStateFollower,
			votedEpoch: 2,
			votedFor:   2,
			args:       &model.RequestVoteRequest{CandidateID: 2, Epoch: 2},
			result: &model.RequestVoteResponse{
				Vote:    true,
				Epoch:   2,
				Message: common.VoteOk.String(),
			},
		},
		{
			name:       "tracker_demoted_by_newer_epoch",
			epoch:      1,
			role:       model.NodeStateTracker,
			claim:      1,
			votedEpoch: 1,
			votedFor:   1,
			args:       &model.RequestVoteRequest{CandidateID: 2, Epoch: 2},
			result: &model.RequestVoteResponse{
				Vote:    true,
				Epoch:   2,
				Message: common.VoteOk.String(),
			},
			wantEvent: &nodeEvent{event: model.EventNewTerm, epoch: 2},
		},
		{
			name:       "candidate_of_same_epoch",
			epoch:      2,
			role:       model.NodeStateCandidate,
			claim:      2,
			votedEpoch: 2,
			votedFor:   1,
			args:       &model.RequestVoteRequest{CandidateID: 2, Epoch: 2},
			result: &model.RequestVoteResponse{
				Vote:    false,
				Epoch:   2,
				Message: common.VoteHaveVoted.String(),
			},
		},
		{
			name:  "down_peer",
			epoch: 1,
			role:  model.NodeStateDown,
			args:  &model.RequestVoteRequest{CandidateID: 2, Epoch: 5},
			result: &model.RequestVoteResponse{
				Vote:    false,
				Epoch:   1,
				Message: common.VoteShuttingDown.String(),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConsensus(t, 1, memory.NewNetwork(), directory.NewMemory(), storage.NewMemory(nil))
			c.epoch, c.role, c.claimEpoch = tt.epoch, tt.role, tt.claim
			c.votedEpoch, c.votedFor = tt.votedEpoch, tt.votedFor

			reply := &model.RequestVoteResponse{}
			require.NoError(t, c.RequestVote(tt.args, reply))
			assert.Equal(t, tt.result, reply)

			ev, ok := nextEvent(c)
			if tt.wantEvent == nil {
				assert.False(t, ok, "unexpected event %v", ev)
				return
			}
			require.True(t, ok)
			assert.Equal(t, *tt.wantEvent, ev)
		})
	}
}

func TestConsensus_OneVotePerEpoch(t *testing.T) {
	c := newTestConsensus(t, 1, memory.NewNetwork(), directory.NewMemory(), storage.NewMemory(nil))

	granted := 0
	for candidate := uint64(2); candidate <= 6; candidate++ {
		reply := &model.RequestVoteResponse{}
		require.NoError(t, c.RequestVote(&model.RequestVoteRequest{CandidateID: candidate, Epoch: 7}, reply))
		if reply.Vote {
			granted++
		}
	}
	assert.Equal(t, 1, granted)
}

func TestQuorum(t *testing.T) {
	for n := 1; n <= 9; n++ {
		q := Quorum(n)
		assert.LessOrEqual(t, q, n, "n=%d", n)
		// two disjoint quorums would need more than n peers
		assert.Greater(t, 2*q, n, "n=%d", n)
	}
	assert.Equal(t, 3, Quorum(5))
	assert.Equal(t, 3, Quorum(4))
	assert.Equal(t, 1, Quorum(1))
}

func TestConsensus_StaleEvents(t *testing.T) {
	c := newTestConsensus(t, 1, memory.NewNetwork(), directory.NewMemory(), storage.NewMemory(nil))
	c.fsm.SetState(model.NodeStateCandidate.String())
	c.epoch, c.claimEpoch, c.role = 4, 3, model.NodeStateCandidate

	c.handleEvent(nodeEvent{event: model.EventMajorityVotes, epoch: 3})
	assert.Equal(t, model.NodeStateCandidate, c.CurrentState(), "votes of an overtaken epoch")

	c.handleEvent(nodeEvent{event: model.EventElectionLost, epoch: 2})
	assert.Equal(t, model.NodeStateCandidate, c.CurrentState(), "result of an older election")

	c.handleEvent(nodeEvent{event: model.EventNewTerm, epoch: 3})
	assert.Equal(t, model.NodeStateCandidate, c.CurrentState(), "epoch not newer than the claim")

	c.handleEvent(nodeEvent{event: model.EventHeartbeatTimeout, epoch: 4})
	assert.Equal(t, model.NodeStateCandidate, c.CurrentState(), "illegal in candidate")

	c.handleEvent(nodeEvent{event: model.EventNewLeader, epoch: 4})
	assert.Equal(t, model.NodeStateFollower, c.CurrentState())

	c.handleEvent(nodeEvent{event: model.EventHeartbeatTimeout, epoch: 4})
	assert.Equal(t, model.NodeStateFollower, c.CurrentState(), "fresh deadline has not expired")
}

func TestConsensus_NonTrackerCommands(t *testing.T) {
	c := newTestConsensus(t, 1, memory.NewNetwork(), directory.NewMemory(),
		storage.NewMemory(map[string][]byte{"a.txt": []byte("alpha")}))

	reply := &model.UpdateRegistryResponse{}
	require.NoError(t, c.UpdateRegistry(&model.UpdateRegistryRequest{PeerID: 2, Files: []string{"b"}}, reply))
	assert.False(t, reply.Ok)
	assert.Equal(t, common.RegistryNotTracker.String(), reply.Message)

	resp := &model.Response{}
	require.NoError(t, c.HandleRequest(&model.Request{
		CommandCode: model.LookupFile,
		Command:     &model.LookupFileRequest{Filename: "a.txt", Forwarded: true},
	}, resp))
	assert.Equal(t, model.ErrorNotTracker.Error(), resp.Error)
	assert.Equal(t, model.ErrorNotTracker, remoteError(resp.Error))

	_, err := c.LookupFile(context.Background(), "a.txt")
	assert.ErrorIs(t, err, model.ErrorNoTracker)

	resp = &model.Response{}
	assert.ErrorIs(t, c.HandleRequest(&model.Request{CommandCode: model.CommandCode(99)}, resp), model.ErrorBadCommand)

	resp = &model.Response{}
	require.NoError(t, c.HandleRequest(&model.Request{
		CommandCode: model.GetFileContent,
		Command:     &model.FileContentRequest{Filename: "a.txt"},
	}, resp))
	content := resp.CommandResponse.(*model.FileContentResponse)
	assert.True(t, content.Found)
	assert.Equal(t, []byte("alpha"), content.Content)

	resp = &model.Response{}
	require.NoError(t, c.HandleRequest(&model.Request{
		CommandCode: model.GetFileContent,
		Command:     &model.FileContentRequest{Filename: "../etc/passwd"},
	}, resp))
	assert.False(t, resp.CommandResponse.(*model.FileContentResponse).Found)

	resp = &model.Response{}
	require.NoError(t, c.HandleRequest(&model.Request{CommandCode: model.State}, resp))
	state := resp.CommandResponse.(*model.NodeWithState)
	assert.Equal(t, uint64(1), state.Node.ID)
	assert.Equal(t, model.NodeStateFollower, state.State)
}

func TestConsensus_SinglePeerElection(t *testing.T) {
	dir := directory.NewMemory()
	c := newTestConsensus(t, 1, memory.NewNetwork(), dir,
		storage.NewMemory(map[string][]byte{"a.txt": []byte("alpha")}))

	transitions, err := c.Run()
	require.NoError(t, err)
	go func() {
		for range transitions {
		}
	}()

	addr, err := dir.Lookup(context.Background(), directory.PeerName(1))
	require.NoError(t, err)
	assert.Equal(t, "peer-1", addr)

	require.Eventually(t, c.IsTracker, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), c.Epoch())

	addr, err = dir.Lookup(context.Background(), directory.TrackerName(1))
	require.NoError(t, err)
	assert.Equal(t, "peer-1", addr)

	peers, err := c.LookupFile(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, peers)

	entries, err := c.ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.RegistryEntry{{PeerID: 1, Files: []string{"a.txt"}}}, entries)

	require.NoError(t, c.Stop())
	assert.Equal(t, model.NodeStateDown, c.CurrentState())
	assert.False(t, c.IsTracker())
}

func TestConsensus_RunRegisterFailure(t *testing.T) {
	network := memory.NewNetwork()
	c := newTestConsensus(t, 1, network, failingDirectory{directory.NewMemory()}, storage.NewMemory(nil))
	_, err := c.Run()
	assert.Error(t, err)

	// the transport was released
	other := network.Transport()
	assert.NoError(t, other.Start("peer-1", func(*model.Request, *model.Response) error { return nil }, nil))
}

type failingDirectory struct {
	*directory.Memory
}

func (failingDirectory) Register(context.Context, string, string) error {
	return fmt.Errorf("directory unavailable")
}
