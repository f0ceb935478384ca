package gotracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danl5/gotracker/pkg/directory"
	"github.com/danl5/gotracker/pkg/model"
	"github.com/danl5/gotracker/pkg/storage"
	"github.com/danl5/gotracker/pkg/transport/memory"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type testCluster struct {
	t       *testing.T
	network *memory.Network
	dir     *directory.Memory
	peers   map[uint64]*Peer
	stores  map[uint64]*storage.Memory
}

func newTestCluster(t *testing.T) *testCluster {
	return &testCluster{
		t:       t,
		network: memory.NewNetwork(),
		dir:     directory.NewMemory(),
		peers:   make(map[uint64]*Peer),
		stores:  make(map[uint64]*storage.Memory),
	}
}

func (tc *testCluster) start(id uint64, files map[string][]byte, callBacks *StateCallBacks) *Peer {
	tc.t.Helper()
	store := storage.NewMemory(files)
	p, err := NewPeer(tc.network.Transport(), nil, tc.dir, store, &PeerConfig{
		ElectTimeout:      150,
		HeartBeatInterval: 30,
		CallTimeout:       60,
		Node:              Node{ID: id, Address: address(id)},
		CallBacks:         callBacks,
		CallBackTimeout:   1,
	}, slog.Default())
	require.NoError(tc.t, err)
	require.NoError(tc.t, p.Run())
	tc.t.Cleanup(func() { _ = p.Stop() })

	tc.peers[id] = p
	tc.stores[id] = store
	return p
}

// trackers returns the ids of the peers that consider themselves tracker.
func (tc *testCluster) trackers(ids ...uint64) []uint64 {
	var out []uint64
	for _, id := range ids {
		if tc.peers[id].IsTracker() {
			out = append(out, id)
		}
	}
	return out
}

func address(id uint64) string {
	return fmt.Sprintf("peer-%d", id)
}

func TestNewPeer(t *testing.T) {
	network := memory.NewNetwork()
	_, err := NewPeer(network.Transport(), nil, directory.NewMemory(), storage.NewMemory(nil), nil, nil)
	assert.Error(t, err)

	_, err = NewPeer(network.Transport(), nil, directory.NewMemory(), storage.NewMemory(nil),
		&PeerConfig{Node: Node{Address: "peer-1"}}, nil)
	assert.Error(t, err, "id is required")

	p, err := NewPeer(network.Transport(), nil, directory.NewMemory(), storage.NewMemory(nil),
		&PeerConfig{Node: Node{ID: 1, Address: "peer-1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStateFollower.String(), p.CurrentState())
	assert.NoError(t, p.Stop())
}

func TestPeer_TrackerFailover(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()

	tc.start(1, map[string][]byte{"file-1.txt": []byte("1"), "common.txt": []byte("c")}, nil)
	require.Eventually(t, tc.peers[1].IsTracker, waitFor, tick)
	require.Equal(t, uint64(1), tc.peers[1].Epoch())

	tc.start(2, map[string][]byte{"file-2.txt": []byte("2"), "common.txt": []byte("c")}, nil)
	for id := uint64(3); id <= 5; id++ {
		tc.start(id, map[string][]byte{fmt.Sprintf("file-%d.txt", id): []byte("x")}, nil)
	}

	require.Eventually(t, func() bool {
		entries, err := tc.peers[3].ListAll(ctx)
		return err == nil && len(entries) == 5
	}, waitFor, tick)

	peers, err := tc.peers[4].LookupFile(ctx, "common.txt")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, peers)
	assert.Equal(t, []uint64{1}, tc.trackers(1, 2, 3, 4, 5))

	// the tracker becomes unreachable
	tc.network.Disconnect(address(1))

	require.Eventually(t, func() bool {
		survivors := tc.trackers(2, 3, 4, 5)
		if len(survivors) != 1 {
			return false
		}
		tracker := survivors[0]
		epoch := tc.peers[tracker].Epoch()
		if epoch <= 1 {
			return false
		}
		addr, err := tc.dir.Lookup(ctx, directory.TrackerName(epoch))
		return err == nil && addr == address(tracker)
	}, waitFor, tick)

	_, err = tc.dir.Lookup(ctx, directory.TrackerName(1))
	assert.ErrorIs(t, err, directory.ErrNotFound, "older tracker names are removed")

	// every survivor resolves lookups through the new tracker
	require.Eventually(t, func() bool {
		for id := uint64(2); id <= 5; id++ {
			peers, err := tc.peers[id].LookupFile(ctx, "file-3.txt")
			if err != nil || len(peers) != 1 || peers[0] != 3 {
				return false
			}
		}
		return true
	}, waitFor, tick)

	// the old tracker rejoins, learns the newer epoch and follows
	tc.network.Reconnect(address(1))
	require.Eventually(t, func() bool {
		return !tc.peers[1].IsTracker() && tc.peers[1].Tracker() != address(1)
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		peers, err := tc.peers[1].LookupFile(ctx, "common.txt")
		return err == nil && assert.ObjectsAreEqual([]uint64{1, 2}, peers)
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return len(tc.trackers(1, 2, 3, 4, 5)) == 1
	}, waitFor, tick)
}

func TestPeer_Download(t *testing.T) {
	tc := newTestCluster(t)
	ctx := context.Background()
	content := []byte("some bytes \x00\x01\x02 of a song")

	tc.start(1, nil, nil)
	require.Eventually(t, tc.peers[1].IsTracker, waitFor, tick)
	tc.start(2, map[string][]byte{"song.mp3": content}, nil)
	tc.start(3, nil, nil)

	require.Eventually(t, func() bool {
		peers, err := tc.peers[3].LookupFile(ctx, "song.mp3")
		return err == nil && len(peers) == 1 && peers[0] == 2
	}, waitFor, tick)

	require.NoError(t, tc.peers[3].Download(ctx, "song.mp3", 2))

	got, err := tc.stores[3].Read("song.mp3")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	files, err := tc.peers[3].LocalFiles()
	require.NoError(t, err)
	assert.Contains(t, files, "song.mp3")

	require.Eventually(t, func() bool {
		peers, err := tc.peers[1].LookupFile(ctx, "song.mp3")
		return err == nil && assert.ObjectsAreEqual([]uint64{2, 3}, peers)
	}, waitFor, tick)

	err = tc.peers[3].Download(ctx, "song.mp3", 9)
	assert.ErrorIs(t, err, model.ErrorUnknownPeer)
	err = tc.peers[3].Download(ctx, "missing.mp3", 2)
	assert.ErrorIs(t, err, model.ErrorFileNotFound)
	err = tc.peers[3].Download(ctx, "../song.mp3", 2)
	assert.ErrorIs(t, err, storage.ErrInvalidName)
	assert.Error(t, tc.peers[3].Download(ctx, "song.mp3", 3))
}

func TestPeer_ClusterState(t *testing.T) {
	tc := newTestCluster(t)

	tc.start(1, nil, nil)
	require.Eventually(t, tc.peers[1].IsTracker, waitFor, tick)
	tc.start(2, nil, nil)
	tc.start(3, nil, nil)

	require.Eventually(t, func() bool {
		return tc.peers[2].Tracker() == address(1) && tc.peers[3].Tracker() == address(1)
	}, waitFor, tick)

	states, err := tc.peers[2].ClusterState(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 3)

	var ids []uint64
	for id, st := range states {
		ids = append(ids, id)
		if id == 1 {
			assert.Equal(t, model.NodeStateTracker, st.State)
		} else {
			assert.Equal(t, model.NodeStateFollower, st.State)
			assert.Equal(t, address(1), st.Tracker)
		}
		assert.Equal(t, uint64(1), st.Epoch)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestPeer_CallBacks(t *testing.T) {
	tc := newTestCluster(t)
	entered := make(chan model.StateTransition, 10)
	down := make(chan struct{}, 1)

	p := tc.start(1, nil, &StateCallBacks{
		EnterTracker: func(_ context.Context, st model.StateTransition) error {
			entered <- st
			return nil
		},
		LeaveFollower: func(context.Context, model.StateTransition) error {
			return errors.New("follower callback failed")
		},
		EnterDown: func(context.Context, model.StateTransition) error {
			down <- struct{}{}
			return nil
		},
	})

	select {
	case st := <-entered:
		assert.Equal(t, model.NodeStateTracker, st.State)
		assert.Equal(t, model.NodeStateCandidate, st.SrcState)
		assert.Equal(t, uint64(1), st.Epoch)
	case <-time.After(waitFor):
		t.Fatal("tracker callback not called")
	}

	select {
	case err := <-p.Errors():
		assert.EqualError(t, err, "follower callback failed")
	case <-time.After(waitFor):
		t.Fatal("callback error not reported")
	}

	require.NoError(t, p.Stop())
	assert.Equal(t, model.NodeStateDown.String(), p.CurrentState())
	select {
	case <-down:
	default:
		t.Fatal("down callback not called before Stop returned")
	}
}
