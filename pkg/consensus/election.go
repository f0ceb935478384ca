package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/danl5/gotracker/pkg/directory"
	"github.com/danl5/gotracker/pkg/model"
)

// Quorum is the number of votes that decides an election among n peers.
// Two quorums of the same n always share a peer.
func Quorum(n int) int {
	return n/2 + 1
}

type electionResult struct {
	epoch uint64
	won   bool
}

// runFollower resolves the tracker, then watches the failure detector until
// the deadline passes without tracker contact.
func (c *Consensus) runFollower(ctx context.Context) {
	c.discoverTracker(ctx)

	tk := time.NewTicker(c.cfg.MonitorInterval())
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tk.C:
			if c.expired(now) {
				c.logger.Info("tracker contact lost", "epoch", c.currentEpoch(), "tracker", c.knownTracker().Address)
				c.sendEvent(model.EventHeartbeatTimeout, c.currentEpoch())
			}
		}
	}
}

// discoverTracker adopts the tracker with the highest published epoch and
// announces the local files to it.
func (c *Consensus) discoverTracker(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	entries, err := c.directory.List(callCtx, directory.TrackerPrefix)
	cancel()
	if err != nil {
		c.logger.Warn("failed to list trackers", "error", err.Error())
		return false
	}

	t, ok := directory.LatestTracker(entries)
	if !ok {
		c.logger.Info("no tracker published")
		return false
	}
	if t.Address == c.node.Address {
		// left over from an earlier tracker role of this peer, only its epoch counts
		c.observe(t.Epoch)
		return false
	}
	if !c.adoptTracker(t) {
		c.logger.Debug("published tracker is stale", "epoch", t.Epoch, "current", c.currentEpoch())
		return false
	}

	c.logger.Info("tracker discovered", "epoch", t.Epoch, "address", t.Address)
	if err := c.announceFiles(ctx); err != nil {
		c.logger.Warn("failed to announce files", "tracker", t.Address, "error", err.Error())
		return false
	}
	return true
}

func (c *Consensus) runCandidate(ctx context.Context) {
	v, _, _ := c.elections.Do("election", func() (any, error) {
		return c.startElection(ctx), nil
	})
	res := v.(electionResult)
	if ctx.Err() != nil {
		return
	}

	if !res.won {
		c.sendEvent(model.EventElectionLost, res.epoch)
		return
	}
	// the name goes out before the role so no peer ever sees an unpublished tracker
	if err := c.publishTracker(ctx, res.epoch); err != nil {
		c.logger.Error("failed to publish tracker", "epoch", res.epoch, "error", err.Error())
		c.sendEvent(model.EventElectionLost, res.epoch)
		return
	}
	if ctx.Err() != nil || c.currentEpoch() != res.epoch {
		c.logger.Info("election overtaken while publishing", "epoch", res.epoch, "current", c.currentEpoch())
		c.withdrawTracker(res.epoch)
		c.sendEvent(model.EventElectionLost, res.epoch)
		return
	}
	c.sendEvent(model.EventMajorityVotes, res.epoch)
}

// startElection runs one election round in a fresh epoch.
func (c *Consensus) startElection(ctx context.Context) electionResult {
	epoch := c.beginElection(c.node.ID)
	logger := c.logger.With("epoch", epoch, "round", uuid.NewString())
	res := electionResult{epoch: epoch}

	peers, err := c.otherPeers(ctx)
	if err != nil {
		logger.Error("failed to list peers", "error", err.Error())
		return res
	}

	quorum := Quorum(len(peers) + 1)
	votes := map[uint64]struct{}{c.node.ID: {}}
	logger.Info("start election", "peers", len(peers)+1, "quorum", quorum)
	if len(votes) >= quorum {
		res.won = true
		return res
	}

	voteChan := make(chan uint64, len(peers))
	go c.requestVotes(ctx, epoch, peers, voteChan)

	for {
		select {
		case <-ctx.Done():
			return res
		case id, ok := <-voteChan:
			if !ok {
				logger.Info("election lost", "votes", len(votes))
				return res
			}
			if c.currentEpoch() != epoch {
				logger.Info("election overtaken by a newer epoch", "current", c.currentEpoch())
				return res
			}
			votes[id] = struct{}{}
			if len(votes) >= quorum {
				logger.Info("received a quorum of votes", "votes", len(votes))
				res.won = true
				return res
			}
		}
	}
}

// requestVotes asks every peer for its vote in parallel and delivers the ids of
// the granting peers on voteChan, which is closed once every call settled.
func (c *Consensus) requestVotes(ctx context.Context, epoch uint64, peers map[uint64]string, voteChan chan<- uint64) {
	defer close(voteChan)

	g := errgroup.Group{}
	for id, address := range peers {
		id, address := id, address
		g.Go(func() error {
			resp := &model.RequestVoteResponse{}
			err := c.call(ctx, address, model.RequestVote, &model.RequestVoteRequest{
				CandidateID: c.node.ID,
				Epoch:       epoch,
			}, resp)
			if err != nil {
				return fmt.Errorf("request vote, peer %d: %w", id, err)
			}
			if resp.Epoch > epoch && c.observe(resp.Epoch) {
				c.logger.Info("peer is at a newer epoch", "peer", id, "epoch", resp.Epoch)
				c.sendEvent(model.EventNewTerm, resp.Epoch)
			}
			if !resp.Vote {
				c.logger.Info("peer refused the vote", "peer", id, "message", resp.Message)
				return nil
			}
			voteChan <- id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Debug("candidate, request voting error", "error", err.Error())
	}
}

// publishTracker binds Tracker_Epoch_<epoch> to this peer and removes the names
// of older epochs.
func (c *Consensus) publishTracker(ctx context.Context, epoch uint64) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	name := directory.TrackerName(epoch)
	if err := c.directory.Register(callCtx, name, c.node.Address); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}

	entries, err := c.directory.List(callCtx, directory.TrackerPrefix)
	if err != nil {
		c.logger.Warn("failed to list stale trackers", "error", err.Error())
		return nil
	}
	for stale := range entries {
		e, err := directory.ParseTrackerName(stale)
		if err != nil || e >= epoch {
			continue
		}
		if err := c.directory.Remove(callCtx, stale); err != nil {
			c.logger.Warn("failed to remove stale tracker", "name", stale, "error", err.Error())
		}
	}
	return nil
}

// withdrawTracker removes Tracker_Epoch_<epoch> if it still names this peer.
func (c *Consensus) withdrawTracker(epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()

	name := directory.TrackerName(epoch)
	address, err := c.directory.Lookup(ctx, name)
	if err != nil || address != c.node.Address {
		return
	}
	if err := c.directory.Remove(ctx, name); err != nil {
		c.logger.Warn("failed to withdraw tracker", "name", name, "error", err.Error())
		return
	}
	c.logger.Info("tracker withdrawn", "name", name)
}

// otherPeers lists the registered peers except this one.
func (c *Consensus) otherPeers(ctx context.Context) (map[uint64]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	entries, err := c.directory.List(callCtx, directory.PeerPrefix)
	if err != nil {
		return nil, err
	}
	peers := directory.Peers(entries)
	delete(peers, c.node.ID)
	return peers, nil
}
