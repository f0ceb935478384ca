package consensus

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danl5/gotracker/pkg/common"
	"github.com/danl5/gotracker/pkg/model"
)

// runTracker broadcasts heartbeats every HeartBeatInterval until the role is
// left or a newer epoch shows up.
func (c *Consensus) runTracker(ctx context.Context, epoch uint64) {
	tk := time.NewTicker(c.cfg.HeartBeatInterval)
	defer tk.Stop()

	for {
		if current, ok := c.trackerEpoch(); !ok || current != epoch {
			c.logger.Info("tracker epoch superseded", "epoch", epoch, "current", c.currentEpoch())
			c.sendEvent(model.EventNewTerm, c.currentEpoch())
			return
		}

		c.sendHeartBeat(ctx, epoch)

		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
	}
}

// sendHeartBeat sends one heartbeat to every registered peer, failures are
// only logged since the broadcast repeats.
func (c *Consensus) sendHeartBeat(ctx context.Context, epoch uint64) {
	peers, err := c.otherPeers(ctx)
	if err != nil {
		c.logger.Warn("tracker, failed to list peers", "error", err.Error())
		return
	}

	g := errgroup.Group{}
	for id, address := range peers {
		id, address := id, address
		g.Go(func() error {
			c.logger.Debug("send heartbeat to peer", "peer", id)
			resp := &model.HeartBeatResponse{}
			err := c.call(ctx, address, model.HeartBeat, &model.HeartBeatRequest{
				TrackerID: c.node.ID,
				Epoch:     epoch,
			}, resp)
			if err != nil {
				return fmt.Errorf("heartbeat, peer %d: %w", id, err)
			}
			if !resp.Ok {
				if resp.Epoch > epoch && c.observe(resp.Epoch) {
					c.logger.Info("peer is at a newer epoch", "peer", id, "epoch", resp.Epoch)
				}
				return fmt.Errorf("heartbeat, peer %d response not ok, message %s", id, resp.Message)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Debug("tracker, heartbeat error", "error", err.Error())
	}
}

// HeartBeat handles a heartbeat from the tracker of args.Epoch
func (c *Consensus) HeartBeat(from model.Node, args *model.HeartBeatRequest, reply *model.HeartBeatResponse) error {
	c.logger.Debug("receive heartbeat", "from", args.TrackerID, "epoch", args.Epoch)

	res := c.acceptHeartbeat(args.Epoch, trackerRef{
		ID:          args.TrackerID,
		Address:     from.Address,
		Incarnation: from.Incarnation,
	})
	if !res.ok {
		c.logger.Info("heartbeat refused", "from", args.TrackerID, "epoch", args.Epoch,
			"current", res.epoch, "reason", res.msg.String())
		model.HBResponse(reply, false, res.epoch, res.msg.String())
		return nil
	}

	switch res.role {
	case model.NodeStateTracker:
		// a tracker of a newer epoch exists
		c.sendEvent(model.EventNewTerm, args.Epoch)
	case model.NodeStateCandidate:
		c.sendEvent(model.EventNewLeader, args.Epoch)
	case model.NodeStateFollower:
		if res.changed {
			c.logger.Info("follow new tracker", "tracker", args.TrackerID, "epoch", args.Epoch)
			go c.reannounce()
		}
	}

	model.HBResponse(reply, true, res.epoch, common.HeartbeatOk.String())
	return nil
}

// RequestVote handles a vote request from a candidate
func (c *Consensus) RequestVote(args *model.RequestVoteRequest, reply *model.RequestVoteResponse) error {
	res := c.grantVote(args.CandidateID, args.Epoch)
	c.logger.Info("receive vote request", "from", args.CandidateID, "epoch", args.Epoch,
		"granted", res.granted, "reason", res.msg.String())

	if res.higher && (res.role == model.NodeStateTracker || res.role == model.NodeStateCandidate) {
		// the epoch moved past the running election or tracker role
		c.sendEvent(model.EventNewTerm, args.Epoch)
	}

	model.VoteResponse(reply, res.granted, res.epoch, res.msg.String())
	return nil
}

func (c *Consensus) reannounce() {
	if err := c.announceFiles(c.ctx); err != nil {
		c.logger.Warn("failed to announce files", "error", err.Error())
	}
}
