package consensus

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/danl5/gotracker/pkg/common"
	"github.com/danl5/gotracker/pkg/directory"
	"github.com/danl5/gotracker/pkg/model"
)

// pullFileLists rebuilds the registry of a new tracker from the file lists of
// every registered peer. Unreachable peers are left to announce themselves.
func (c *Consensus) pullFileLists(ctx context.Context, epoch uint64) {
	peers, err := c.otherPeers(ctx)
	if err != nil {
		c.logger.Warn("tracker, failed to list peers", "error", err.Error())
		return
	}

	g := errgroup.Group{}
	g.SetLimit(c.cfg.PullConcurrency)
	for id, address := range peers {
		id, address := id, address
		g.Go(func() error {
			resp := &model.FileListResponse{}
			if err := c.call(ctx, address, model.GetFileList, nil, resp); err != nil {
				return fmt.Errorf("get file list, peer %d: %w", id, err)
			}
			if current, ok := c.trackerEpoch(); !ok || current != epoch {
				return nil
			}
			if reg := c.trackerRegistry(); reg != nil {
				reg.Update(id, resp.Files)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Debug("tracker, pull file list error", "error", err.Error())
	}
	if reg := c.trackerRegistry(); reg != nil {
		c.logger.Info("registry rebuilt", "epoch", epoch, "peers", reg.Len())
	}
}

// announceFiles pushes the full local file list to the tracker. A successful
// announcement counts as tracker contact.
func (c *Consensus) announceFiles(ctx context.Context) error {
	files := c.localFiles()
	if reg := c.trackerRegistry(); reg != nil {
		reg.Update(c.node.ID, files)
		return nil
	}

	ref := c.knownTracker()
	if ref.Address == "" || ref.Address == c.node.Address {
		return model.ErrorNoTracker
	}
	resp := &model.UpdateRegistryResponse{}
	err := c.call(ctx, ref.Address, model.UpdateRegistry, &model.UpdateRegistryRequest{
		PeerID: c.node.ID,
		Files:  files,
	}, resp)
	if err != nil {
		c.markUnannounced(ref.Address)
		return err
	}
	if !resp.Ok {
		c.markUnannounced(ref.Address)
		return fmt.Errorf("%w: %s", model.ErrorNotTracker, resp.Message)
	}
	c.touch()
	return nil
}

// UpdateRegistry replaces the file list of a peer, only the tracker accepts it
func (c *Consensus) UpdateRegistry(args *model.UpdateRegistryRequest, reply *model.UpdateRegistryResponse) error {
	reg := c.trackerRegistry()
	if reg == nil {
		*reply = model.UpdateRegistryResponse{Ok: false, Message: common.RegistryNotTracker.String()}
		return nil
	}
	if reg.Update(args.PeerID, args.Files) {
		c.logger.Debug("registry updated", "peer", args.PeerID, "files", len(args.Files))
	}
	*reply = model.UpdateRegistryResponse{Ok: true, Message: common.RegistryOk.String()}
	return nil
}

// LookupFile returns the ids of the peers holding filename, asking the tracker
// when this peer is not the tracker.
func (c *Consensus) LookupFile(ctx context.Context, filename string) ([]uint64, error) {
	if reg := c.trackerRegistry(); reg != nil {
		return reg.Lookup(filename), nil
	}
	resp := &model.LookupFileResponse{}
	err := c.callTracker(ctx, model.LookupFile, &model.LookupFileRequest{Filename: filename, Forwarded: true}, resp)
	if err != nil {
		return nil, err
	}
	if resp.Peers == nil {
		resp.Peers = []uint64{}
	}
	return resp.Peers, nil
}

// ListAll returns the whole file directory.
func (c *Consensus) ListAll(ctx context.Context) ([]model.RegistryEntry, error) {
	if reg := c.trackerRegistry(); reg != nil {
		return reg.Snapshot(), nil
	}
	resp := &model.ListAllResponse{}
	err := c.callTracker(ctx, model.ListAll, &model.ListAllRequest{Forwarded: true}, resp)
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Consensus) handleLookupFile(args *model.LookupFileRequest, reply *model.LookupFileResponse) error {
	if args.Forwarded {
		reg := c.trackerRegistry()
		if reg == nil {
			// forwarding is one hop, a second one could loop between stale peers
			return model.ErrorNotTracker
		}
		reply.Peers = reg.Lookup(args.Filename)
		return nil
	}
	peers, err := c.LookupFile(c.ctx, args.Filename)
	if err != nil {
		return err
	}
	reply.Peers = peers
	return nil
}

func (c *Consensus) handleListAll(args *model.ListAllRequest, reply *model.ListAllResponse) error {
	if args.Forwarded {
		reg := c.trackerRegistry()
		if reg == nil {
			return model.ErrorNotTracker
		}
		reply.Entries = reg.Snapshot()
		return nil
	}
	entries, err := c.ListAll(c.ctx)
	if err != nil {
		return err
	}
	reply.Entries = entries
	return nil
}

// callTracker sends a command to the cached tracker, re-resolving it from the
// directory and retrying once when the cached one fails.
func (c *Consensus) callTracker(ctx context.Context, code model.CommandCode, command, target any) error {
	if ref := c.knownTracker(); ref.Address != "" && ref.Address != c.node.Address {
		err := c.call(ctx, ref.Address, code, command, target)
		if err == nil {
			return nil
		}
		c.logger.Debug("cached tracker failed", "tracker", ref.Address, "command", code.String(), "error", err.Error())
		c.forgetTracker(ref.Address)
	}

	address, err := c.resolveTracker(ctx)
	if err != nil {
		return err
	}
	return c.call(ctx, address, code, command, target)
}

// resolveTracker looks up the tracker with the highest published epoch,
// concurrent callers share one directory round trip.
func (c *Consensus) resolveTracker(ctx context.Context) (string, error) {
	v, err, _ := c.resolver.Do("tracker", func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		entries, err := c.directory.List(callCtx, directory.TrackerPrefix)
		if err != nil {
			return "", fmt.Errorf("resolve tracker: %w", err)
		}
		t, ok := directory.LatestTracker(entries)
		if !ok || t.Address == c.node.Address {
			return "", model.ErrorNoTracker
		}
		if !c.adoptTracker(t) {
			// an election for a newer epoch has not been published yet
			return "", model.ErrorNoTracker
		}
		return t.Address, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// call sends one command bounded by CallTimeout and decodes the reply into target.
func (c *Consensus) call(ctx context.Context, address string, code model.CommandCode, command, target any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	resp := &model.Response{}
	err := c.transport.SendRequest(callCtx, address, &model.Request{
		Header:      c.buildHeaders(),
		CommandCode: code,
		Command:     command,
	}, resp)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return remoteError(resp.Error)
	}
	if target == nil {
		return nil
	}
	if err := c.transport.Decode(resp.CommandResponse, target); err != nil {
		return fmt.Errorf("%s, bad response: %w", code.String(), err)
	}
	return nil
}

// remoteError maps an error string carried in a response back to the known errors.
func remoteError(msg string) error {
	for _, known := range []error{
		model.ErrorBadCommand,
		model.ErrorNotTracker,
		model.ErrorNoTracker,
		model.ErrorFileNotFound,
		model.ErrorUnknownPeer,
	} {
		if msg == known.Error() {
			return known
		}
	}
	return errors.New(msg)
}
