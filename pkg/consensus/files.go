package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/danl5/gotracker/pkg/directory"
	"github.com/danl5/gotracker/pkg/model"
	"github.com/danl5/gotracker/pkg/storage"
)

// localFiles lists the shared directory, a listing failure advertises nothing.
func (c *Consensus) localFiles() []string {
	files, err := c.store.List()
	if err != nil {
		c.logger.Error("failed to list local files", "error", err.Error())
		return []string{}
	}
	return files
}

// LocalFiles returns the names of the files this peer shares.
func (c *Consensus) LocalFiles() ([]string, error) {
	return c.store.List()
}

// GetFileList returns the local file set
func (c *Consensus) GetFileList(reply *model.FileListResponse) error {
	files, err := c.store.List()
	if err != nil {
		return err
	}
	reply.Files = files
	return nil
}

// GetFileContent returns the bytes of a local file
func (c *Consensus) GetFileContent(args *model.FileContentRequest, reply *model.FileContentResponse) error {
	data, err := c.store.Read(args.Filename)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidName):
		*reply = model.FileContentResponse{Found: false}
		return nil
	case err != nil:
		return err
	}
	*reply = model.FileContentResponse{Found: true, Content: data}
	return nil
}

// Download fetches filename from the peer source, stores it locally and
// announces the grown file set to the tracker.
func (c *Consensus) Download(ctx context.Context, filename string, source uint64) error {
	if err := storage.ValidName(filename); err != nil {
		return err
	}
	if source == c.node.ID {
		return fmt.Errorf("download %s: peer %d is this peer", filename, source)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	address, err := c.directory.Lookup(lookupCtx, directory.PeerName(source))
	cancel()
	if errors.Is(err, directory.ErrNotFound) {
		return fmt.Errorf("download %s: %w %d", filename, model.ErrorUnknownPeer, source)
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", filename, err)
	}

	resp := &model.FileContentResponse{}
	err = c.call(ctx, address, model.GetFileContent, &model.FileContentRequest{Filename: filename}, resp)
	if err != nil {
		return fmt.Errorf("download %s from peer %d: %w", filename, source, err)
	}
	if !resp.Found {
		return fmt.Errorf("download %s from peer %d: %w", filename, source, model.ErrorFileNotFound)
	}
	if err := c.store.Write(filename, resp.Content); err != nil {
		return fmt.Errorf("store %s: %w", filename, err)
	}
	c.logger.Info("file downloaded", "file", filename, "source", source, "size", len(resp.Content))

	// the tracker also pulls file lists, a failed announcement is repaired later
	if err := c.announceFiles(ctx); err != nil {
		c.logger.Warn("failed to announce files", "error", err.Error())
	}
	return nil
}

// ClusterState asks every registered peer for its state. Peers that do not
// answer are missing from the result and reported in the error.
func (c *Consensus) ClusterState(ctx context.Context) (map[uint64]*model.NodeWithState, error) {
	self := &model.NodeWithState{}
	_ = c.State(self)
	states := map[uint64]*model.NodeWithState{c.node.ID: self}

	peers, err := c.otherPeers(ctx)
	if err != nil {
		return states, err
	}

	stateMap := sync.Map{}
	g := errgroup.Group{}
	for id, address := range peers {
		id, address := id, address
		g.Go(func() error {
			stateResponse := &model.NodeWithState{}
			if err := c.call(ctx, address, model.State, nil, stateResponse); err != nil {
				return fmt.Errorf("failed to get peer state, peer %d: %w", id, err)
			}
			stateMap.Store(id, stateResponse)
			return nil
		})
	}
	err = g.Wait()
	if err != nil {
		c.logger.Warn("get cluster state error", "error", err.Error())
	}

	stateMap.Range(func(key, value any) bool {
		states[key.(uint64)] = value.(*model.NodeWithState)
		return true
	})
	return states, err
}
