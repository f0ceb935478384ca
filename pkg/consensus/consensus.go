package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/sync/singleflight"

	"github.com/danl5/gotracker/pkg/config"
	"github.com/danl5/gotracker/pkg/directory"
	"github.com/danl5/gotracker/pkg/model"
	"github.com/danl5/gotracker/pkg/registry"
	"github.com/danl5/gotracker/pkg/storage"
)

const (
	eventBufferSize      = 16
	transitionBufferSize = 64
	shutdownWait         = 5 * time.Second
)

func NewConsensus(
	node model.Node,
	trans model.Transport,
	transConfig model.TransportConfig,
	dir directory.Directory,
	store storage.Store,
	cfg *config.Config,
	logger *slog.Logger) (*Consensus, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("new consensus, logger is nil")
	}
	if trans == nil || dir == nil || store == nil {
		return nil, fmt.Errorf("new consensus, transport, directory and store are required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new consensus, %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consensus{
		epochState:      newEpochState(),
		cfg:             cfg,
		logger:          logger.With("component", "consensus", "peer", node.ID),
		node:            node,
		transport:       trans,
		transportConfig: transConfig,
		directory:       dir,
		store:           store,
		eventChan:       make(chan nodeEvent, eventBufferSize),
		nodeStateChan:   make(chan model.StateTransition, transitionBufferSize),
		downChan:        make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
	// initialize the peer FSM
	c.initializeFsm()
	return c, nil
}

// Consensus drives the role of one peer: follower, candidate, tracker or down.
type Consensus struct {
	// epochState holds the epoch, vote and failure detector state
	*epochState

	cfg    *config.Config
	logger *slog.Logger

	node model.Node
	// fsm is the finite state machine of the peer, only the event loop drives it
	fsm             *fsm.FSM
	transport       model.Transport
	transportConfig model.TransportConfig
	directory       directory.Directory
	store           storage.Store

	// registry is the file directory, non-nil only while this peer is tracker
	regMu    sync.RWMutex
	registry *registry.Registry

	eventChan     chan nodeEvent
	nodeStateChan chan model.StateTransition
	downChan      chan struct{}

	// roleCancel stops the goroutines of the current role
	roleCancel context.CancelFunc
	roleWg     sync.WaitGroup

	elections singleflight.Group
	resolver  singleflight.Group

	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
	stopOnce sync.Once
}

// nodeEvent is an FSM event tagged with the epoch it was raised in.
type nodeEvent struct {
	event model.NodeEvent
	epoch uint64
}

// Run starts the transport, registers the peer in the directory and enters the
// follower state.
// Returns a channel of state transitions, closed after Stop.
func (c *Consensus) Run() (<-chan model.StateTransition, error) {
	err := c.transport.Start(c.node.Address, c.HandleRequest, c.transportConfig)
	if err != nil {
		c.logger.Error("failed to start transport server", "error", err.Error())
		return nil, err
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.CallTimeout)
	err = c.directory.Register(ctx, directory.PeerName(c.node.ID), c.node.Address)
	cancel()
	if err != nil {
		c.logger.Error("failed to register peer", "error", err.Error())
		_ = c.transport.Stop()
		return nil, fmt.Errorf("register %s: %w", directory.PeerName(c.node.ID), err)
	}

	// the FSM starts in follower, its enter callback is not fired for the initial state
	c.enterFollower(c.ctx, &fsm.Event{Dst: model.NodeStateFollower.String()})
	c.running.Store(true)
	c.runEventHandler()

	c.logger.Info("consensus started", "address", c.node.Address)
	return c.nodeStateChan, nil
}

// Stop moves the peer to down and closes the transport.
func (c *Consensus) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		if !c.running.Load() {
			c.cancel()
			return
		}
		c.sendEvent(model.EventDown, c.currentEpoch())
		drained := true
		select {
		case <-c.downChan:
		case <-time.After(shutdownWait):
			drained = false
			c.logger.Warn("down state not reached in time")
		}
		c.cancel()
		if drained {
			c.roleWg.Wait()
		}
		err = c.transport.Stop()
		c.logger.Info("consensus stopped")
	})
	return err
}

// State return current peer state
func (c *Consensus) State(reply *model.NodeWithState) error {
	*reply = model.NodeWithState{
		Node:    c.node,
		State:   c.CurrentState(),
		Epoch:   c.currentEpoch(),
		Tracker: c.knownTracker().Address,
	}
	return nil
}

// CurrentState returns the current peer state.
func (c *Consensus) CurrentState() model.NodeState {
	return model.NodeState(c.fsm.Current())
}

// Epoch returns the highest epoch this peer knows of.
func (c *Consensus) Epoch() uint64 {
	return c.currentEpoch()
}

// IsTracker reports whether this peer is the tracker of its current epoch.
func (c *Consensus) IsTracker() bool {
	_, ok := c.trackerEpoch()
	return ok
}

// Tracker returns the address of the tracker this peer currently follows.
func (c *Consensus) Tracker() string {
	return c.knownTracker().Address
}

// Visualize returns a visualization of the peer state machine in Graphviz format.
func (c *Consensus) Visualize() string {
	return fsm.Visualize(c.fsm)
}

func (c *Consensus) buildHeaders() model.Header {
	return model.Header{Node: c.node}
}

// randomDeadline draws a follower deadline from [ElectTimeout, 2*ElectTimeout).
func (c *Consensus) randomDeadline() time.Duration {
	return c.cfg.ElectTimeout + time.Duration(rand.Int63n(int64(c.cfg.ElectTimeout)))
}

func (c *Consensus) startRole() context.Context {
	ctx, cancel := context.WithCancel(c.ctx)
	c.roleCancel = cancel
	return ctx
}

func (c *Consensus) stopRole() {
	if c.roleCancel != nil {
		c.roleCancel()
		c.roleCancel = nil
	}
}

func (c *Consensus) goRole(f func()) {
	c.roleWg.Add(1)
	go func() {
		defer c.roleWg.Done()
		f()
	}()
}

func (c *Consensus) enterFollower(_ context.Context, ev *fsm.Event) {
	c.logger.Info("become follower", "epoch", c.currentEpoch())
	c.setRole(model.NodeStateFollower)
	c.rearm(c.randomDeadline())
	ctx := c.startRole()
	c.goRole(func() { c.runFollower(ctx) })
	c.sendNodeStateTransition(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
}

func (c *Consensus) leaveFollower(_ context.Context, ev *fsm.Event) {
	c.logger.Info("leave follower")
	c.stopRole()
	c.sendNodeStateTransition(model.NodeState(ev.Src), model.NodeState(ev.Dst), model.TransitionTypeLeave)
}

func (c *Consensus) enterCandidate(_ context.Context, ev *fsm.Event) {
	c.logger.Info("become candidate")
	c.setRole(model.NodeStateCandidate)
	ctx := c.startRole()
	c.goRole(func() { c.runCandidate(ctx) })
	c.sendNodeStateTransition(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
}

func (c *Consensus) leaveCandidate(_ context.Context, ev *fsm.Event) {
	c.logger.Info("leave candidate")
	c.stopRole()
	c.sendNodeStateTransition(model.NodeState(ev.Src), model.NodeState(ev.Dst), model.TransitionTypeLeave)
}

func (c *Consensus) enterTracker(_ context.Context, ev *fsm.Event) {
	epoch := eventEpoch(ev)
	c.logger.Info("become tracker", "epoch", epoch)
	c.setSelfTracker(c.node, epoch)
	reg := registry.New()
	reg.Update(c.node.ID, c.localFiles())
	c.setRegistry(reg)
	c.setRole(model.NodeStateTracker)

	ctx := c.startRole()
	c.goRole(func() { c.runTracker(ctx, epoch) })
	c.goRole(func() { c.pullFileLists(ctx, epoch) })
	c.sendNodeStateTransition(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
}

func (c *Consensus) leaveTracker(_ context.Context, ev *fsm.Event) {
	c.logger.Info("leave tracker", "epoch", c.currentEpoch())
	c.stopRole()
	c.setRegistry(nil)
	c.sendNodeStateTransition(model.NodeState(ev.Src), model.NodeState(ev.Dst), model.TransitionTypeLeave)
}

func (c *Consensus) enterDown(_ context.Context, ev *fsm.Event) {
	c.logger.Info("become down")
	c.setRole(model.NodeStateDown)
	c.stopRole()
	c.sendNodeStateTransition(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
	close(c.downChan)
}

// the before callbacks drop events raised for an epoch that is already gone

func (c *Consensus) beforeHeartbeatTimeout(_ context.Context, ev *fsm.Event) {
	if !c.expired(time.Now()) {
		ev.Cancel(errors.New("tracker contact renewed"))
	}
}

func (c *Consensus) beforeMajorityVotes(_ context.Context, ev *fsm.Event) {
	epoch := eventEpoch(ev)
	if epoch != c.currentEpoch() || epoch != c.claim() {
		ev.Cancel(fmt.Errorf("election of epoch %d is stale", epoch))
		go c.withdrawTracker(epoch)
	}
}

func (c *Consensus) beforeElectionLost(_ context.Context, ev *fsm.Event) {
	if epoch := eventEpoch(ev); epoch != c.claim() {
		ev.Cancel(fmt.Errorf("election of epoch %d is stale", epoch))
	}
}

func (c *Consensus) beforeNewLeader(_ context.Context, ev *fsm.Event) {
	if epoch := eventEpoch(ev); epoch < c.claim() {
		ev.Cancel(fmt.Errorf("tracker of epoch %d is behind the election", epoch))
	}
}

func (c *Consensus) beforeNewTerm(_ context.Context, ev *fsm.Event) {
	if epoch := eventEpoch(ev); epoch <= c.claim() {
		ev.Cancel(fmt.Errorf("epoch %d is not newer than the claim", epoch))
	}
}

func eventEpoch(ev *fsm.Event) uint64 {
	if len(ev.Args) == 0 {
		return 0
	}
	epoch, _ := ev.Args[0].(uint64)
	return epoch
}

// sendEvent queues an FSM event, it never blocks past shutdown.
func (c *Consensus) sendEvent(ev model.NodeEvent, epoch uint64) {
	select {
	case c.eventChan <- nodeEvent{event: ev, epoch: epoch}:
		c.logger.Debug("node event", "event", ev.String(), "epoch", epoch)
	case <-c.ctx.Done():
	}
}

func (c *Consensus) runEventHandler() {
	go func() {
		defer close(c.nodeStateChan)
		for {
			select {
			case <-c.ctx.Done():
				return
			case ev := <-c.eventChan:
				c.handleEvent(ev)
			}
		}
	}()
}

func (c *Consensus) handleEvent(ev nodeEvent) {
	if !c.fsm.Can(ev.event.String()) {
		// events raised by a role that has been left already
		c.logger.Debug("ignore event", "state", c.fsm.Current(), "event", ev.event.String(), "epoch", ev.epoch)
		return
	}

	err := c.fsm.Event(c.ctx, ev.event.String(), ev.epoch)
	var canceled fsm.CanceledError
	switch {
	case err == nil:
	case errors.As(err, &canceled):
		c.logger.Debug("stale event dropped", "event", ev.event.String(), "reason", canceled.Error())
	default:
		c.logger.Error("error state transition", "state", c.fsm.Current(), "event", ev.event.String(), "error", err.Error())
	}
}

func (c *Consensus) sendNodeStateTransition(state, srcState model.NodeState, transType model.TransitionType) {
	select {
	case c.nodeStateChan <- model.StateTransition{
		State:    state,
		SrcState: srcState,
		Type:     transType,
		Epoch:    c.currentEpoch(),
	}:
	case <-c.ctx.Done():
	}
}

func (c *Consensus) setRegistry(reg *registry.Registry) {
	c.regMu.Lock()
	c.registry = reg
	c.regMu.Unlock()
}

// trackerRegistry returns the registry while this peer is tracker of the current epoch.
func (c *Consensus) trackerRegistry() *registry.Registry {
	if _, ok := c.trackerEpoch(); !ok {
		return nil
	}
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	return c.registry
}

// initializeFsm initializes the state machine of a peer
func (c *Consensus) initializeFsm() {
	c.fsm = fsm.NewFSM(
		model.NodeStateFollower.String(),
		fsm.Events{
			{
				Name: model.EventHeartbeatTimeout.String(),
				Src:  []string{model.NodeStateFollower.String()},
				Dst:  model.NodeStateCandidate.String(),
			},
			{
				Name: model.EventMajorityVotes.String(),
				Src:  []string{model.NodeStateCandidate.String()},
				Dst:  model.NodeStateTracker.String(),
			},
			{
				Name: model.EventElectionLost.String(),
				Src:  []string{model.NodeStateCandidate.String()},
				Dst:  model.NodeStateFollower.String(),
			},
			{
				Name: model.EventNewLeader.String(),
				Src:  []string{model.NodeStateCandidate.String()},
				Dst:  model.NodeStateFollower.String(),
			},
			{
				Name: model.EventNewTerm.String(),
				Src: []string{
					model.NodeStateCandidate.String(),
					model.NodeStateTracker.String(),
				},
				Dst: model.NodeStateFollower.String(),
			},
			{
				Name: model.EventDown.String(),
				Src: []string{
					model.NodeStateTracker.String(),
					model.NodeStateFollower.String(),
					model.NodeStateCandidate.String(),
				},
				Dst: model.NodeStateDown.String(),
			},
		},
		fsm.Callbacks{
			"before_" + model.EventHeartbeatTimeout.String(): c.beforeHeartbeatTimeout,
			"before_" + model.EventMajorityVotes.String():    c.beforeMajorityVotes,
			"before_" + model.EventElectionLost.String():     c.beforeElectionLost,
			"before_" + model.EventNewLeader.String():        c.beforeNewLeader,
			"before_" + model.EventNewTerm.String():          c.beforeNewTerm,
			"enter_" + model.NodeStateTracker.String():       c.enterTracker,
			"leave_" + model.NodeStateTracker.String():       c.leaveTracker,
			"enter_" + model.NodeStateFollower.String():      c.enterFollower,
			"leave_" + model.NodeStateFollower.String():      c.leaveFollower,
			"enter_" + model.NodeStateCandidate.String():     c.enterCandidate,
			"leave_" + model.NodeStateCandidate.String():     c.leaveCandidate,
			"enter_" + model.NodeStateDown.String():          c.enterDown,
		},
	)
}
