package gotracker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/danl5/gotracker/pkg/config"
	"github.com/danl5/gotracker/pkg/consensus"
	"github.com/danl5/gotracker/pkg/directory"
	"github.com/danl5/gotracker/pkg/model"
	"github.com/danl5/gotracker/pkg/storage"
)

const (
	// election timeout, in milliseconds
	defaultElectTimeout = 300

	// heartbeat interval, in milliseconds
	defaultHeartBeatInterval = 100

	// rpc call timeout, in milliseconds
	defaultCallTimeout = 500

	// callback timeout, in seconds
	defaultCallBackTimeout = 5
)

// NewPeer creates a new Peer instance
func NewPeer(
	trans model.Transport,
	transConfig model.TransportConfig,
	dir directory.Directory,
	store storage.Store,
	cfg *PeerConfig,
	logger *slog.Logger) (*Peer, error) {
	if cfg == nil {
		return nil, errors.New("new peer, config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	electTimeout := cfg.ElectTimeout
	if cfg.ElectTimeout == 0 {
		electTimeout = defaultElectTimeout
	}
	heartbeatInterval := cfg.HeartBeatInterval
	if cfg.HeartBeatInterval == 0 {
		heartbeatInterval = defaultHeartBeatInterval
	}
	callTimeout := cfg.CallTimeout
	if cfg.CallTimeout == 0 {
		callTimeout = defaultCallTimeout
	}
	callBackTimeout := cfg.CallBackTimeout
	if callBackTimeout == 0 {
		callBackTimeout = defaultCallBackTimeout
	}

	consensusConfig := &config.Config{
		ElectTimeout:      time.Duration(electTimeout) * time.Millisecond,
		HeartBeatInterval: time.Duration(heartbeatInterval) * time.Millisecond,
		CallTimeout:       time.Duration(callTimeout) * time.Millisecond,
		PullConcurrency:   cfg.PullConcurrency,
	}
	consensusConfig.SetDefaults()

	// new consensus instance, every process start is a new incarnation
	c, err := consensus.NewConsensus(model.Node{
		ID:          cfg.Node.ID,
		Address:     cfg.Node.Address,
		Incarnation: uuid.NewString(),
	}, trans, transConfig, dir, store, consensusConfig, logger)
	if err != nil {
		return nil, err
	}

	callBacks := cfg.CallBacks
	if callBacks == nil {
		callBacks = &StateCallBacks{}
	}
	return &Peer{
		cfg:             cfg,
		logger:          logger.With("component", "peer"),
		callBackTimeout: callBackTimeout,
		consensus:       c,
		callBacks:       callBacks,
		errChan:         make(chan error, 10),
		done:            make(chan struct{}),
	}, nil
}

// Peer is one participant of the file sharing network
type Peer struct {
	// callBacks stores the callbacks to be triggered when the state changes
	callBacks *StateCallBacks
	// callBackTimeout is the timeout for the callbacks, in seconds
	callBackTimeout int
	// consensus drives election, heartbeats and the tracker role
	consensus *consensus.Consensus
	// errChan is a channel for callback errors
	errChan chan error
	// done is closed once every state transition has been handled
	done    chan struct{}
	started atomic.Bool

	cfg    *PeerConfig
	logger *slog.Logger
}

// Run starts the transport server, registers the peer and joins the network.
func (p *Peer) Run() error {
	stateChan, err := p.consensus.Run()
	if err != nil {
		p.logger.Error("peer, failed to run consensus", "error", err.Error())
		return err
	}
	// handle state transitions in a separate goroutine
	p.started.Store(true)
	go p.handleStateTransition(stateChan)

	p.logger.Info("peer, peer started", "id", p.cfg.Node.ID, "address", p.cfg.Node.Address)
	return nil
}

// Stop takes the peer offline and waits for the state callbacks to finish.
// The peer stays registered in the directory.
func (p *Peer) Stop() error {
	err := p.consensus.Stop()
	if p.started.Load() {
		select {
		case <-p.done:
		case <-time.After(time.Duration(p.callBackTimeout) * time.Second):
			p.logger.Warn("peer, state callbacks still running")
		}
	}
	return err
}

// Errors returns a receive-only channel of callback errors
func (p *Peer) Errors() <-chan error {
	return p.errChan
}

// CurrentState return current peer state
func (p *Peer) CurrentState() string {
	return p.consensus.CurrentState().String()
}

// Epoch returns the highest epoch the peer knows of
func (p *Peer) Epoch() uint64 {
	return p.consensus.Epoch()
}

// IsTracker determines whether the peer is the tracker of its current epoch.
func (p *Peer) IsTracker() bool {
	return p.consensus.IsTracker()
}

// Tracker returns the address of the tracker the peer follows, empty when unknown.
func (p *Peer) Tracker() string {
	return p.consensus.Tracker()
}

// LookupFile returns the ids of the peers holding filename, sorted.
func (p *Peer) LookupFile(ctx context.Context, filename string) ([]uint64, error) {
	return p.consensus.LookupFile(ctx, filename)
}

// ListAll returns the file directory ordered by peer id.
func (p *Peer) ListAll(ctx context.Context) ([]model.RegistryEntry, error) {
	return p.consensus.ListAll(ctx)
}

// Download copies filename from the peer with id source into the local store.
func (p *Peer) Download(ctx context.Context, filename string, source uint64) error {
	return p.consensus.Download(ctx, filename, source)
}

// LocalFiles lists the files the peer shares.
func (p *Peer) LocalFiles() ([]string, error) {
	return p.consensus.LocalFiles()
}

// ClusterState collects the state of every registered peer.
func (p *Peer) ClusterState(ctx context.Context) (map[uint64]*model.NodeWithState, error) {
	return p.consensus.ClusterState(ctx)
}

func (p *Peer) sendError(err error) {
	select {
	case p.errChan <- err:
	default:
	}
}

func (p *Peer) handleStateTransition(stateChan <-chan model.StateTransition) {
	defer close(p.done)
	for st := range stateChan {
		p.logger.Debug("peer, state transition", "type", st.Type.String(), "state", st.State, "src", st.SrcState, "epoch", st.Epoch)
		var err error
		switch st.Type {
		case model.TransitionTypeLeave:
			switch st.State {
			case model.NodeStateTracker:
				err = p.execStateHandler(p.callBacks.LeaveTracker, st)
			case model.NodeStateFollower:
				err = p.execStateHandler(p.callBacks.LeaveFollower, st)
			case model.NodeStateCandidate:
				err = p.execStateHandler(p.callBacks.LeaveCandidate, st)
			}
		case model.TransitionTypeEnter:
			switch st.State {
			case model.NodeStateTracker:
				err = p.execStateHandler(p.callBacks.EnterTracker, st)
			case model.NodeStateFollower:
				err = p.execStateHandler(p.callBacks.EnterFollower, st)
			case model.NodeStateCandidate:
				err = p.execStateHandler(p.callBacks.EnterCandidate, st)
			case model.NodeStateDown:
				err = p.execStateHandler(p.callBacks.EnterDown, st)
			}
		}
		if err != nil {
			p.sendError(err)
		}
	}
	p.logger.Info("peer, state transition chan is closed")
}

func (p *Peer) execStateHandler(sh StateHandler, st model.StateTransition) error {
	if sh == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(p.callBackTimeout)*time.Second)
	defer cancel()

	return sh(ctx, st)
}

// PeerConfig is the configuration of a peer.
type PeerConfig struct {
	// Interval of tracker heartbeats, in milliseconds
	HeartBeatInterval uint
	// Base of the randomized failure detector deadline, in milliseconds
	ElectTimeout uint
	// Timeout of a single rpc, in milliseconds
	CallTimeout uint
	// Parallel file list pulls of a new tracker
	PullConcurrency int
	// Node information
	Node Node
	// State callbacks
	CallBacks *StateCallBacks
	// Timeout for callbacks, in seconds
	CallBackTimeout int
}

// Node identifies the local peer
type Node struct {
	// ID of the peer, a positive integer unique in the network
	ID uint64
	// Address the transport server listens on
	Address string
}

type StateHandler func(ctx context.Context, st model.StateTransition) error

// StateCallBacks is a struct to hold state callbacks
type StateCallBacks struct {
	// EnterTracker is called when the peer becomes tracker
	EnterTracker StateHandler
	// LeaveTracker is called when the peer stops being tracker
	LeaveTracker StateHandler
	// EnterFollower is a callback function to be called when entering the follower state
	EnterFollower StateHandler
	// LeaveFollower is a callback function to be called when leaving the follower state
	LeaveFollower StateHandler
	// EnterCandidate is a callback function to be called when entering the candidate state
	EnterCandidate StateHandler
	// LeaveCandidate is a callback function to be called when leaving the candidate state
	LeaveCandidate StateHandler
	// EnterDown is called once the peer went offline
	EnterDown StateHandler
}
