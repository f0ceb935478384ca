/*
Usage:

	Directory service:
	  go run ./cmd/nameserver --listen=127.0.0.1:8500
	Three peers:
	  go run ./cmd/peer --id=1 --addr=127.0.0.1:9981 --shared=./data/1
	  go run ./cmd/peer --id=2 --addr=127.0.0.1:9982 --shared=./data/2
	  go run ./cmd/peer --id=3 --addr=127.0.0.1:9983 --shared=./data/3 --fetch=song.mp3
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/danl5/gotracker"
	"github.com/danl5/gotracker/pkg/config"
	"github.com/danl5/gotracker/pkg/directory"
	"github.com/danl5/gotracker/pkg/log"
	"github.com/danl5/gotracker/pkg/model"
	"github.com/danl5/gotracker/pkg/storage"
	"github.com/danl5/gotracker/pkg/transport/rpc"
)

var (
	configPath = flag.String("config", "", "json config file, flags override its values")
	peerID     = flag.Uint64("id", 0, "peer id, a positive integer")
	peerAddr   = flag.String("addr", "", "peer listen address")
	dirURL     = flag.String("directory", "", "directory service url")
	sharedDir  = flag.String("shared", "", "directory of shared files")
	logLevel   = flag.String("log-level", "", "debug, info, warn or error")
	logFormat  = flag.String("log-format", "", "text or json")
	fetch      = flag.String("fetch", "", "file to download once a tracker is known")
)

func loadConfig() (*config.FileConfig, error) {
	fc := &config.FileConfig{}
	if *configPath != "" {
		var err error
		fc, err = config.LoadFile(*configPath)
		if err != nil {
			return nil, err
		}
	}

	if *peerID != 0 {
		fc.ID = *peerID
	}
	if *peerAddr != "" {
		fc.Address = *peerAddr
	}
	if *dirURL != "" {
		fc.Directory = *dirURL
	}
	if *sharedDir != "" {
		fc.SharedDir = *sharedDir
	}
	if *logLevel != "" {
		fc.LogLevel = *logLevel
	}
	if *logFormat != "" {
		fc.LogFormat = *logFormat
	}

	if fc.Address == "" {
		fc.Address = "127.0.0.1:9981"
	}
	if fc.Directory == "" {
		fc.Directory = "http://127.0.0.1:8500"
	}
	if fc.SharedDir == "" {
		fc.SharedDir = fmt.Sprintf("./data/%d", fc.ID)
	}
	return fc, nil
}

func newPeer(fc *config.FileConfig) (*gotracker.Peer, error) {
	logger, err := log.New(fc.LogLevel, fc.LogFormat)
	if err != nil {
		return nil, err
	}
	log.DefaultLogger = logger

	store, err := storage.NewDisk(fc.SharedDir)
	if err != nil {
		return nil, err
	}
	log.Info("sharing files", "dir", store.Dir())

	dir, err := directory.NewClient(fc.Directory)
	if err != nil {
		return nil, err
	}

	// rpc transport
	rpcTransport, err := rpc.NewRPC(logger)
	if err != nil {
		return nil, err
	}

	return gotracker.NewPeer(
		rpcTransport,
		// rpc transport config
		&rpc.Config{ConnectTimeout: fc.ConnectTimeout},
		dir,
		store,
		&gotracker.PeerConfig{
			ElectTimeout:      fc.ElectTimeout,
			HeartBeatInterval: fc.HeartBeatInterval,
			CallTimeout:       fc.CallTimeout,
			PullConcurrency:   fc.PullConcurrency,
			// state transition callbacks
			CallBacks: &gotracker.StateCallBacks{
				EnterTracker:  enterTracker,
				LeaveTracker:  leaveTracker,
				EnterFollower: enterFollower,
			},
			Node: gotracker.Node{
				ID:      fc.ID,
				Address: fc.Address,
			},
		}, logger)
}

func main() {
	flag.Parse()

	fc, err := loadConfig()
	if err != nil {
		panic(err)
	}
	p, err := newPeer(fc)
	if err != nil {
		panic(err)
	}

	err = p.Run()
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetched := *fetch == ""
	tk := time.NewTicker(5 * time.Second)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := p.Stop(); err != nil {
				log.Error("failed to stop peer", "error", err.Error())
			}
			return
		case err := <-p.Errors():
			log.Warn("state callback failed", "error", err.Error())
		case <-tk.C:
			printStatus(ctx, p)
			if !fetched {
				fetched = fetchFile(ctx, p, *fetch)
			}
		}
	}
}

func printStatus(ctx context.Context, p *gotracker.Peer) {
	fmt.Println("State:", p.CurrentState(), "Epoch:", p.Epoch(), "Tracker:", p.Tracker())

	states, _ := p.ClusterState(ctx)
	ids := make([]uint64, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fmt.Println("Peer\tState\tEpoch")
	for _, id := range ids {
		fmt.Printf("%d\t%s\t%d\n", id, states[id].State, states[id].Epoch)
	}

	entries, err := p.ListAll(ctx)
	if err != nil {
		fmt.Println("Directory:", err)
		fmt.Println()
		return
	}
	fmt.Println("Peer\tFiles")
	for _, e := range entries {
		fmt.Println(e.PeerID, e.Files)
	}
	fmt.Println()
}

// fetchFile downloads name from the first peer holding it.
func fetchFile(ctx context.Context, p *gotracker.Peer, name string) bool {
	holders, err := p.LookupFile(ctx, name)
	if err != nil || len(holders) == 0 {
		log.Debug("file not available yet", "file", name)
		return false
	}
	for _, source := range holders {
		if err := p.Download(ctx, name, source); err != nil {
			log.Warn("download failed", "file", name, "source", source, "error", err.Error())
			continue
		}
		log.Info("downloaded", "file", name, "source", source)
		return true
	}
	return false
}

// Callback functions for state transitions
func enterTracker(_ context.Context, st model.StateTransition) error {
	fmt.Println("enter tracker, epoch", st.Epoch)
	return nil
}

func leaveTracker(_ context.Context, st model.StateTransition) error {
	fmt.Println("leave tracker,", st.State, st.SrcState)
	return nil
}

func enterFollower(_ context.Context, st model.StateTransition) error {
	fmt.Println("enter follower, epoch", st.Epoch)
	return nil
}
