package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/danl5/gotracker/pkg/config"
	"github.com/danl5/gotracker/pkg/consensus"
	"github.com/danl5/gotracker/pkg/directory"
	"github.com/danl5/gotracker/pkg/model"
	"github.com/danl5/gotracker/pkg/storage"
	"github.com/danl5/gotracker/pkg/transport/memory"
)

var (
	outputPath = flag.String("o", "./fsm_visual", "output path")
)

func main() {
	flag.Parse()

	c, err := consensus.NewConsensus(
		model.Node{
			ID:      1,
			Address: "visualize",
		},
		memory.NewNetwork().Transport(),
		nil,
		directory.NewMemory(),
		storage.NewMemory(nil),
		config.Default(),
		slog.Default())
	if err != nil {
		panic(err)
	}
	visualStr := c.Visualize()

	f, err := os.OpenFile(*outputPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	_, err = f.WriteString(visualStr)
	if err != nil {
		panic(err)
	}

	fmt.Println("Visualization finished")
}
