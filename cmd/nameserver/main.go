package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/danl5/gotracker/pkg/directory"
	"github.com/danl5/gotracker/pkg/log"
)

var (
	listenAddr = flag.String("listen", "127.0.0.1:8500", "listen address")
	logLevel   = flag.String("log-level", "info", "debug, info, warn or error")
	logFormat  = flag.String("log-format", "text", "text or json")
)

func main() {
	flag.Parse()

	logger, err := log.New(*logLevel, *logFormat)
	if err != nil {
		panic(err)
	}
	log.DefaultLogger = logger

	srv := directory.NewServer(directory.NewMemory(), logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		if err := srv.Shutdown(); err != nil {
			log.Error("shutdown", "error", err.Error())
		}
	}()

	log.Info("directory service listening", "address", *listenAddr)
	if err := srv.Listen(*listenAddr); err != nil {
		log.Error("directory service stopped", "error", err.Error())
		os.Exit(1)
	}
}
