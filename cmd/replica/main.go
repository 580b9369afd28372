// Command replica runs one process of the consensus core (spec.md §6): it
// parses the fixed process set from flags, builds a config.Config, and
// starts a replica.Replica against the in-memory KV demo state machine.
//
// Flag-driven, package-level var style and a signal-triggered shutdown
// follow the teacher's server/server.go main, trimmed to the options this
// core actually has (no protocol-variant switches — there's only one
// protocol here).
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/dziurwa/paxosrepl/config"
	"github.com/dziurwa/paxosrepl/dlog"
	"github.com/dziurwa/paxosrepl/replica"
	"github.com/dziurwa/paxosrepl/statemachine"
)

var (
	id         = flag.Int("id", -1, "this replica's id (index into -peers)")
	peers      = flag.String("peers", "", "comma-separated host:port peer list, index == replica id")
	udpPeers   = flag.String("udppeers", "", "comma-separated host:port UDP peer list, parallel to -peers")
	clientAddr = flag.String("clientaddr", "", "address to accept client connections on")
	network    = flag.String("network", string(config.NetworkTCP), "TCP, UDP, or Generic")
	crashModel = flag.String("crashmodel", string(config.CrashModelFullSS), "FullSS, ViewSS, CrashStop, or EpochSS")
	logPath    = flag.String("logpath", "./", "parent directory for this replica's stable storage")
	configFile = flag.String("configfile", "", "optional key=value property file overriding defaults")
	window     = flag.Int("window", 2, "max concurrent non-decided instances")
	batchSize  = flag.Int("batchsize", 65507, "max consensus value bytes")
	verbose    = flag.Bool("v", false, "verbose debug logging")
)

func main() {
	flag.Parse()
	dlog.Enabled = *verbose

	if *id < 0 {
		log.Fatal("replica: -id is required")
	}
	peerList := splitAddrs(*peers)
	if len(peerList) == 0 {
		log.Fatal("replica: -peers is required")
	}
	if *id >= len(peerList) {
		log.Fatalf("replica: -id %d out of range for %d peers", *id, len(peerList))
	}

	cfg := config.Default(int32(*id), peerList)
	cfg.UDPPeers = splitAddrs(*udpPeers)
	cfg.ClientListenAddr = *clientAddr
	cfg.Network = config.Network(*network)
	cfg.CrashModel = config.CrashModel(*crashModel)
	cfg.LogPath = *logPath
	cfg.WindowSize = *window
	cfg.BatchSize = *batchSize

	if *configFile != "" {
		if err := config.Load(cfg, *configFile); err != nil {
			log.Fatalf("replica: loading %s: %v", *configFile, err)
		}
	}

	rep, err := replica.New(cfg, statemachine.NewKVStore())
	if err != nil {
		log.Fatalf("replica: %v", err)
	}
	if err := rep.Start(); err != nil {
		log.Fatalf("replica: start: %v", err)
	}

	log.Printf("replica %d listening on %s, client connections on %s", *id, peerList[*id], *clientAddr)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt
	log.Println("replica: caught interrupt, shutting down")
}

func splitAddrs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
