// Command client drives a client.Proxy against a running replica set
// (spec.md §6): it sends -q requests of -psize random bytes each and
// reports throughput and latency, in the spirit of the teacher's
// client/client.go benchmarker, trimmed to this core's single request/reply
// round trip (no read/write split, no conflict-key modelling — there's only
// one command shape here).
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/dziurwa/paxosrepl/client"
)

var (
	peers          = flag.String("peers", "", "comma-separated host:port peer list, index == replica id")
	connectReplica = flag.Int("connectreplica", 0, "which replica to connect to initially")
	clientID       = flag.Int64("id", -1, "client id; defaults to a generated uuid-derived value")
	outstanding    = flag.Int("q", 1000, "total number of requests to send")
	payloadSize    = flag.Int("psize", 8, "payload size in bytes for each request")
)

func main() {
	flag.Parse()

	peerList := splitAddrs(*peers)
	if len(peerList) == 0 {
		log.Fatal("client: -peers is required")
	}

	proxy := client.New(peerList, *connectReplica, *clientID)
	if err := proxy.Connect(); err != nil {
		log.Fatalf("client: %v", err)
	}
	defer proxy.Close()

	log.Printf("client %d sending %d requests of %d bytes to %s", proxy.ClientID(), *outstanding, *payloadSize, peerList[*connectReplica])

	var minLat, maxLat, totalLat time.Duration
	minLat = time.Hour
	start := time.Now()
	for i := 0; i < *outstanding; i++ {
		payload := randomPayload(*payloadSize)
		reqStart := time.Now()
		reply, err := proxy.Send(payload)
		if err != nil {
			log.Fatalf("client: request %d: %v", i, err)
		}
		lat := time.Since(reqStart)
		if lat < minLat {
			minLat = lat
		}
		if lat > maxLat {
			maxLat = lat
		}
		totalLat += lat
		_ = reply
	}
	elapsed := time.Since(start)

	fmt.Printf("%d requests in %s (%.0f req/s), latency min %s max %s avg %s\n",
		*outstanding, elapsed, float64(*outstanding)/elapsed.Seconds(),
		minLat, maxLat, totalLat/time.Duration(*outstanding))
}

func randomPayload(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
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
