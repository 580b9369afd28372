// Package config holds the typed options surface threaded through every
// component constructor. Parsing a property file into this struct is
// explicitly out of scope (spec.md §1); what stays in scope is giving every
// component an explicit, non-global options value instead of reaching for
// a process-wide singleton (spec.md §9 "Singletons" — ProcessDescriptor and
// ClientBatchStore.instance become constructor arguments here).
//
// No library in the retrieval pack parses structured config files (no
// viper/yaml/toml import anywhere in the 553 example files); the minimal
// key=value loader below is therefore hand-rolled on the standard library,
// matching the pack's own practice rather than deviating from it.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Network selects the transport fabric (spec.md §6).
type Network string

const (
	NetworkTCP     Network = "TCP"
	NetworkUDP     Network = "UDP"
	NetworkGeneric Network = "Generic"
)

// CrashModel selects the stable-storage discipline (spec.md §6).
type CrashModel string

const (
	CrashModelFullSS    CrashModel = "FullSS"
	CrashModelViewSS    CrashModel = "ViewSS"
	CrashModelCrashStop CrashModel = "CrashStop"
	CrashModelEpochSS   CrashModel = "EpochSS"
)

// Config is the process-wide options value (spec.md §6, §9). One value is
// constructed per replica process and threaded explicitly into every
// component constructor; nothing here is a package-level global.
type Config struct {
	ReplicaID        int32
	Peers            []string // PeerAddrList, index == replica id
	UDPPeers         []string // UDP counterpart of Peers, used in Generic/UDP network mode
	ClientListenAddr string   // where this replica accepts client connections (spec.md §6)

	WindowSize    int // W: max concurrent non-decided instances
	BatchSize     int // max consensus value bytes
	MaxBatchDelay time.Duration

	MaxUDPPacketSize   int
	Network            Network
	CrashModel         CrashModel
	LogPath            string
	MaxPendingRequests int // MAX_PENDING_REQUESTS back-pressure bound

	FDSuspectTimeout time.Duration
	FDSendTimeout    time.Duration

	RetransmitTimeout time.Duration

	FirstSnapshotEstimateBytes int64
	MinLogSizeForRatioCheck    int64
	SnapshotAskRatio           float64
	SnapshotForceRatio         float64
	MinSnapshotSampling        int64

	ForwardMaxBatchSize  int
	ForwardMaxBatchDelay time.Duration

	SelectorThreads        int // -1 = auto
	ClientRequestBufferSize int
	TimeoutFetchBatchValue time.Duration

	MulticastPort      int
	MulticastIPAddress string
	NetworkMtuSize     int

	IndirectConsensus bool
	AugmentedPaxos    bool
}

// N is the number of replicas in the fixed process set (spec.md §3).
func (c *Config) N() int {
	return len(c.Peers)
}

// Majority is floor((N+1)/2) (spec.md §3).
func (c *Config) Majority() int {
	return (c.N() + 1) / 2
}

// Default returns the option defaults named in spec.md §6's configuration
// surface table.
func Default(replicaID int32, peers []string) *Config {
	return &Config{
		ReplicaID:                   replicaID,
		Peers:                       peers,
		WindowSize:                  2,
		BatchSize:                   65507,
		MaxBatchDelay:               10 * time.Millisecond,
		MaxUDPPacketSize:            8192,
		Network:                     NetworkTCP,
		CrashModel:                  CrashModelFullSS,
		LogPath:                     "./",
		MaxPendingRequests:          1024,
		FDSuspectTimeout:            1000 * time.Millisecond,
		FDSendTimeout:               500 * time.Millisecond,
		RetransmitTimeout:           1000 * time.Millisecond,
		FirstSnapshotEstimateBytes:  1 << 20,
		MinLogSizeForRatioCheck:     1 << 16,
		SnapshotAskRatio:            1.5,
		SnapshotForceRatio:          3.0,
		MinSnapshotSampling:         100,
		ForwardMaxBatchSize:         8192,
		ForwardMaxBatchDelay:        5 * time.Millisecond,
		SelectorThreads:             -1,
		ClientRequestBufferSize:     4096,
		TimeoutFetchBatchValue:      100 * time.Millisecond,
		MulticastPort:               0,
		MulticastIPAddress:          "",
		NetworkMtuSize:              1500,
		IndirectConsensus:           false,
		AugmentedPaxos:              false,
	}
}

// Load merges key=value pairs from a property file into cfg, overriding
// only the keys present. Unknown keys are ignored (forward-compatible with
// options this core doesn't need, e.g. CLI/logging-only switches).
func Load(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if err := apply(cfg, key, val); err != nil {
			return fmt.Errorf("config: key %q: %w", key, err)
		}
	}
	return scanner.Err()
}

func apply(cfg *Config, key, val string) error {
	switch key {
	case "WindowSize":
		return setInt(&cfg.WindowSize, val)
	case "BatchSize":
		return setInt(&cfg.BatchSize, val)
	case "MaxBatchDelay":
		return setDuration(&cfg.MaxBatchDelay, val)
	case "MaxUDPPacketSize":
		return setInt(&cfg.MaxUDPPacketSize, val)
	case "Network":
		cfg.Network = Network(val)
	case "CrashModel":
		cfg.CrashModel = CrashModel(val)
	case "LogPath":
		cfg.LogPath = val
	case "ClientListenAddr":
		cfg.ClientListenAddr = val
	case "FDSuspectTimeout":
		return setDuration(&cfg.FDSuspectTimeout, val)
	case "FDSendTimeout":
		return setDuration(&cfg.FDSendTimeout, val)
	case "RetransmitTimeoutMilisecs":
		return setDuration(&cfg.RetransmitTimeout, val)
	case "FirstSnapshotEstimateBytes":
		return setInt64(&cfg.FirstSnapshotEstimateBytes, val)
	case "MinLogSizeForRatioCheckBytes":
		return setInt64(&cfg.MinLogSizeForRatioCheck, val)
	case "SnapshotAskRatio":
		return setFloat(&cfg.SnapshotAskRatio, val)
	case "SnapshotForceRatio":
		return setFloat(&cfg.SnapshotForceRatio, val)
	case "MinimumInstancesForSnapshotRatioSample":
		return setInt64(&cfg.MinSnapshotSampling, val)
	case "replica.ForwardMaxBatchSize":
		return setInt(&cfg.ForwardMaxBatchSize, val)
	case "replica.ForwardMaxBatchDelay":
		return setDuration(&cfg.ForwardMaxBatchDelay, val)
	case "replica.SelectorThreads":
		return setInt(&cfg.SelectorThreads, val)
	case "replica.ClientRequestBufferSize":
		return setInt(&cfg.ClientRequestBufferSize, val)
	case "TimeoutFetchBatchValue":
		return setDuration(&cfg.TimeoutFetchBatchValue, val)
	case "MulticastPort":
		return setInt(&cfg.MulticastPort, val)
	case "MulticastIpAddress":
		cfg.MulticastIPAddress = val
	case "NetworkMtuSize":
		return setInt(&cfg.NetworkMtuSize, val)
	case "IndirectConsensus":
		return setBool(&cfg.IndirectConsensus, val)
	case "AugmentedPaxos":
		return setBool(&cfg.AugmentedPaxos, val)
	}
	return nil
}

func setInt(dst *int, val string) error {
	n, err := strconv.Atoi(val)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, val string) error {
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, val string) error {
	n, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, val string) error {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, val string) error {
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return err
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
