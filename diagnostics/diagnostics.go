// Package diagnostics implements spec.md §6's optional host-resource
// sampler: periodic CPU/disk/network counters, for operators diagnosing
// whether a slow replica is CPU-bound, disk-bound, or network-bound.
//
// Grounded on the teacher's standalone profiler/profiler.go tool: same
// gopsutil/v3 subpackages (cpu/disk/net), same CSV-row shape, turned into a
// library component a replica can start itself instead of a separate
// command the operator runs alongside it.
package diagnostics

import (
	"fmt"
	"io"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/net"
)

// Sample is one row of host diagnostics.
type Sample struct {
	Time              time.Time
	CPUPercent        float64
	BytesSent         uint64
	BytesRecv         uint64
	DiskReadBytes     uint64
	DiskWriteBytes    uint64
}

// Sampler periodically captures host resource usage and writes CSV rows to
// an io.Writer (typically a file opened by the replica process, or nil to
// disable — diagnostics is entirely optional, spec.md §6 "MAY be enabled").
type Sampler struct {
	interval time.Duration
	out      io.Writer
	stop     chan struct{}

	prevNet  net.IOCountersStat
	prevDisk disk.IOCountersStat
}

func New(interval time.Duration, out io.Writer) *Sampler {
	return &Sampler{interval: interval, out: out, stop: make(chan struct{})}
}

// Start begins sampling on its own goroutine until Stop is called.
func (s *Sampler) Start() {
	if s.out == nil {
		return
	}
	fmt.Fprintln(s.out, "time,cpu_percent,bytes_sent,bytes_recv,disk_read_bytes,disk_write_bytes")
	if nics, err := net.IOCounters(false); err == nil && len(nics) > 0 {
		s.prevNet = nics[0]
	}
	if disks, err := disk.IOCounters(); err == nil {
		for _, d := range disks {
			s.prevDisk = d
			break
		}
	}
	go s.loop()
}

func (s *Sampler) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	pct, err := cpu.Percent(0, false)
	cpuPct := 0.0
	if err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	var curNet net.IOCountersStat
	if nics, err := net.IOCounters(false); err == nil && len(nics) > 0 {
		curNet = nics[0]
	}
	var curDisk disk.IOCountersStat
	if disks, err := disk.IOCounters(); err == nil {
		for _, d := range disks {
			curDisk = d
			break
		}
	}

	sample := Sample{
		Time:           time.Now(),
		CPUPercent:     cpuPct,
		BytesSent:      curNet.BytesSent - s.prevNet.BytesSent,
		BytesRecv:      curNet.BytesRecv - s.prevNet.BytesRecv,
		DiskReadBytes:  curDisk.ReadBytes - s.prevDisk.ReadBytes,
		DiskWriteBytes: curDisk.WriteBytes - s.prevDisk.WriteBytes,
	}
	s.prevNet = curNet
	s.prevDisk = curDisk

	fmt.Fprintf(s.out, "%s,%.2f,%d,%d,%d,%d\n",
		sample.Time.Format(time.RFC3339), sample.CPUPercent,
		sample.BytesSent, sample.BytesRecv, sample.DiskReadBytes, sample.DiskWriteBytes)
}

func (s *Sampler) Stop() {
	close(s.stop)
}
