// Package resourcemgr — sampler.go
//
// Linux system memory sampling via golang.org/x/sys/unix.Sysinfo, used to
// compute the RAM/commit percentages the tiered pressure policy acts on
// (spec.md §4.4: "samples machine RAM (used/available), commit
// (used/limit)").
package resourcemgr

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MachineSample is one point-in-time reading of system memory.
type MachineSample struct {
	TotalRAMMb     int64
	FreeRAMMb      int64
	TotalCommitMb  int64 // approximated as total RAM + total swap
	UsedCommitMb   int64
}

// RAMPercentUsed returns used-RAM as a fraction of total RAM, in [0, 1].
func (s MachineSample) RAMPercentUsed() float64 {
	if s.TotalRAMMb == 0 {
		return 0
	}
	used := s.TotalRAMMb - s.FreeRAMMb
	return float64(used) / float64(s.TotalRAMMb)
}

// CommitPercentUsed returns used-commit as a fraction of total commit
// capacity, in [0, 1].
func (s MachineSample) CommitPercentUsed() float64 {
	if s.TotalCommitMb == 0 {
		return 0
	}
	return float64(s.UsedCommitMb) / float64(s.TotalCommitMb)
}

// Sampler reads the current machine memory state.
type Sampler interface {
	Sample() (MachineSample, error)
}

// LinuxSampler reads /proc-equivalent memory counters via the sysinfo(2)
// syscall.
type LinuxSampler struct{}

// Sample implements Sampler using unix.Sysinfo.
func (LinuxSampler) Sample() (MachineSample, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return MachineSample{}, fmt.Errorf("resourcemgr: sysinfo: %w", err)
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	toMb := func(v uint64) int64 { return int64(v * unit / (1024 * 1024)) }

	totalRAM := toMb(uint64(info.Totalram))
	freeRAM := toMb(uint64(info.Freeram))
	totalSwap := toMb(uint64(info.Totalswap))
	freeSwap := toMb(uint64(info.Freeswap))

	totalCommit := totalRAM + totalSwap
	usedCommit := (totalRAM - freeRAM) + (totalSwap - freeSwap)

	return MachineSample{
		TotalRAMMb:    totalRAM,
		FreeRAMMb:     freeRAM,
		TotalCommitMb: totalCommit,
		UsedCommitMb:  usedCommit,
	}, nil
}
