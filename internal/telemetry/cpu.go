package telemetry

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
)

type cpuCounters struct {
	active uint64
	total  uint64
}

// cpuTracker turns cumulative /proc/stat counters into a utilization
// percentage between consecutive reads.
type cpuTracker struct {
	prev    cpuCounters
	hasPrev bool
}

// next returns Δactive/Δtotal·100 since the previous call. The first call
// only establishes a baseline and returns 0.
func (c *cpuTracker) next(cur cpuCounters) float64 {
	prev, had := c.prev, c.hasPrev
	c.prev, c.hasPrev = cur, true
	if !had || cur.total <= prev.total || cur.active < prev.active {
		return 0
	}
	util := float64(cur.active-prev.active) / float64(cur.total-prev.total) * 100
	if util > 100 {
		util = 100
	}
	return util
}

func readCPUCounters(fsys fs.FS, path string) (cpuCounters, error) {
	b, err := fs.ReadFile(fsys, path)
	if err != nil {
		return cpuCounters{}, err
	}
	return parseCPUStat(b)
}

// parseCPUStat reads the aggregate "cpu" line of /proc/stat.
func parseCPUStat(b []byte) (cpuCounters, error) {
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		// user nice system idle iowait irq softirq steal; guest time is
		// already folded into user.
		var vals [8]uint64
		for i := 0; i < len(vals) && i+1 < len(fields); i++ {
			v, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				return cpuCounters{}, fmt.Errorf("parse cpu field %d: %w", i, err)
			}
			vals[i] = v
		}
		var total uint64
		for _, v := range vals {
			total += v
		}
		idle := vals[3] + vals[4]
		return cpuCounters{active: total - idle, total: total}, nil
	}
	return cpuCounters{}, errors.New("no aggregate cpu line")
}
