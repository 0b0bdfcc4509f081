// Package topology derives the ordered peer list of a replication shard
// from the two zookeeper sources of truth: the cluster-state document and
// the election directory.
package topology

import (
	"sort"
	"strconv"
	"strings"
)

// DecodeChild turns an election node name into a peer URL. Two legacy
// encodings exist: "<host>-<seq>" and "<host>:<pgPort>:<backupPort>:<hbPort>-<seq>".
// Everything after the last '-' is the zookeeper sequence number and is not
// part of the address. Colon fields beyond the PG port carry non-PG ports
// and are skipped.
func DecodeChild(name string) string {
	prefix := name
	if i := strings.LastIndex(name, "-"); i >= 0 {
		prefix = name[:i]
	}
	fields := strings.Split(prefix, ":")
	if len(fields) >= 2 {
		return "tcp://" + fields[0] + ":" + fields[1]
	}
	return "tcp://" + fields[0]
}

// SortChildren returns a copy of children stably sorted by the zookeeper
// sequence number after the last '-'.
func SortChildren(children []string) []string {
	out := make([]string, len(children))
	copy(out, children)
	sort.SliceStable(out, func(i, j int) bool {
		return seqNumber(out[i]) < seqNumber(out[j])
	})
	return out
}

func seqNumber(name string) int64 {
	i := strings.LastIndex(name, "-")
	if i < 0 || i+1 >= len(name) {
		return 0
	}
	// best effort: a non-numeric tail is a producer bug
	n, _ := strconv.ParseInt(name[i+1:], 10, 64)
	return n
}
