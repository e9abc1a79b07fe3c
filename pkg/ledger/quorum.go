package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AndrejMitrovic/constrictor/pkg/scp"
)

// NodeID derives the consensus identity of a validator key: the key
// bytes themselves, which are already 32 bytes and unique.
func NodeID(pk PK) scp.NodeID {
	var id scp.NodeID
	copy(id[:], pk)
	return id
}

// BuildQuorumSets derives every validator's quorum set for a height.
// The validator list is shuffled with the seed, partitioned into
// groups of at most maxNodes, and each group becomes a quorum slice
// with threshold ceil(pct*|G|/100). With more than one group the
// groups become inner sets under a top-level threshold computed the
// same way. The result is normalised, so two nodes agreeing on (seed,
// set) derive byte-identical structures.
func BuildQuorumSets(validators []PK, seed Rand, maxNodes, thresholdPct int) (map[scp.NodeID]scp.QuorumSet, error) {
	if len(validators) == 0 {
		return nil, errors.New("no validators to build quorums from")
	}

	if maxNodes <= 0 {
		return nil, errors.New("max quorum nodes must be positive")
	}

	if thresholdPct < 1 || thresholdPct > 100 {
		return nil, fmt.Errorf("quorum threshold %d%% out of range", thresholdPct)
	}

	ids := make([]scp.NodeID, len(validators))
	for i, pk := range validators {
		ids[i] = NodeID(pk)
	}
	sort.Slice(ids, func(i, j int) bool {
		return lessNodeID(ids[i], ids[j])
	})

	perm := seed.Perm(len(ids), len(ids))
	shuffled := make([]scp.NodeID, len(ids))
	for i, p := range perm {
		shuffled[i] = ids[p]
	}

	numGroups := (len(shuffled) + maxNodes - 1) / maxNodes
	groups := make([][]scp.NodeID, numGroups)
	for i, id := range shuffled {
		g := i / maxNodes
		groups[g] = append(groups[g], id)
	}

	threshold := func(n int) uint32 {
		t := (thresholdPct*n + 99) / 100
		if t < 1 {
			t = 1
		}
		return uint32(t)
	}

	build := func() scp.QuorumSet {
		if numGroups == 1 {
			return scp.QuorumSet{
				Threshold:  threshold(len(groups[0])),
				Validators: append([]scp.NodeID(nil), groups[0]...),
			}
		}

		inner := make([]scp.QuorumSet, numGroups)
		for i, g := range groups {
			inner[i] = scp.QuorumSet{
				Threshold:  threshold(len(g)),
				Validators: append([]scp.NodeID(nil), g...),
			}
		}
		return scp.QuorumSet{
			Threshold: threshold(numGroups),
			Inner:     inner,
		}
	}

	out := make(map[scp.NodeID]scp.QuorumSet, len(ids))
	for _, id := range ids {
		q := build()
		q.Normalize(nil)
		if ok, reason := q.IsSane(false); !ok {
			return nil, fmt.Errorf("derived quorum set insane: %s", reason)
		}
		out[id] = q
	}
	return out, nil
}

func lessNodeID(a, b scp.NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
