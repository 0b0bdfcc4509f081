package topology

import "encoding/json"

// Peer is one member entry of the cluster-state document.
type Peer struct {
	PGURL string `json:"pgUrl"`
}

// ClusterState is the JSON document stored at <shardPath>/state. Fields
// other than primary/sync/async are ignored.
type ClusterState struct {
	Primary *Peer  `json:"primary"`
	Sync    *Peer  `json:"sync"`
	Async   []Peer `json:"async"`
}

func ParseClusterState(data []byte) (*ClusterState, error) {
	var s ClusterState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Reduce computes the published peer ordering. The cluster state wins
// whenever present; the sorted election children are the fallback; with
// neither source the topology is empty.
func Reduce(state *ClusterState, sortedActives []string) []string {
	if state != nil {
		urls := make([]string, 0, 2+len(state.Async))
		if state.Primary != nil {
			urls = append(urls, state.Primary.PGURL)
		}
		if state.Sync != nil {
			urls = append(urls, state.Sync.PGURL)
		}
		for _, a := range state.Async {
			urls = append(urls, a.PGURL)
		}
		return urls
	}
	if sortedActives != nil {
		urls := make([]string, 0, len(sortedActives))
		for _, c := range sortedActives {
			urls = append(urls, DecodeChild(c))
		}
		return urls
	}
	return []string{}
}

// Equal reports element-wise equality of two orderings.
func Equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
