package shard_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/samuel/go-zookeeper/zk"

	"github.com/eyeKill/shardwatch/common"
)

const testRoot = "/shardwatch-test"

func zkServers() []string {
	if env := os.Getenv("ZK_SERVERS"); env != "" {
		return strings.Fields(env)
	}
	return []string{"localhost:2181"}
}

func zkConnStr() string {
	return strings.Join(zkServers(), ",")
}

// setUp dials the ensemble and waits for a session, skipping the test when
// no ensemble is reachable. The returned scratch root is torn down by the
// cleanup.
func setUp(t *testing.T) (*zk.Conn, string) {
	t.Helper()
	conn, events, err := common.ConnectToZk(zkServers(), 5*time.Second, nil)
	if err != nil {
		t.Skipf("zookeeper not available: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				root := testRoot + "/" + t.Name()
				if err := common.EnsurePathRecursive(conn, root); err != nil {
					conn.Close()
					t.Fatalf("failed to build scratch tree: %v", err)
				}
				t.Cleanup(func() {
					_ = common.ZkDeleteRecursive(conn, root)
					conn.Close()
				})
				return conn, root
			}
		case <-deadline:
			conn.Close()
			t.Skip("zookeeper not reachable within 3s, skipping")
		}
	}
}

// createActive adds one ephemeral-sequential election child for host and
// returns its full znode name.
func createActive(t *testing.T, conn *zk.Conn, electionPath string, host string) string {
	t.Helper()
	name, err := conn.Create(electionPath+"/"+host+":5432:12345-", []byte(host),
		zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		t.Fatalf("failed to create election child: %v", err)
	}
	return name
}

func writeState(t *testing.T, conn *zk.Conn, statePath string, doc string) {
	t.Helper()
	exists, stat, err := conn.Exists(statePath)
	if err != nil {
		t.Fatalf("failed to stat state node: %v", err)
	}
	if exists {
		if _, err := conn.Set(statePath, []byte(doc), stat.Version); err != nil {
			t.Fatalf("failed to update state node: %v", err)
		}
		return
	}
	if _, err := conn.Create(statePath, []byte(doc), 0, zk.WorldACL(zk.PermAll)); err != nil {
		t.Fatalf("failed to create state node: %v", err)
	}
}
