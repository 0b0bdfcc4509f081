package shard_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eyeKill/shardwatch/common"
	"github.com/eyeKill/shardwatch/shard"
)

func u(host string) string {
	return "tcp://" + host + ":5432"
}

func newClient(t *testing.T, root string) *shard.Client {
	t.Helper()
	c, err := shard.New(shard.Config{
		Path: root,
		ZK:   shard.ZKConfig{ConnStr: zkConnStr()},
	})
	require.Nil(t, err)
	t.Cleanup(c.Close)
	return c
}

func nextClientEvent(t *testing.T, c *shard.Client) shard.Event {
	t.Helper()
	select {
	case ev := <-c.Notifications():
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for client event")
		return shard.Event{}
	}
}

func expectTopology(t *testing.T, c *shard.Client, urls []string) {
	t.Helper()
	ev := nextClientEvent(t, c)
	require.Equal(t, shard.EventTopology, ev.Type, "got %s instead", ev.Type)
	assert.Equal(t, urls, ev.Topology)
}

func TestClientActivesOrdering(t *testing.T) {
	conn, root := setUp(t)
	election := root + "/election"
	require.Nil(t, common.EnsurePathRecursive(conn, election))
	first := createActive(t, conn, election, "19.19.19.19")

	c := newClient(t, root)
	ev := nextClientEvent(t, c)
	require.Equal(t, shard.EventReady, ev.Type)
	expectTopology(t, c, []string{u("19.19.19.19")})

	createActive(t, conn, election, "20.20.20.20")
	expectTopology(t, c, []string{u("19.19.19.19"), u("20.20.20.20")})
	assert.Equal(t, []string{u("19.19.19.19"), u("20.20.20.20")}, c.LastTopology())

	require.Nil(t, conn.Delete(first, -1))
	expectTopology(t, c, []string{u("20.20.20.20")})

	c.Close()
	for {
		ev, ok := <-c.Notifications()
		if !ok {
			t.Fatal("stream closed without a close event")
		}
		if ev.Type == shard.EventClose {
			break
		}
	}
	_, ok := <-c.Notifications()
	assert.False(t, ok)
}

func TestClientStatePrecedence(t *testing.T) {
	conn, root := setUp(t)
	election := root + "/election"
	require.Nil(t, common.EnsurePathRecursive(conn, election))
	createActive(t, conn, election, "19.19.19.19")

	c := newClient(t, root)
	require.Equal(t, shard.EventReady, nextClientEvent(t, c).Type)
	expectTopology(t, c, []string{u("19.19.19.19")})

	writeState(t, conn, root+"/state",
		`{"primary":{"pgUrl":"tcp://1.1.1.1:5432"},`+
			`"sync":{"pgUrl":"tcp://2.2.2.2:5432"},`+
			`"async":[{"pgUrl":"tcp://3.3.3.3:5432"}]}`)
	expectTopology(t, c, []string{u("1.1.1.1"), u("2.2.2.2"), u("3.3.3.3")})

	// while the state document is present, election churn must not leak
	// through; the next emission is the revert after the state node goes
	createActive(t, conn, election, "20.20.20.20")
	time.Sleep(500 * time.Millisecond)
	require.Nil(t, conn.Delete(root+"/state", -1))
	expectTopology(t, c, []string{u("19.19.19.19"), u("20.20.20.20")})
}

func TestClientEmptyShard(t *testing.T) {
	_, root := setUp(t)

	c := newClient(t, root)
	require.Equal(t, shard.EventReady, nextClientEvent(t, c).Type)
	ev := nextClientEvent(t, c)
	require.Equal(t, shard.EventTopology, ev.Type)
	assert.Empty(t, ev.Topology)
}

func TestClientDebounce(t *testing.T) {
	conn, root := setUp(t)
	doc := `{"primary":{"pgUrl":"tcp://1.1.1.1:5432"}}`
	writeState(t, conn, root+"/state", doc)

	c := newClient(t, root)
	require.Equal(t, shard.EventReady, nextClientEvent(t, c).Type)
	expectTopology(t, c, []string{u("1.1.1.1")})

	// rewriting the same document fires the data watch but derives the
	// same ordering, so nothing may be emitted
	writeState(t, conn, root+"/state", doc)
	time.Sleep(500 * time.Millisecond)
	writeState(t, conn, root+"/state", `{"primary":{"pgUrl":"tcp://9.9.9.9:5432"}}`)
	expectTopology(t, c, []string{u("9.9.9.9")})
}

func TestClientBadStateJSON(t *testing.T) {
	conn, root := setUp(t)
	election := root + "/election"
	require.Nil(t, common.EnsurePathRecursive(conn, election))
	createActive(t, conn, election, "19.19.19.19")

	c := newClient(t, root)
	require.Equal(t, shard.EventReady, nextClientEvent(t, c).Type)
	expectTopology(t, c, []string{u("19.19.19.19")})

	writeState(t, conn, root+"/state", "{this is not json")
	ev := nextClientEvent(t, c)
	require.Equal(t, shard.EventError, ev.Type)
	assert.Equal(t, shard.ErrInvalidClusterState, ev.Err)
}

func TestClientPathDerivation(t *testing.T) {
	c, err := shard.New(shard.Config{
		Path: "/manatee/1.moray.coal.joyent.us",
		ZK:   shard.ZKConfig{ConnStr: "localhost:2181"},
	})
	require.Nil(t, err)
	defer c.Close()
	assert.Equal(t, "/manatee/1.moray.coal.joyent.us/state", c.StatePath())
	assert.Equal(t, "/manatee/1.moray.coal.joyent.us/election", c.ElectionPath())
}

func TestClientConfigValidation(t *testing.T) {
	_, err := shard.New(shard.Config{ZK: shard.ZKConfig{ConnStr: "localhost:2181"}})
	assert.NotNil(t, err)
	_, err = shard.New(shard.Config{Path: "/manatee/1"})
	assert.NotNil(t, err)
}
