package common

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"go.uber.org/zap"
)

const DefaultSessionTimeout = 30 * time.Second

func ZkStateString(s *zk.Stat) string {
	return fmt.Sprintf("Czxid:%d, Mzxid: %d, Ctime: %d, Mtime: %d, "+
		"Version: %d, Cversion: %d, Aversion: %d, "+
		"EphemeralOwner: %d, DataLength: %d, NumChildren: %d, Pzxid: %d",
		s.Czxid, s.Mzxid, s.Ctime, s.Mtime,
		s.Version, s.Cversion, s.Aversion,
		s.EphemeralOwner, s.DataLength, s.NumChildren, s.Pzxid)
}

// ConnectToZk dials the ensemble and returns the connection together with
// its session event channel. The connection's internal logging is routed
// through log (nil for the package default).
func ConnectToZk(servers []string, sessionTimeout time.Duration, log *zap.Logger) (*zk.Conn, <-chan zk.Event, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	conn, events, err := zk.Connect(servers, sessionTimeout)
	if err == nil {
		conn.SetLogger(NewZkLoggerAdapter(log))
	}
	return conn, events, err
}

func EnsurePathRecursive(conn *zk.Conn, p string) error {
	// ensure p layer by layer
	dirs := strings.Split(p, "/")
	cp := "/"
	for _, d := range dirs {
		cp = path.Join(cp, d)
		exists, _, err := conn.Exists(cp)
		if err != nil {
			return err
		}
		if !exists {
			_, err = conn.Create(cp, []byte(""), 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

func ZkDeleteRecursive(conn *zk.Conn, p string) error {
	children, _, err := conn.Children(p)
	if err == zk.ErrNoNode {
		return nil
	} else if err != nil {
		return err
	}
	for _, c := range children {
		if err := ZkDeleteRecursive(conn, path.Join(p, c)); err != nil {
			return err
		}
	}
	if err := conn.Delete(p, -1); err != nil && err != zk.ErrNoNode {
		return err
	}
	return nil
}

// ZkCreate marshals value into JSON and creates the node. The actual node
// name is returned, which differs from p for sequential nodes.
func ZkCreate(conn *zk.Conn, p string, value interface{}, ephemeral bool, sequence bool) (string, error) {
	bin, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	var flags int32
	if ephemeral {
		flags |= zk.FlagEphemeral
	}
	if sequence {
		flags |= zk.FlagSequence
	}
	return conn.Create(p, bin, flags, zk.WorldACL(zk.PermAll))
}

func ZkGet(conn *zk.Conn, p string, value interface{}) error {
	bin, _, err := conn.Get(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(bin, value)
}
