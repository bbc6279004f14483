package configsvr

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/shardmesh/router/pkg/chunk"
	"github.com/shardmesh/router/pkg/log"
	"github.com/shardmesh/router/pkg/metrics"
	"github.com/shardmesh/router/pkg/storage"
)

const applyTimeout = 5 * time.Second

// Server is one member of the config server raft group.
type Server struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	store *storage.Store
}

// Config holds what it takes to start a Server.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewServer creates a Server over an already-open store. Call Bootstrap to
// form a fresh single-node group, or Start followed by a leader-side
// AddVoter to join an existing one.
func NewServer(cfg Config, store *storage.Store) *Server {
	return &Server{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(store),
		store:    store,
	}
}

// Start brings up the raft machinery without bootstrapping a configuration,
// for nodes expecting to be added to an existing group by its leader.
func (s *Server) Start() error {
	_, err := s.startRaft()
	return err
}

// Bootstrap starts raft and forms a new group with this node as the only
// member. Safe to call on a node that has already bootstrapped; raft
// returns ErrCantBootstrap and the existing state wins.
func (s *Server) Bootstrap() error {
	transport, err := s.startRaft()
	if err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(s.nodeID),
				Address: transport.LocalAddr(),
			},
		},
	}
	future := s.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return fmt.Errorf("configsvr: bootstrap cluster: %w", err)
	}
	return nil
}

func (s *Server) startRaft() (*raft.NetworkTransport, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(s.nodeID)

	// Config metadata is small and changes rarely; the raft defaults tuned
	// for WAN deployments are slower to fail over than a router fleet
	// wants, so detection and election run on LAN timings.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", s.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("configsvr: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(s.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("configsvr: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(s.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("configsvr: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("configsvr: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("configsvr: create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("configsvr: create raft: %w", err)
	}
	s.raft = r

	go s.watchLeadership()
	return transport, nil
}

func (s *Server) watchLeadership() {
	logger := log.WithComponent("configsvr")
	for isLeader := range s.raft.LeaderCh() {
		if isLeader {
			metrics.ConfigSvrIsLeader.Set(1)
			logger.Info().Str("node_id", s.nodeID).Msg("acquired config server leadership")
		} else {
			metrics.ConfigSvrIsLeader.Set(0)
			logger.Info().Str("node_id", s.nodeID).Msg("lost config server leadership")
		}
	}
}

// AddVoter adds a new member to the raft group. Leader only.
func (s *Server) AddVoter(nodeID, address string) error {
	if !s.IsLeader() {
		return fmt.Errorf("configsvr: not the leader, current leader: %s", s.LeaderAddr())
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("configsvr: add voter %s: %w", nodeID, err)
	}
	return nil
}

// RemoveServer removes a member from the raft group. Leader only.
func (s *Server) RemoveServer(nodeID string) error {
	if !s.IsLeader() {
		return fmt.Errorf("configsvr: not the leader")
	}
	future := s.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("configsvr: remove server %s: %w", nodeID, err)
	}
	return nil
}

// IsLeader reports whether this node currently holds leadership.
func (s *Server) IsLeader() bool {
	return s.raft != nil && s.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's transport address, if known.
func (s *Server) LeaderAddr() string {
	if s.raft == nil {
		return ""
	}
	return string(s.raft.Leader())
}

// Stats returns raft statistics for the status command and diagnostics.
func (s *Server) Stats() map[string]string {
	if s.raft == nil {
		return nil
	}
	return s.raft.Stats()
}

// Shutdown stops raft. The store is owned by the caller and stays open.
func (s *Server) Shutdown() error {
	if s.raft == nil {
		return nil
	}
	if err := s.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("configsvr: shutdown raft: %w", err)
	}
	return nil
}

// apply marshals and submits one command through the raft log, then
// surfaces any error the FSM handed back.
func (s *Server) apply(op string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("configsvr: marshal %s: %w", op, err)
	}
	cmdData, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("configsvr: marshal command %s: %w", op, err)
	}

	future := s.raft.Apply(cmdData, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("configsvr: apply %s: %w", op, err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// PutDatabase creates or updates a database record.
func (s *Server) PutDatabase(doc storage.DatabaseDoc) error {
	return s.apply("put_database", doc)
}

// CreateCollection registers nss as a sharded collection with a freshly
// minted epoch, and seeds it with a single chunk spanning the whole key
// space on primaryShard at version (1, 0).
func (s *Server) CreateCollection(nss string, keyPattern []string, primaryShard string) (chunk.Epoch, error) {
	epoch := chunk.Epoch(uuid.NewString())
	err := s.apply("put_collection", storage.CollectionDoc{
		Namespace:  nss,
		Epoch:      epoch,
		KeyPattern: keyPattern,
	})
	if err != nil {
		return "", err
	}
	err = s.apply("put_chunk", chunk.Chunk{
		Namespace: nss,
		Min:       chunk.MinKey,
		Max:       chunk.MaxKey,
		ShardID:   primaryShard,
		Version:   chunk.Version{Epoch: epoch, Major: 1, Minor: 0, Timestamp: time.Now().UTC()},
	})
	if err != nil {
		return "", err
	}
	return epoch, nil
}

// DropCollection removes a collection record and its chunks. Recreating the
// namespace afterwards yields a new epoch.
func (s *Server) DropCollection(nss string) error {
	return s.apply("drop_collection", nss)
}

// PutChunk creates or updates one chunk record.
func (s *Server) PutChunk(c chunk.Chunk) error {
	return s.apply("put_chunk", c)
}

// DeleteChunk removes the chunk record at (nss, min).
func (s *Server) DeleteChunk(nss string, min chunk.Key) error {
	return s.apply("delete_chunk", struct {
		Namespace string    `json:"namespace"`
		Min       chunk.Key `json:"min"`
	}{Namespace: nss, Min: min})
}

// PutShard registers or updates a shard.
func (s *Server) PutShard(doc storage.ShardDoc) error {
	return s.apply("put_shard", doc)
}

// RemoveShard drops a shard record.
func (s *Server) RemoveShard(shardID string) error {
	return s.apply("remove_shard", shardID)
}
