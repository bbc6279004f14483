package configsvr

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/shardmesh/router/pkg/chunk"
	"github.com/shardmesh/router/pkg/metrics"
	"github.com/shardmesh/router/pkg/storage"
)

// FSM applies committed raft log entries to the configuration collections
// in the local store.
type FSM struct {
	mu    sync.RWMutex
	store *storage.Store
}

// NewFSM creates an FSM over store.
func NewFSM(store *storage.Store) *FSM {
	return &FSM{store: store}
}

// Command is one state change in the raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Apply applies a committed log entry. Returning an error value (rather
// than an error return) hands the failure back to the Apply caller on the
// leader without poisoning the raft log.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("configsvr: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	metrics.ConfigSvrAppliedIndex.Set(float64(entry.Index))

	switch cmd.Op {
	case "put_database":
		var doc storage.DatabaseDoc
		if err := json.Unmarshal(cmd.Data, &doc); err != nil {
			return err
		}
		return f.store.PutDatabase(doc)

	case "put_collection":
		var doc storage.CollectionDoc
		if err := json.Unmarshal(cmd.Data, &doc); err != nil {
			return err
		}
		return f.store.PutCollection(doc)

	case "drop_collection":
		var nss string
		if err := json.Unmarshal(cmd.Data, &nss); err != nil {
			return err
		}
		return f.store.DropCollection(nss)

	case "put_chunk":
		var ch chunk.Chunk
		if err := json.Unmarshal(cmd.Data, &ch); err != nil {
			return err
		}
		return f.store.PutChunk(ch)

	case "delete_chunk":
		var del struct {
			Namespace string    `json:"namespace"`
			Min       chunk.Key `json:"min"`
		}
		if err := json.Unmarshal(cmd.Data, &del); err != nil {
			return err
		}
		return f.store.DeleteChunk(del.Namespace, del.Min)

	case "put_shard":
		var doc storage.ShardDoc
		if err := json.Unmarshal(cmd.Data, &doc); err != nil {
			return err
		}
		return f.store.PutShard(doc)

	case "remove_shard":
		var shardID string
		if err := json.Unmarshal(cmd.Data, &shardID); err != nil {
			return err
		}
		return f.store.RemoveShard(shardID)

	default:
		return fmt.Errorf("configsvr: unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the configuration collections for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap, err := f.store.ExportConfig()
	if err != nil {
		return nil, fmt.Errorf("configsvr: snapshot: %w", err)
	}
	return &fsmSnapshot{config: snap}, nil
}

// Restore replaces the configuration collections from a snapshot stream.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	f.mu.Lock()
	defer f.mu.Unlock()

	var snap storage.ConfigSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("configsvr: restore: decode snapshot: %w", err)
	}
	return f.store.ImportConfig(&snap)
}

type fsmSnapshot struct {
	config *storage.ConfigSnapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := json.NewEncoder(sink).Encode(s.config)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("configsvr: persist snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
