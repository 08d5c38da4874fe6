// Package store provides a durable, bbolt-backed implementation of the
// raft.PersistentStore contract.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	raft "github.com/mattbrennan97/raftkit"
	"github.com/mattbrennan97/raftkit/raftpb"

	"github.com/gogo/protobuf/proto"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	logsBucket        = []byte("logs")
	entryTermsBucket  = []byte("entry-terms")
	metadataBucket    = []byte("metadata")

	keyDBID             = []byte("db-id")
	keyCurrentTerm      = []byte("current-term")
	keyVotedFor         = []byte("voted-for")
	keyCurrentTopology  = []byte("current-topology")
	keyChangingTopology = []byte("changing-topology")
	keyLastSnapshot     = []byte("last-snapshot")
)

// topologyDoc is the JSON metadata document persisted for a topology.
type topologyDoc struct {
	Members []uint64 `json:"members"`
}

// lastSnapshotDoc records the boundary of the most recent compaction.
type lastSnapshotDoc struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
}

// getLastSnapshotDoc reads the last-snapshot sentinel from an open
// transaction's metadata bucket. found is false when no compaction has ever
// run against this store.
func getLastSnapshotDoc(meta *bbolt.Bucket) (lastSnapshotDoc, bool, error) {
	v := meta.Get(keyLastSnapshot)
	if v == nil {
		return lastSnapshotDoc{}, false, nil
	}
	var doc lastSnapshotDoc
	if err := json.Unmarshal(v, &doc); err != nil {
		return lastSnapshotDoc{}, false, err
	}
	return doc, true, nil
}

// BoltStore is a bbolt-backed raft.PersistentStore. Every exported method
// opens exactly one read-write (or read-only) transaction and commits
// before returning, so a crash mid-call leaves the prior state intact.
type BoltStore struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a BoltStore at path.
func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	s := &BoltStore{db: db}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{logsBucket, entryTermsBucket, metadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metadataBucket)
		if meta.Get(keyDBID) == nil {
			if err := meta.Put(keyDBID, []byte(uuid.NewString())); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize buckets: %w", err)
	}
	return s, nil
}

func indexKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return b
}

// AppendToLeaderLog implements raft.PersistentStore. The next index is
// derived from the true last log key (falling back to the last-snapshot
// sentinel once compaction has run), never from the bucket's key count:
// MarkSnapshotFor deletes entries, so KeyN undercounts the true last index
// and would otherwise reassign an index already used earlier in history.
func (s *BoltStore) AppendToLeaderLog(term uint64, data []byte, flags raftpb.EntryFlags) (uint64, error) {
	var index uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		logs := tx.Bucket(logsBucket)
		terms := tx.Bucket(entryTermsBucket)

		var lastIndex uint64
		if k, _ := logs.Cursor().Last(); k != nil {
			lastIndex = binary.BigEndian.Uint64(k)
		} else {
			doc, found, err := getLastSnapshotDoc(tx.Bucket(metadataBucket))
			if err != nil {
				return err
			}
			if found {
				lastIndex = doc.Index
			}
		}
		index = lastIndex + 1

		entry := raftpb.LogEntry{Index: index, Term: term, Data: data, Flags: flags}
		b, err := proto.Marshal(&entry)
		if err != nil {
			return err
		}
		if err := logs.Put(indexKey(index), b); err != nil {
			return err
		}
		termBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(termBuf, term)
		return terms.Put(indexKey(index), termBuf)
	})
	return index, err
}

// AppendToLog implements raft.PersistentStore. It truncates any conflicting
// suffix starting at entries[0].Index before writing the new entries.
func (s *BoltStore) AppendToLog(entries []raftpb.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		logs := tx.Bucket(logsBucket)
		terms := tx.Bucket(entryTermsBucket)

		c := logs.Cursor()
		for k, _ := c.Seek(indexKey(entries[0].Index)); k != nil; k, _ = c.Next() {
			if err := logs.Delete(k); err != nil {
				return err
			}
		}
		tc := terms.Cursor()
		for k, _ := tc.Seek(indexKey(entries[0].Index)); k != nil; k, _ = tc.Next() {
			if err := terms.Delete(k); err != nil {
				return err
			}
		}

		for _, e := range entries {
			b, err := proto.Marshal(&e)
			if err != nil {
				return err
			}
			if err := logs.Put(indexKey(e.Index), b); err != nil {
				return err
			}
			termBuf := make([]byte, 8)
			binary.BigEndian.PutUint64(termBuf, e.Term)
			if err := terms.Put(indexKey(e.Index), termBuf); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastLogEntry implements raft.PersistentStore. If the log is empty but a
// snapshot has been taken, it returns the {lastSnapshot.index,
// lastSnapshot.term} sentinel rather than {0, 0}, so callers deriving
// lastIndex/lastTerm from it stay correct across compaction.
func (s *BoltStore) LastLogEntry() (raftpb.LogEntry, bool, error) {
	var entry raftpb.LogEntry
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()
		k, v := c.Last()
		if k != nil {
			ok = true
			return proto.Unmarshal(v, &entry)
		}
		doc, found, err := getLastSnapshotDoc(tx.Bucket(metadataBucket))
		if err != nil {
			return err
		}
		if found {
			ok = true
			entry = raftpb.LogEntry{Index: doc.Index, Term: doc.Term}
		}
		return nil
	})
	return entry, ok, err
}

// TermFor implements raft.PersistentStore. index == lastSnapshot.index
// resolves to lastSnapshot.term even though the entry itself has been
// compacted away, so a follower caught up exactly to the snapshot boundary
// still passes the AppendEntries consistency check.
func (s *BoltStore) TermFor(index uint64) (uint64, bool, error) {
	var term uint64
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(entryTermsBucket).Get(indexKey(index))
		if v != nil {
			ok = true
			term = binary.BigEndian.Uint64(v)
			return nil
		}
		doc, found, err := getLastSnapshotDoc(tx.Bucket(metadataBucket))
		if err != nil {
			return err
		}
		if found && doc.Index == index {
			ok = true
			term = doc.Term
		}
		return nil
	})
	return term, ok, err
}

// LogEntriesAfter implements raft.PersistentStore.
func (s *BoltStore) LogEntriesAfter(afterIndex uint64, limit int) ([]raftpb.LogEntry, error) {
	var out []raftpb.LogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()
		for k, v := c.Seek(indexKey(afterIndex + 1)); k != nil && len(out) < limit; k, v = c.Next() {
			var e raftpb.LogEntry
			if err := proto.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// LastTopologyChangeEntry implements raft.PersistentStore.
func (s *BoltStore) LastTopologyChangeEntry() (raftpb.LogEntry, bool, error) {
	var entry raftpb.LogEntry
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e raftpb.LogEntry
			if err := proto.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Flags.IsTopologyChange {
				entry = e
				found = true
				return nil
			}
		}
		return nil
	})
	return entry, found, err
}

// CurrentTerm implements raft.PersistentStore.
func (s *BoltStore) CurrentTerm() (uint64, error) {
	var term uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(metadataBucket).Get(keyCurrentTerm); v != nil {
			term = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return term, err
}

// VotedFor implements raft.PersistentStore.
func (s *BoltStore) VotedFor() (uint64, error) {
	var votedFor uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(metadataBucket).Get(keyVotedFor); v != nil {
			votedFor = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return votedFor, err
}

// IncrementTermAndVoteFor implements raft.PersistentStore.
func (s *BoltStore) IncrementTermAndVoteFor(self uint64) (uint64, error) {
	var newTerm uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metadataBucket)
		var cur uint64
		if v := meta.Get(keyCurrentTerm); v != nil {
			cur = binary.BigEndian.Uint64(v)
		}
		newTerm = cur + 1
		termBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(termBuf, newTerm)
		if err := meta.Put(keyCurrentTerm, termBuf); err != nil {
			return err
		}
		voteBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(voteBuf, self)
		return meta.Put(keyVotedFor, voteBuf)
	})
	return newTerm, err
}

// UpdateTermTo implements raft.PersistentStore.
func (s *BoltStore) UpdateTermTo(term uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metadataBucket)
		termBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(termBuf, term)
		if err := meta.Put(keyCurrentTerm, termBuf); err != nil {
			return err
		}
		return meta.Delete(keyVotedFor)
	})
}

// RecordVoteFor implements raft.PersistentStore.
func (s *BoltStore) RecordVoteFor(term, candidate uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metadataBucket)
		termBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(termBuf, term)
		if err := meta.Put(keyCurrentTerm, termBuf); err != nil {
			return err
		}
		voteBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(voteBuf, candidate)
		return meta.Put(keyVotedFor, voteBuf)
	})
}

// GetCurrentTopology implements raft.PersistentStore.
func (s *BoltStore) GetCurrentTopology() (*raft.Topology, error) {
	return s.getTopologyDoc(keyCurrentTopology)
}

// GetChangingTopology implements raft.PersistentStore.
func (s *BoltStore) GetChangingTopology() (*raft.Topology, error) {
	return s.getTopologyDoc(keyChangingTopology)
}

func (s *BoltStore) getTopologyDoc(key []byte) (*raft.Topology, error) {
	var doc *topologyDoc
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(metadataBucket).Get(key)
		if v == nil {
			return nil
		}
		doc = &topologyDoc{}
		return json.Unmarshal(v, doc)
	})
	if err != nil || doc == nil {
		return nil, err
	}
	return raft.NewTopology(doc.Members...), nil
}

// SetCurrentTopology implements raft.PersistentStore.
func (s *BoltStore) SetCurrentTopology(topology, changing *raft.Topology) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metadataBucket)
		b, err := json.Marshal(topologyDoc{Members: topology.Members()})
		if err != nil {
			return err
		}
		if err := meta.Put(keyCurrentTopology, b); err != nil {
			return err
		}
		if changing == nil {
			return meta.Delete(keyChangingTopology)
		}
		cb, err := json.Marshal(topologyDoc{Members: changing.Members()})
		if err != nil {
			return err
		}
		return meta.Put(keyChangingTopology, cb)
	})
}

// MarkSnapshotFor implements raft.PersistentStore. It records the
// compaction boundary and deletes log/term entries at or below
// index-keepTrailing, retaining a trailing buffer for follower catch-up.
func (s *BoltStore) MarkSnapshotFor(index, term, keepTrailing uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metadataBucket)
		b, err := json.Marshal(lastSnapshotDoc{Index: index, Term: term})
		if err != nil {
			return err
		}
		if err := meta.Put(keyLastSnapshot, b); err != nil {
			return err
		}

		var cutoff uint64
		if index > keepTrailing {
			cutoff = index - keepTrailing
		}
		logs := tx.Bucket(logsBucket)
		terms := tx.Bucket(entryTermsBucket)
		c := logs.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > cutoff {
				break
			}
			if err := logs.Delete(k); err != nil {
				return err
			}
			if err := terms.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// CommitedEntriesCount implements raft.PersistentStore.
func (s *BoltStore) CommitedEntriesCount(commitIndex uint64) (uint64, error) {
	var count uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > commitIndex {
				break
			}
			count++
		}
		return nil
	})
	return count, err
}

// Close implements raft.PersistentStore.
func (s *BoltStore) Close() error { return s.db.Close() }

// DBID returns the random identifier stamped into this store at creation,
// for operator-facing diagnostics only.
func (s *BoltStore) DBID() (string, error) {
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(metadataBucket).Get(keyDBID); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, err
}
