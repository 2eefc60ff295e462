package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

var journalPrefix = []byte("evt/")

// JournalEntry is one recorded ledger event and its position in the journal.
type JournalEntry struct {
	Seq   uint64       `json:"seq"`
	Event ledger.Event `json:"event"`
}

// Journal is an append-only audit log of ledger events kept in LevelDB.
type Journal struct {
	logger *slog.Logger
	db     *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

// OpenJournal opens the journal at path, or an in-memory one when path is empty.
func OpenJournal(logger *slog.Logger, path string) (*Journal, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, errors.Join(ledger.ErrStorage, fmt.Errorf("opening journal: %w", err))
	}
	j := &Journal{logger: logger, db: db}

	iter := db.NewIterator(util.BytesPrefix(journalPrefix), nil)
	if iter.Last() {
		j.seq = seqOf(iter.Key())
	}
	iter.Release()
	if err = iter.Error(); err != nil {
		db.Close()
		return nil, errors.Join(ledger.ErrStorage, err)
	}
	misc.Debugf(logger, "journal opened at seq %d", j.seq)
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func journalKey(seq uint64) []byte {
	key := make([]byte, len(journalPrefix)+8)
	copy(key, journalPrefix)
	binary.BigEndian.PutUint64(key[len(journalPrefix):], seq)
	return key
}

func seqOf(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(journalPrefix):])
}

// Append records evt under the next sequence number.
func (j *Journal) Append(evt ledger.Event) (uint64, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("encoding %s event: %w", evt.Type, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.seq + 1
	if err = j.db.Put(journalKey(seq), data, nil); err != nil {
		return 0, errors.Join(ledger.ErrStorage, fmt.Errorf("appending to journal: %w", err))
	}
	j.seq = seq
	return seq, nil
}

// Seq is the sequence number of the newest entry.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Tail returns up to n of the newest entries, oldest first.
func (j *Journal) Tail(n int) ([]JournalEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	iter := j.db.NewIterator(util.BytesPrefix(journalPrefix), nil)
	defer iter.Release()

	var entries []JournalEntry
	for ok := iter.Last(); ok && len(entries) < n; ok = iter.Prev() {
		var evt ledger.Event
		if err := json.Unmarshal(iter.Value(), &evt); err != nil {
			return nil, fmt.Errorf("decoding journal entry %d: %w", seqOf(iter.Key()), err)
		}
		entries = append(entries, JournalEntry{Seq: seqOf(iter.Key()), Event: evt})
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Join(ledger.ErrStorage, err)
	}
	slices.Reverse(entries)
	return entries, nil
}

// Record appends every event published on bus. A failed append is logged; the event has already
// been committed to the ledger.
func (j *Journal) Record(bus *ledger.Bus) {
	bus.SubscribeAll(func(evt ledger.Event) {
		if _, err := j.Append(evt); err != nil {
			misc.Errorf(j.logger, "journal %s event: %v", evt.Type, err)
		}
	})
}
