package store

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/carelink/chatsync/pkg/model"
)

// Key layout:
//
//	msg:<conversation_id>:<unix_nano_padded>-<seq>:<id> -> message JSON
//	msgid:<id>                                          -> primary key
//	pending:<conversation_id>:<id>                      -> pending JSON
//
// The padded-nanosecond segment keeps a conversation prefix scan in
// timestamp order; seq breaks collisions when two messages share a
// nanosecond.
type pebbleStore struct {
	db  *pebble.DB
	seq uint64
}

// Open opens (or creates) the database at path.
func Open(path string) (Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	log.Printf("store opened at %s", path)
	return &pebbleStore{db: db}, nil
}

func (s *pebbleStore) msgKey(m model.Message) []byte {
	n := atomic.AddUint64(&s.seq, 1)
	return []byte(fmt.Sprintf("msg:%s:%020d-%06d:%s", m.ConversationID, m.Timestamp.UTC().UnixNano(), n, m.ID))
}

func idKey(id string) []byte {
	return []byte("msgid:" + id)
}

func pendingKey(conversationID, id string) []byte {
	return []byte("pending:" + conversationID + ":" + id)
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// primaryKey resolves a message id to its primary key, or nil if absent.
func (s *pebbleStore) primaryKey(id string) ([]byte, error) {
	v, closer, err := s.db.Get(idKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key := make([]byte, len(v))
	copy(key, v)
	closer.Close()
	return key, nil
}

func (s *pebbleStore) PutMessage(m model.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "store: marshal message")
	}
	old, err := s.primaryKey(m.ID)
	if err != nil {
		return err
	}
	key := s.msgKey(m)
	b := s.db.NewBatch()
	defer b.Close()
	if old != nil {
		b.Delete(old, nil)
	}
	b.Set(key, data, nil)
	b.Set(idKey(m.ID), key, nil)
	return b.Commit(pebble.Sync)
}

func (s *pebbleStore) GetMessage(id string) (model.Message, bool, error) {
	key, err := s.primaryKey(id)
	if err != nil || key == nil {
		return model.Message{}, false, err
	}
	v, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return model.Message{}, false, nil
	}
	if err != nil {
		return model.Message{}, false, err
	}
	defer closer.Close()
	var m model.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return model.Message{}, false, errors.Wrap(err, "store: decode message")
	}
	return m, true, nil
}

func (s *pebbleStore) DeleteMessage(id string) error {
	key, err := s.primaryKey(id)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if key != nil {
		b.Delete(key, nil)
	}
	b.Delete(idKey(id), nil)
	return b.Commit(pebble.Sync)
}

// ReplaceMessage retires oldID and writes m under its new id in one batch.
// Used when a temp id is superseded by the server-issued one.
func (s *pebbleStore) ReplaceMessage(oldID string, m model.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "store: marshal message")
	}
	oldKey, err := s.primaryKey(oldID)
	if err != nil {
		return err
	}
	key := s.msgKey(m)
	b := s.db.NewBatch()
	defer b.Close()
	if oldKey != nil {
		b.Delete(oldKey, nil)
	}
	b.Delete(idKey(oldID), nil)
	b.Set(key, data, nil)
	b.Set(idKey(m.ID), key, nil)
	return b.Commit(pebble.Sync)
}

func (s *pebbleStore) MessagesByConversation(conversationID string) ([]model.Message, error) {
	prefix := []byte("msg:" + conversationID + ":")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []model.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m model.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			log.Printf("store: skipping undecodable record %s: %v", iter.Key(), err)
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

func (s *pebbleStore) PutPending(p model.PendingMessage) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "store: marshal pending")
	}
	return s.db.Set(pendingKey(p.ConversationID, p.ID), data, pebble.Sync)
}

func (s *pebbleStore) DeletePending(conversationID, id string) error {
	return s.db.Delete(pendingKey(conversationID, id), pebble.Sync)
}

func (s *pebbleStore) scanPending(prefix []byte) ([]model.PendingMessage, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []model.PendingMessage
	for iter.First(); iter.Valid(); iter.Next() {
		var p model.PendingMessage
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			log.Printf("store: skipping undecodable record %s: %v", iter.Key(), err)
			continue
		}
		out = append(out, p)
	}
	return out, iter.Error()
}

func (s *pebbleStore) PendingByConversation(conversationID string) ([]model.PendingMessage, error) {
	return s.scanPending([]byte("pending:" + conversationID + ":"))
}

func (s *pebbleStore) AllPending() ([]model.PendingMessage, error) {
	return s.scanPending([]byte("pending:"))
}

func (s *pebbleStore) InMemory() bool { return false }

func (s *pebbleStore) Close() error {
	return s.db.Close()
}
