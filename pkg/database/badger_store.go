package database

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

// BadgerStore keeps message history in an embedded Badger key-value store.
//
// Keys:
//
//	msg:<lo>:<hi>:<created_at %019d>:<id %019d>   CBOR record, lo/hi the sorted pair
//	nick:<nickname>:<created_at %019d>:<id %019d> primary key, one per participant
//
// Nicknames never contain ':' so the prefixes are unambiguous, and zero padded
// numbers keep lexicographic order chronological.
type BadgerStore struct {
	db     *badger.DB
	closed atomic.Bool
}

type badgerRecord struct {
	ID        int64  `cbor:"1,keyasint"`
	Sender    string `cbor:"2,keyasint"`
	Receiver  string `cbor:"3,keyasint"`
	Body      string `cbor:"4,keyasint"`
	CreatedAt int64  `cbor:"5,keyasint"`
	IsFile    bool   `cbor:"6,keyasint,omitempty"`
	FileData  []byte `cbor:"7,keyasint,omitempty"`
}

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("database: CBOR encoder initialization failed: " + err.Error())
	}
}

// OpenBadger opens (or creates) a Badger store in dir. An empty dir opens an
// in-memory store.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithInMemory(dir == "")

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying Badger database
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func conversationPrefix(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte("msg:" + a + ":" + b + ":")
}

func nicknamePrefix(nickname string) []byte {
	return []byte("nick:" + nickname + ":")
}

func orderSuffix(msg *Message) string {
	return fmt.Sprintf("%019d:%019d", msg.CreatedAt, msg.ID)
}

// InsertMessages writes the batch in one Badger transaction
func (s *BadgerStore) InsertMessages(msgs []*Message) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, msg := range msgs {
			value, err := cborEnc.Marshal(badgerRecord{
				ID:        msg.ID,
				Sender:    msg.Sender,
				Receiver:  msg.Receiver,
				Body:      msg.Body,
				CreatedAt: msg.CreatedAt,
				IsFile:    msg.IsFile,
				FileData:  msg.FileData,
			})
			if err != nil {
				return fmt.Errorf("encode message %d: %w", msg.ID, err)
			}

			suffix := orderSuffix(msg)
			key := append(conversationPrefix(msg.Sender, msg.Receiver), suffix...)
			if err := txn.Set(key, value); err != nil {
				return err
			}

			for _, nick := range participants(msg) {
				if err := txn.Set(append(nicknamePrefix(nick), suffix...), key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func participants(msg *Message) []string {
	if msg.Sender == msg.Receiver {
		return []string{msg.Sender}
	}
	return []string{msg.Sender, msg.Receiver}
}

// ListConversation returns the most recent limit messages between a and b,
// oldest first
func (s *BadgerStore) ListConversation(a, b string, limit int) ([]*Message, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var messages []*Message
	err := s.db.View(func(txn *badger.Txn) error {
		return scanRecent(txn, conversationPrefix(a, b), limit, func(item *badger.Item) error {
			msg, err := decodeItem(item)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}

// ListForNickname returns the most recent limit messages sent or received by
// nickname, oldest first
func (s *BadgerStore) ListForNickname(nickname string, limit int) ([]*Message, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var messages []*Message
	err := s.db.View(func(txn *badger.Txn) error {
		var keys [][]byte
		err := scanRecent(txn, nicknamePrefix(nickname), limit, func(item *badger.Item) error {
			key, err := item.ValueCopy(nil)
			keys = append(keys, key)
			return err
		})
		if err != nil {
			return err
		}

		for _, key := range keys {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			msg, err := decodeItem(item)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}

// scanRecent visits up to limit keys under prefix, newest first
func scanRecent(txn *badger.Txn, prefix []byte, limit int, fn func(*badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration seeks to the last key <= seek, so step past every suffix
	seek := append(bytes.Clone(prefix), 0xFF)

	n := 0
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if limit > 0 && n >= limit {
			break
		}
		if err := fn(it.Item()); err != nil {
			return err
		}
		n++
	}
	return nil
}

func decodeItem(item *badger.Item) (*Message, error) {
	var rec badgerRecord
	err := item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", item.Key(), err)
	}

	msg := &Message{
		ID:        rec.ID,
		Sender:    rec.Sender,
		Receiver:  rec.Receiver,
		Body:      rec.Body,
		CreatedAt: rec.CreatedAt,
		IsFile:    rec.IsFile,
	}
	if rec.IsFile {
		msg.FileData = rec.FileData
		if msg.FileData == nil {
			msg.FileData = []byte{}
		}
	}
	return msg, nil
}
