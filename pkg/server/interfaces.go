package server

import "github.com/aeolun/relay/pkg/database"

//go:generate mockgen -destination=mock_history_store_test.go -package=server . HistoryStore

// HistoryStore is the persistence the relay needs: append a message, and read
// back the most recent messages between two nicknames, oldest first.
// database.WriteBuffer implements it over either SQLite or Badger.
type HistoryStore interface {
	AppendMessage(msg *database.Message) error
	ListConversation(a, b string, limit int) ([]*database.Message, error)
	Close() error
}

// NicknameHistory is implemented by stores that can list everything a
// nickname sent or received. Used to greet a user with their history.
type NicknameHistory interface {
	ListForNickname(nickname string, limit int) ([]*database.Message, error)
}
