package server

import (
	"errors"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/aeolun/relay/pkg/database"
	"github.com/aeolun/relay/pkg/protocol"
)

// formatMessage renders a stored or live message as the unit clients receive.
// Live delivery and history replay share it, so a replayed file is
// byte-identical to the one relayed.
func formatMessage(msg *database.Message) []byte {
	if msg.IsFile {
		return protocol.FormatFile(msg.Sender, msg.Body, msg.FileData)
	}
	return protocol.FormatText(msg.Sender, msg.Body, msg.Time())
}

// persist appends msg to the history store. A failure is logged and
// delivery goes ahead anyway.
func (s *Server) persist(msg *database.Message) {
	if err := s.store.AppendMessage(msg); err != nil {
		errorLog.Printf("Persistence failure (%s -> %s): %v", msg.Sender, msg.Receiver, err)
		s.metrics.RecordPersistenceFailure()
	}
}

// deliver queues msg for the recipient and echoes it to the sender. Neither
// call waits on the peer's connection.
func (s *Server) deliver(sender, recipient *Session, msg *database.Message) {
	unit := formatMessage(msg)
	kind := "text"
	if msg.IsFile {
		kind = "file"
	}

	if err := recipient.Send(unit); err != nil {
		s.writeFailed(recipient, err)
	} else {
		s.metrics.RecordMessageDelivered(kind)
	}

	if sender != recipient {
		if err := sender.Send(unit); err != nil {
			s.writeFailed(sender, err)
		}
	}
}

// writeFailed logs a failed or refused write and closes the connection; the
// session's own goroutine unregisters it
func (s *Server) writeFailed(sess *Session, err error) {
	if errors.Is(err, ErrSessionClosed) {
		debugLog.Printf("Session %d (%s): dropped unit for closing session", sess.ID, sess.label())
		return
	}
	errorLog.Printf("Session %d (%s): write failed: %v", sess.ID, sess.label(), err)
	s.metrics.RecordWriteFailure()
	sess.Conn.Close()
}

// replayHistory streams the conversation between requester and peer to sess
func (s *Server) replayHistory(sess *Session, requester, peer string) {
	msgs, err := s.store.ListConversation(requester, peer, s.config.ReplayLimit)
	if err != nil {
		errorLog.Printf("Session %d: history %s/%s: %v", sess.ID, requester, peer, err)
		s.notify(sess, "History unavailable.")
		return
	}
	s.sendHistory(sess, msgs)
}

// sendRegistrationHistory replays a newly registered nickname's recent
// messages when the store can list them
func (s *Server) sendRegistrationHistory(sess *Session) {
	lister, ok := s.store.(NicknameHistory)
	if !ok {
		return
	}

	msgs, err := lister.ListForNickname(sess.Nickname(), s.config.ReplayLimit)
	if err != nil {
		errorLog.Printf("Session %d: history for %s: %v", sess.ID, sess.Nickname(), err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	s.sendHistory(sess, msgs)
}

// sendHistory writes msgs bracketed by the history markers
func (s *Server) sendHistory(sess *Session, msgs []*database.Message) {
	units := make([][]byte, 0, len(msgs)+2)
	units = append(units, protocol.FormatMarker(protocol.HistoryStartMarker))
	for _, msg := range msgs {
		units = append(units, formatMessage(msg))
	}
	units = append(units, protocol.FormatMarker(protocol.HistoryEndMarker))

	for _, unit := range units {
		if err := sess.Send(unit); err != nil {
			s.writeFailed(sess, err)
			return
		}
	}
	debugLog.Printf("Session %d: replayed %d messages", sess.ID, len(msgs))
}

// detectMIME sniffs a file payload for logs and metrics
func detectMIME(data []byte) string {
	mime, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	return mime
}
