package server

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/aeolun/relay/pkg/database"
	"github.com/aeolun/relay/pkg/protocol"
)

// MaxNicknameLength also bounds the target of a direct message
const MaxNicknameLength = 20

// ErrRecipientNotFound indicates a message addressed to a nickname that is not online
var ErrRecipientNotFound = errors.New("recipient not found")

const helpText = "Commands: /uptime, /help, /me <text>, /get_history <nickname>"

type registration struct {
	Nickname string `validate:"notblank,min=3,max=20,excludes=:"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// NicknameError explains why a nickname was refused
type NicknameError struct {
	Nickname string
	Reason   string
}

func (e *NicknameError) Error() string {
	return fmt.Sprintf("invalid nickname %q: %s", e.Nickname, e.Reason)
}

func (e *NicknameError) Unwrap() error {
	return ErrInvalidNickname
}

// validateNickname checks length (in characters), ':' and blankness.
// Uniqueness is the registry's job.
func validateNickname(nickname string) error {
	err := validate.Struct(registration{Nickname: nickname})
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &NicknameError{Nickname: nickname, Reason: err.Error()}
	}

	reason := "is not allowed"
	switch verrs[0].Tag() {
	case "notblank":
		reason = "must not be blank"
	case "min":
		reason = "must be at least 3 characters"
	case "max":
		reason = fmt.Sprintf("must be at most %d characters", MaxNicknameLength)
	case "excludes":
		reason = "must not contain ':'"
	}
	return &NicknameError{Nickname: nickname, Reason: reason}
}

// rejectionReason renders a registration error for the client
func rejectionReason(err error) string {
	var nickErr *NicknameError
	switch {
	case errors.As(err, &nickErr):
		return nickErr.Reason
	case errors.Is(err, ErrDuplicateNickname):
		return "already in use"
	default:
		return err.Error()
	}
}

// handleUnit routes one assembled unit according to the session's state.
// Returns false when the session must be disconnected.
func (s *Server) handleUnit(sess *Session, unit protocol.Unit) bool {
	if unit.Kind == protocol.UnitLine && len(unit.Text) > s.config.MaxLineLength {
		debugLog.Printf("Session %d: dropped %d-byte line", sess.ID, len(unit.Text))
		return true
	}

	switch sess.State() {
	case StateUnregistered:
		if unit.Kind != protocol.UnitLine {
			debugLog.Printf("Session %d: dropped file %s from unregistered session", sess.ID, unit.Filename)
			s.metrics.RecordTransfer("rejected")
			return true
		}
		return s.handleRegistration(sess, unit.Text)

	case StateRegistered:
		if unit.Kind == protocol.UnitFile {
			s.handleFileTransfer(sess, unit)
			return true
		}
		if s.handleCommand(sess, unit.Text) {
			return true
		}
		if strings.Contains(unit.Text, ":") {
			s.handleDirectMessage(sess, unit.Text)
			return true
		}
		debugLog.Printf("Session %d: ignored line without recipient", sess.ID)
		return true

	default:
		return false
	}
}

// handleRegistration treats line as the requested nickname
func (s *Server) handleRegistration(sess *Session, line string) bool {
	nickname := strings.TrimSpace(line)

	if err := validateNickname(nickname); err != nil {
		s.metrics.RecordRegistration("invalid")
		return s.rejectRegistration(sess, err)
	}

	if err := s.registry.Register(nickname, sess); err != nil {
		if errors.Is(err, ErrDuplicateNickname) {
			s.metrics.RecordRegistration("duplicate")
			return s.rejectRegistration(sess, err)
		}
		errorLog.Printf("Session %d: register %q: %v", sess.ID, nickname, err)
		return true
	}

	s.metrics.RecordRegistration("ok")
	s.metrics.RecordRegisteredSessions(s.registry.Count())
	log.Printf("Session %d registered as %s", sess.ID, nickname)

	s.sendRegistrationHistory(sess)
	s.registry.Broadcast("join", protocol.FormatNotice(nickname+" joined the chat"), sess)
	return true
}

// rejectRegistration tells the client why and asks for a disconnect
func (s *Server) rejectRegistration(sess *Session, err error) bool {
	log.Printf("Session %d: registration rejected: %v", sess.ID, err)
	if werr := sess.Send(protocol.FormatNotice("Nickname rejected: " + rejectionReason(err))); werr != nil {
		debugLog.Printf("Session %d: rejection notice not delivered: %v", sess.ID, werr)
	}
	return false
}

// handleCommand runs a slash command. Returns false if line is not a known
// command so it can be classified as a direct message instead.
func (s *Server) handleCommand(sess *Session, line string) bool {
	if !strings.HasPrefix(line, "/") {
		return false
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/uptime":
		s.notify(sess, "Uptime: "+protocol.FormatUptime(time.Since(s.startTime)))

	case "/help":
		s.notify(sess, helpText)

	case "/me":
		if arg == "" {
			s.notify(sess, "Usage: /me <text>")
			return true
		}
		s.registry.Broadcast("action", protocol.FormatAction(sess.Nickname(), arg), nil)

	case "/get_history":
		if arg == "" {
			s.notify(sess, "Usage: /get_history <nickname>")
			return true
		}
		s.replayHistory(sess, sess.Nickname(), arg)

	default:
		return false
	}

	debugLog.Printf("Session %d: %s", sess.ID, name)
	return true
}

// handleDirectMessage handles "<target>:<text>"
func (s *Server) handleDirectMessage(sess *Session, line string) {
	target, text, _ := strings.Cut(line, ":")
	if !validTarget(target) {
		debugLog.Printf("Session %d: dropped message with invalid target %q", sess.ID, target)
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	recipient, err := s.lookupRecipient(target)
	if err != nil {
		s.recipientNotFound(sess, err)
		return
	}

	msg := &database.Message{
		Sender:    sess.Nickname(),
		Receiver:  target,
		Body:      text,
		CreatedAt: time.Now().UnixMilli(),
	}
	s.persist(msg)
	s.deliver(sess, recipient, msg)
}

// handleFileTransfer relays a completed file unit
func (s *Server) handleFileTransfer(sess *Session, unit protocol.Unit) {
	if !validTarget(unit.Target) {
		debugLog.Printf("Session %d: dropped file with invalid target %q", sess.ID, unit.Target)
		s.metrics.RecordTransfer("rejected")
		return
	}

	recipient, err := s.lookupRecipient(unit.Target)
	if err != nil {
		s.metrics.RecordTransfer("rejected")
		s.recipientNotFound(sess, err)
		return
	}

	mime := detectMIME(unit.Data)
	msg := &database.Message{
		Sender:    sess.Nickname(),
		Receiver:  unit.Target,
		Body:      unit.Filename,
		CreatedAt: time.Now().UnixMilli(),
		IsFile:    true,
		FileData:  unit.Data,
	}
	s.persist(msg)
	s.deliver(sess, recipient, msg)

	s.metrics.RecordTransfer("completed")
	s.metrics.RecordFileRelayed(mime)
	log.Printf("Session %d: %s sent %s (%d bytes, %s) to %s",
		sess.ID, msg.Sender, msg.Body, len(unit.Data), mime, msg.Receiver)
}

func (s *Server) lookupRecipient(nickname string) (*Session, error) {
	recipient, ok := s.registry.Lookup(nickname)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, nickname)
	}
	return recipient, nil
}

func (s *Server) recipientNotFound(sess *Session, err error) {
	debugLog.Printf("Session %d: %v", sess.ID, err)
	s.metrics.RecordRecipientNotFound()
	s.notify(sess, "User not found.")
}

// validTarget accepts nickname-shaped recipients: non-empty, at most
// MaxNicknameLength characters, no spaces
func validTarget(target string) bool {
	return target != "" &&
		utf8.RuneCountInString(target) <= MaxNicknameLength &&
		!strings.ContainsRune(target, ' ')
}

// notify sends a SYSTEM notice to one session
func (s *Server) notify(sess *Session, text string) {
	if err := sess.Send(protocol.FormatNotice(text)); err != nil {
		s.writeFailed(sess, err)
	}
}
