package chat

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/galdor/go-chat/pkg/raft"
)

type MessageId int64

type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	CreatedAt    int64  `json:"createdAt"`
}

type Message struct {
	Id        MessageId `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Timestamp int64     `json:"timestamp"`
	Read      bool      `json:"read"`
}

// Result is the outcome of an applied command. It is cached per client
// so that a retried command returns the original outcome instead of
// being executed twice.
type Result struct {
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	MessageId MessageId `json:"messageId,omitempty"`
}

func (r Result) Err() error {
	if r.ErrorKind == "" {
		return nil
	}

	return &Error{Kind: r.ErrorKind, Message: string(r.ErrorKind)}
}

type clientSession struct {
	LastSequence int64  `json:"lastSequence"`
	LastResult   Result `json:"lastResult"`
}

// State is the deterministic chat state machine. All mutations happen
// in Apply, called by the consensus server in log-index order; reads
// may be served concurrently from any goroutine.
//
// Last-login times are tracked per replica and are deliberately absent
// from snapshots: they are best-effort, not replicated state.
type State struct {
	mu sync.RWMutex

	users    map[string]*User
	messages map[MessageId]*Message
	inboxes  map[string][]MessageId

	nextMessageId MessageId

	sessions map[string]*clientSession

	lastLogins map[string]int64

	// Called after a message is applied, outside the state lock.
	notifyFunc func(message Message)
}

func NewState() *State {
	return &State{
		users:    make(map[string]*User),
		messages: make(map[MessageId]*Message),
		inboxes:  make(map[string][]MessageId),

		nextMessageId: 1,

		sessions: make(map[string]*clientSession),

		lastLogins: make(map[string]int64),
	}
}

// SetNotifyFunc registers the function called after a message has been
// applied. It must be set before the consensus server starts applying
// entries.
func (s *State) SetNotifyFunc(fn func(message Message)) {
	s.mu.Lock()
	s.notifyFunc = fn
	s.mu.Unlock()
}

func (s *State) Apply(index raft.LogIndex, data []byte) (interface{}, error) {
	cmd, err := DecodeCommand(data)
	if err != nil {
		return nil, fmt.Errorf("cannot decode command: %w", err)
	}

	s.mu.Lock()

	if cmd.ClientId != "" {
		if session, found := s.sessions[cmd.ClientId]; found {
			if cmd.Sequence <= session.LastSequence {
				result := session.LastResult
				s.mu.Unlock()
				return result, nil
			}
		}
	}

	var result Result
	var notification *Message

	switch op := cmd.Op.(type) {
	case *OpRegister:
		result = s.applyRegister(op, cmd.Timestamp)
	case *OpDeleteAccount:
		result = s.applyDeleteAccount(op)
	case *OpSendMessage:
		result, notification = s.applySendMessage(op, cmd.Timestamp)
	case *OpDeleteMessages:
		result = s.applyDeleteMessages(op)
	case *OpMarkRead:
		result = s.applyMarkRead(op)
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("unknown command type %q", cmd.Op.GetType())
	}

	if cmd.ClientId != "" {
		s.sessions[cmd.ClientId] = &clientSession{
			LastSequence: cmd.Sequence,
			LastResult:   result,
		}
	}

	notifyFunc := s.notifyFunc

	s.mu.Unlock()

	if notification != nil && notifyFunc != nil {
		notifyFunc(*notification)
	}

	return result, nil
}

func (s *State) applyRegister(op *OpRegister, timestamp int64) Result {
	if _, found := s.users[op.Username]; found {
		return Result{ErrorKind: ErrorKindAlreadyExists}
	}

	s.users[op.Username] = &User{
		Username:     op.Username,
		PasswordHash: op.PasswordHash,
		CreatedAt:    timestamp,
	}

	s.inboxes[op.Username] = nil

	return Result{}
}

// applyDeleteAccount removes the user and the messages in its inbox.
// Messages the user sent to other users are retained; their sender
// field keeps naming the deleted account.
func (s *State) applyDeleteAccount(op *OpDeleteAccount) Result {
	if _, found := s.users[op.Username]; !found {
		return Result{}
	}

	for _, id := range s.inboxes[op.Username] {
		delete(s.messages, id)
	}

	delete(s.inboxes, op.Username)
	delete(s.users, op.Username)
	delete(s.lastLogins, op.Username)

	return Result{}
}

func (s *State) applySendMessage(op *OpSendMessage, timestamp int64) (Result, *Message) {
	if _, found := s.users[op.Recipient]; !found {
		return Result{ErrorKind: ErrorKindUnknownRecipient}, nil
	}

	message := &Message{
		Id:        s.nextMessageId,
		Sender:    op.Sender,
		Recipient: op.Recipient,
		Content:   op.Content,
		Timestamp: timestamp,
	}

	s.nextMessageId++

	s.messages[message.Id] = message
	s.inboxes[op.Recipient] = append(s.inboxes[op.Recipient], message.Id)

	notification := *message

	return Result{MessageId: message.Id}, &notification
}

func (s *State) applyDeleteMessages(op *OpDeleteMessages) Result {
	inbox := s.inboxes[op.Username]
	if len(inbox) == 0 {
		return Result{}
	}

	deleted := make(map[MessageId]struct{})
	for _, id := range op.Ids {
		deleted[id] = struct{}{}
	}

	kept := inbox[:0]
	for _, id := range inbox {
		if _, found := deleted[id]; found {
			delete(s.messages, id)
			continue
		}

		kept = append(kept, id)
	}

	s.inboxes[op.Username] = kept

	return Result{}
}

func (s *State) applyMarkRead(op *OpMarkRead) Result {
	for _, id := range op.Ids {
		message, found := s.messages[id]
		if !found || message.Recipient != op.Username {
			continue
		}

		message.Read = true
	}

	return Result{}
}

type stateSnapshot struct {
	Users    map[string]*User          `json:"users"`
	Messages map[MessageId]*Message    `json:"messages"`
	Inboxes  map[string][]MessageId    `json:"inboxes"`

	NextMessageId MessageId `json:"nextMessageId"`

	Sessions map[string]*clientSession `json:"sessions"`
}

// Snapshot serializes the replicated state. Map keys are sorted by the
// JSON encoder, so two replicas having applied the same command
// sequence produce identical bytes.
func (s *State) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := stateSnapshot{
		Users:    s.users,
		Messages: s.messages,
		Inboxes:  s.inboxes,

		NextMessageId: s.nextMessageId,

		Sessions: s.sessions,
	}

	data, err := json.Marshal(&snapshot)
	if err != nil {
		return nil, fmt.Errorf("cannot encode state: %w", err)
	}

	return data, nil
}

func (s *State) Restore(data []byte) error {
	var snapshot stateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("cannot decode state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = snapshot.Users
	s.messages = snapshot.Messages
	s.inboxes = snapshot.Inboxes
	s.nextMessageId = snapshot.NextMessageId
	s.sessions = snapshot.Sessions

	if s.users == nil {
		s.users = make(map[string]*User)
	}
	if s.messages == nil {
		s.messages = make(map[MessageId]*Message)
	}
	if s.inboxes == nil {
		s.inboxes = make(map[string][]MessageId)
	}
	if s.sessions == nil {
		s.sessions = make(map[string]*clientSession)
	}
	if s.nextMessageId == 0 {
		s.nextMessageId = 1
	}

	return nil
}

// ---------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------

// Authenticate verifies the credentials of a user and returns its
// number of unread messages. The last-login time is recorded on this
// replica only.
func (s *State) Authenticate(username, passwordHash string, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, found := s.users[username]
	if !found {
		return 0, NewError(ErrorKindUnknownUser, "unknown user %q", username)
	}

	if user.PasswordHash != passwordHash {
		return 0, NewError(ErrorKindBadCredentials, "bad credentials")
	}

	s.lastLogins[username] = now

	nbUnread := 0
	for _, id := range s.inboxes[username] {
		if message, found := s.messages[id]; found && !message.Read {
			nbUnread++
		}
	}

	return nbUnread, nil
}

func (s *State) UserExists(username string) bool {
	s.mu.RLock()
	_, found := s.users[username]
	s.mu.RUnlock()

	return found
}

// ListAccounts returns the page of usernames matching a glob pattern,
// in lexicographic order. An empty pattern matches every account.
func (s *State) ListAccounts(pattern string, page, perPage int) []string {
	if pattern == "" {
		pattern = "*"
	}

	s.mu.RLock()

	var usernames []string
	for username := range s.users {
		if matched, err := path.Match(pattern, username); err == nil && matched {
			usernames = append(usernames, username)
		}
	}

	s.mu.RUnlock()

	sort.Strings(usernames)

	if page < 1 {
		page = 1
	}

	start := (page - 1) * perPage
	if start >= len(usernames) {
		return nil
	}

	end := start + perPage
	if end > len(usernames) {
		end = len(usernames)
	}

	return usernames[start:end]
}

// Messages returns the most recent messages involving a user, either as
// sender or as recipient, newest first.
func (s *State) Messages(username string, count int) []Message {
	s.mu.RLock()

	var messages []Message
	for _, message := range s.messages {
		if message.Sender == username || message.Recipient == username {
			messages = append(messages, *message)
		}
	}

	s.mu.RUnlock()

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Id > messages[j].Id
	})

	if count > 0 && len(messages) > count {
		messages = messages[:count]
	}

	return messages
}

// UnreadMessages returns the unread messages of a user in id order.
func (s *State) UnreadMessages(username string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var messages []Message
	for _, id := range s.inboxes[username] {
		if message, found := s.messages[id]; found && !message.Read {
			messages = append(messages, *message)
		}
	}

	return messages
}

func (s *State) LastLogin(username string) (int64, bool) {
	s.mu.RLock()
	timestamp, found := s.lastLogins[username]
	s.mu.RUnlock()

	return timestamp, found
}
