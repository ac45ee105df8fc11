package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/galdor/go-chat/pkg/raft"
)

// Event is a single element of a message delivery stream. Either
// Message is set, for a message applied for the subscribed user, or
// LeaderChanged is set, for a leadership change after which the client
// is expected to reconnect; LeaderAddress then carries the new leader's
// address, empty when it is not known.
type Event struct {
	Message *Message

	LeaderChanged bool
	LeaderAddress raft.ServerAddress
}

const subscriptionQueueSize = 64

type Subscription struct {
	Username string
	C        chan Event

	gateway *Gateway
	closed  bool
}

// Close removes the subscription and closes its channel.
func (sub *Subscription) Close() {
	sub.gateway.unsubscribe(sub)
}

// Gateway is the client-facing surface of a replica. Writes are
// serialized as commands and submitted to the consensus server; reads
// are served from the local applied state along with the replica's
// last-applied index as a staleness marker.
type Gateway struct {
	Log raft.Logger

	server *raft.Server
	state  *State

	subsMu        sync.Mutex
	subscriptions map[string]map[*Subscription]struct{}
}

func NewGateway(server *raft.Server, state *State, logger raft.Logger) *Gateway {
	g := &Gateway{
		Log: logger,

		server: server,
		state:  state,

		subscriptions: make(map[string]map[*Subscription]struct{}),
	}

	state.SetNotifyFunc(g.notifyMessage)

	return g
}

// OnRoleChange is wired to the consensus server's role-change hook. It
// is called from the server goroutine and must not block.
func (g *Gateway) OnRoleChange(state raft.ServerState, leaderId raft.ServerId, leaderAddress raft.ServerAddress) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()

	for _, subs := range g.subscriptions {
		for sub := range subs {
			select {
			case sub.C <- Event{
				LeaderChanged: true,
				LeaderAddress: leaderAddress,
			}:
			default:
			}

			sub.closed = true
			close(sub.C)
		}
	}

	g.subscriptions = make(map[string]map[*Subscription]struct{})
}

// ---------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------

func (g *Gateway) Register(ctx context.Context, clientId string, sequence int64, username, passwordHash string) error {
	_, err := g.submit(ctx, clientId, sequence, &OpRegister{
		Username:     username,
		PasswordHash: passwordHash,
	})

	return err
}

func (g *Gateway) DeleteAccount(ctx context.Context, clientId string, sequence int64, username string) error {
	_, err := g.submit(ctx, clientId, sequence, &OpDeleteAccount{
		Username: username,
	})

	return err
}

func (g *Gateway) SendMessage(ctx context.Context, clientId string, sequence int64, sender, recipient, content string) (MessageId, error) {
	result, err := g.submit(ctx, clientId, sequence, &OpSendMessage{
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
	})
	if err != nil {
		return 0, err
	}

	return result.MessageId, nil
}

func (g *Gateway) DeleteMessages(ctx context.Context, clientId string, sequence int64, username string, ids []MessageId) error {
	_, err := g.submit(ctx, clientId, sequence, &OpDeleteMessages{
		Username: username,
		Ids:      ids,
	})

	return err
}

func (g *Gateway) MarkRead(ctx context.Context, clientId string, sequence int64, username string, ids []MessageId) error {
	_, err := g.submit(ctx, clientId, sequence, &OpMarkRead{
		Username: username,
		Ids:      ids,
	})

	return err
}

func (g *Gateway) submit(ctx context.Context, clientId string, sequence int64, op Op) (Result, error) {
	cmd := Command{
		ClientId:  clientId,
		Sequence:  sequence,
		Timestamp: time.Now().UnixMilli(),
		Op:        op,
	}

	data, err := EncodeCommand(&cmd)
	if err != nil {
		return Result{}, fmt.Errorf("cannot encode command: %w", err)
	}

	value, err := g.server.Submit(ctx, data)
	if err != nil {
		return Result{}, err
	}

	result, ok := value.(Result)
	if !ok {
		return Result{}, fmt.Errorf("unexpected command result of type %T",
			value)
	}

	if result.ErrorKind != "" {
		return result, NewError(result.ErrorKind, "%s", result.ErrorKind)
	}

	return result, nil
}

// ---------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------

// Login verifies the credentials of a user and returns its unread
// message count and the replica's last-applied index.
func (g *Gateway) Login(username, passwordHash string) (int, raft.LogIndex, error) {
	nbUnread, err := g.state.Authenticate(username, passwordHash,
		time.Now().UnixMilli())
	if err != nil {
		return 0, 0, err
	}

	return nbUnread, g.lastApplied(), nil
}

func (g *Gateway) ListAccounts(pattern string, page, perPage int) ([]string, raft.LogIndex) {
	return g.state.ListAccounts(pattern, page, perPage), g.lastApplied()
}

func (g *Gateway) Messages(username string, count int) ([]Message, raft.LogIndex) {
	return g.state.Messages(username, count), g.lastApplied()
}

func (g *Gateway) ClusterStatus() raft.ClusterStatus {
	return g.server.Status()
}

func (g *Gateway) LeaderHint() (raft.ServerId, raft.ServerAddress) {
	return g.server.LeaderHint()
}

func (g *Gateway) lastApplied() raft.LogIndex {
	return g.server.Status().LastApplied
}

// ---------------------------------------------------------------------
// Message streams
// ---------------------------------------------------------------------

// Subscribe opens a message delivery stream for a user. Unread messages
// are replayed first, then messages are delivered as they are applied.
// Delivery is at-least-once; clients deduplicate by message id.
func (g *Gateway) Subscribe(username string) (*Subscription, error) {
	if !g.state.UserExists(username) {
		return nil, NewError(ErrorKindUnknownUser, "unknown user %q",
			username)
	}

	sub := &Subscription{
		Username: username,
		C:        make(chan Event, subscriptionQueueSize),

		gateway: g,
	}

	backlog := g.state.UnreadMessages(username)

	g.subsMu.Lock()

	subs, found := g.subscriptions[username]
	if !found {
		subs = make(map[*Subscription]struct{})
		g.subscriptions[username] = subs
	}

	subs[sub] = struct{}{}

	for i := range backlog {
		select {
		case sub.C <- Event{Message: &backlog[i]}:
		default:
		}
	}

	g.subsMu.Unlock()

	return sub, nil
}

func (g *Gateway) unsubscribe(sub *Subscription) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()

	if sub.closed {
		return
	}

	sub.closed = true

	if subs, found := g.subscriptions[sub.Username]; found {
		delete(subs, sub)

		if len(subs) == 0 {
			delete(g.subscriptions, sub.Username)
		}
	}

	close(sub.C)
}

func (g *Gateway) notifyMessage(message Message) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()

	for sub := range g.subscriptions[message.Recipient] {
		select {
		case sub.C <- Event{Message: &message}:
		default:
			// The subscriber is not draining its queue; it will
			// recover missed messages on its next subscription.
		}
	}
}
