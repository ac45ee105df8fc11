package chat

import (
	"context"
	"testing"
	"time"

	"github.com/galdor/go-chat/pkg/raft"
	"github.com/stretchr/testify/require"
)

type discardLogger struct{}

func (l discardLogger) Debug(int, string, ...interface{}) {}
func (l discardLogger) Info(string, ...interface{})       {}
func (l discardLogger) Error(string, ...interface{})      {}

// noopTransport is enough for a single-server cluster: there is no peer
// to talk to.
type noopTransport struct{}

func (t *noopTransport) Start(*raft.Server) error { return nil }
func (t *noopTransport) Stop()                    {}

func (t *noopTransport) Send(raft.ServerId, raft.ServerAddress, raft.ServerId, raft.RPCMsg) {
}

func (t *noopTransport) Join(raft.ServerAddress, raft.ServerId, raft.ServerAddress) (bool, raft.ServerAddress, error) {
	return false, "", nil
}

func setupTestGateway(t *testing.T) *Gateway {
	t.Helper()

	state := NewState()

	server, err := raft.NewServer(raft.ServerCfg{
		Id: "server-0",
		Servers: raft.ServerSet{
			"server-0": {
				LocalAddress:  "localhost:0",
				PublicAddress: "localhost:0",
			},
		},

		DataDirectory: t.TempDir(),

		Logger: discardLogger{},

		StateMachine: state,

		Transport: &noopTransport{},

		MinElectionTimeout: 100 * time.Millisecond,
		MaxElectionTimeout: 200 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
	})
	require.NoError(t, err)

	errorChan := make(chan error, 1)
	require.NoError(t, server.Start(errorChan))

	t.Cleanup(server.Stop)

	require.Eventually(t, func() bool {
		return server.Status().State == raft.ServerStateLeader
	}, 5*time.Second, 10*time.Millisecond)

	return NewGateway(server, state, discardLogger{})
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func TestGatewayRegisterAndLogin(t *testing.T) {
	require := require.New(t)

	gateway := setupTestGateway(t)
	ctx := testContext(t)

	require.NoError(gateway.Register(ctx, "client-1", 1, "alice", "hash"))

	err := gateway.Register(ctx, "client-1", 2, "alice", "other-hash")
	var chatErr *Error
	require.ErrorAs(err, &chatErr)
	require.Equal(ErrorKindAlreadyExists, chatErr.Kind)

	nbUnread, lastApplied, err := gateway.Login("alice", "hash")
	require.NoError(err)
	require.Zero(nbUnread)
	require.Greater(int64(lastApplied), int64(0))

	_, _, err = gateway.Login("alice", "wrong")
	require.ErrorAs(err, &chatErr)
	require.Equal(ErrorKindBadCredentials, chatErr.Kind)
}

func TestGatewaySendMessage(t *testing.T) {
	require := require.New(t)

	gateway := setupTestGateway(t)
	ctx := testContext(t)

	require.NoError(gateway.Register(ctx, "client-1", 1, "alice", "hash"))
	require.NoError(gateway.Register(ctx, "client-1", 2, "bob", "hash"))

	id, err := gateway.SendMessage(ctx, "client-1", 3, "alice", "bob", "hello")
	require.NoError(err)
	require.Equal(MessageId(1), id)

	// A retry with the same sequence returns the original message id
	id, err = gateway.SendMessage(ctx, "client-1", 3, "alice", "bob", "hello")
	require.NoError(err)
	require.Equal(MessageId(1), id)

	messages, _ := gateway.Messages("bob", 10)
	require.Len(messages, 1)

	nbUnread, _, err := gateway.Login("bob", "hash")
	require.NoError(err)
	require.Equal(1, nbUnread)
}

func TestGatewaySubscribe(t *testing.T) {
	require := require.New(t)

	gateway := setupTestGateway(t)
	ctx := testContext(t)

	_, err := gateway.Subscribe("nobody")
	var chatErr *Error
	require.ErrorAs(err, &chatErr)
	require.Equal(ErrorKindUnknownUser, chatErr.Kind)

	require.NoError(gateway.Register(ctx, "client-1", 1, "alice", "hash"))
	require.NoError(gateway.Register(ctx, "client-1", 2, "bob", "hash"))

	sub, err := gateway.Subscribe("bob")
	require.NoError(err)
	defer sub.Close()

	_, err = gateway.SendMessage(ctx, "client-1", 3, "alice", "bob", "hello")
	require.NoError(err)

	select {
	case event := <-sub.C:
		require.NotNil(event.Message)
		require.Equal("hello", event.Message.Content)
		require.Equal("alice", event.Message.Sender)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestGatewaySubscribeBacklog(t *testing.T) {
	require := require.New(t)

	gateway := setupTestGateway(t)
	ctx := testContext(t)

	require.NoError(gateway.Register(ctx, "client-1", 1, "alice", "hash"))
	require.NoError(gateway.Register(ctx, "client-1", 2, "bob", "hash"))

	_, err := gateway.SendMessage(ctx, "client-1", 3, "alice", "bob", "one")
	require.NoError(err)
	_, err = gateway.SendMessage(ctx, "client-1", 4, "alice", "bob", "two")
	require.NoError(err)

	require.NoError(gateway.MarkRead(ctx, "client-1", 5, "bob",
		[]MessageId{1}))

	// Unread messages are replayed when the stream opens
	sub, err := gateway.Subscribe("bob")
	require.NoError(err)
	defer sub.Close()

	select {
	case event := <-sub.C:
		require.NotNil(event.Message)
		require.Equal("two", event.Message.Content)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}
