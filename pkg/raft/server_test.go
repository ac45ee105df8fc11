package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type discardLogger struct{}

func (l discardLogger) Debug(int, string, ...interface{}) {}
func (l discardLogger) Info(string, ...interface{})       {}
func (l discardLogger) Error(string, ...interface{})      {}

// testSM records every applied command so that tests can compare the
// state of multiple replicas.
type testSM struct {
	mu      sync.Mutex
	applied []string
}

func (sm *testSM) Apply(index LogIndex, data []byte) (interface{}, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.applied = append(sm.applied, string(data))

	return string(data), nil
}

func (sm *testSM) Snapshot() ([]byte, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return json.Marshal(sm.applied)
}

func (sm *testSM) Restore(data []byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.applied = nil

	return json.Unmarshal(data, &sm.applied)
}

func (sm *testSM) commands() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	commands := make([]string, len(sm.applied))
	copy(commands, sm.applied)

	return commands
}

// memNetwork connects the servers of a test cluster without sockets.
// Messages still go through the wire codec so that encoding mistakes
// surface in tests.
type memNetwork struct {
	mu           sync.Mutex
	servers      map[ServerAddress]*Server
	disconnected map[ServerId]struct{}
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		servers:      make(map[ServerAddress]*Server),
		disconnected: make(map[ServerId]struct{}),
	}
}

func (n *memNetwork) register(address ServerAddress, s *Server) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.servers[address] = s
}

func (n *memNetwork) unregister(address ServerAddress) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.servers, address)
}

func (n *memNetwork) disconnect(id ServerId) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.disconnected[id] = struct{}{}
}

func (n *memNetwork) reconnect(id ServerId) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.disconnected, id)
}

func (n *memNetwork) isDisconnected(id ServerId) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, down := n.disconnected[id]
	return down
}

func (n *memNetwork) deliver(address ServerAddress, sourceId ServerId, sourceAddress ServerAddress, data []byte) {
	n.mu.Lock()

	target, found := n.servers[address]
	if !found {
		n.mu.Unlock()
		return
	}

	if _, down := n.disconnected[sourceId]; down {
		n.mu.Unlock()
		return
	}

	if _, down := n.disconnected[target.Id]; down {
		n.mu.Unlock()
		return
	}

	n.mu.Unlock()

	msg, err := DecodeRPCMsg(data)
	if err != nil {
		return
	}

	target.DeliverMsg(IncomingRPCMsg{
		SourceId:      sourceId,
		SourceAddress: sourceAddress,
		Msg:           msg,
	})
}

func (n *memNetwork) lookup(address ServerAddress) *Server {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.servers[address]
}

type memTransport struct {
	network      *memNetwork
	localAddress ServerAddress
}

func newMemTransport(network *memNetwork, localAddress ServerAddress) *memTransport {
	return &memTransport{
		network:      network,
		localAddress: localAddress,
	}
}

func (t *memTransport) Start(s *Server) error {
	t.network.register(t.localAddress, s)
	return nil
}

func (t *memTransport) Stop() {
	t.network.unregister(t.localAddress)
}

func (t *memTransport) Send(recipientId ServerId, address ServerAddress, sourceId ServerId, msg RPCMsg) {
	data, err := EncodeRPCMsg(msg)
	if err != nil {
		return
	}

	go t.network.deliver(address, sourceId, t.localAddress, data)
}

func (t *memTransport) Join(address ServerAddress, id ServerId, selfAddress ServerAddress) (bool, ServerAddress, error) {
	target := t.network.lookup(address)
	if target == nil {
		return false, "", fmt.Errorf("no server at address %q", address)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := target.HandleJoin(ctx, id, selfAddress); err != nil {
		var notLeaderErr *NotLeaderError
		if errors.As(err, &notLeaderErr) {
			return false, notLeaderErr.LeaderAddress, nil
		}

		return false, "", err
	}

	return true, "", nil
}

type testCluster struct {
	t *testing.T

	network *memNetwork
	dataDir string

	serverSet ServerSet

	servers map[ServerId]*Server
	sms     map[ServerId]*testSM

	errorChan chan error

	cfgFunc func(*ServerCfg)
}

func testClusterAddress(id ServerId) ServerAddress {
	return ServerAddress("mem-" + string(id))
}

func setupTestCluster(t *testing.T, n int, cfgFunc func(*ServerCfg)) *testCluster {
	t.Helper()

	c := &testCluster{
		t: t,

		network: newMemNetwork(),
		dataDir: t.TempDir(),

		serverSet: make(ServerSet),

		servers: make(map[ServerId]*Server),
		sms:     make(map[ServerId]*testSM),

		errorChan: make(chan error, 16),

		cfgFunc: cfgFunc,
	}

	for i := 0; i < n; i++ {
		id := ServerId(fmt.Sprintf("server-%d", i))
		address := testClusterAddress(id)

		c.serverSet[id] = ServerData{
			LocalAddress:  address,
			PublicAddress: address,
		}
	}

	for id := range c.serverSet {
		c.startServer(id, c.serverSet, "")
	}

	t.Cleanup(func() {
		for id := range c.servers {
			c.servers[id].Stop()
		}
	})

	return c
}

func (c *testCluster) startServer(id ServerId, servers ServerSet, joinAddress ServerAddress) *Server {
	c.t.Helper()

	sm, found := c.sms[id]
	if !found {
		sm = &testSM{}
		c.sms[id] = sm
	}

	cfg := ServerCfg{
		Id:      id,
		Servers: servers,

		DataDirectory: c.dataDir,

		Logger: discardLogger{},

		StateMachine: sm,

		Transport: newMemTransport(c.network, testClusterAddress(id)),

		JoinAddress: joinAddress,

		MinElectionTimeout: 100 * time.Millisecond,
		MaxElectionTimeout: 200 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
	}

	if c.cfgFunc != nil {
		c.cfgFunc(&cfg)
	}

	server, err := NewServer(cfg)
	require.NoError(c.t, err)

	require.NoError(c.t, server.Start(c.errorChan))

	c.servers[id] = server

	return server
}

func (c *testCluster) stopServer(id ServerId) {
	c.t.Helper()

	server, found := c.servers[id]
	require.True(c.t, found)

	server.Stop()
	delete(c.servers, id)
}

func (c *testCluster) restartServer(id ServerId) *Server {
	c.t.Helper()

	// A restarting server always comes back with an empty state
	// machine; recovery must rebuild it from the snapshot and the log.
	c.sms[id] = &testSM{}

	return c.startServer(id, c.serverSet, "")
}

// waitLeader blocks until exactly one connected server considers itself
// leader and returns its identifier.
func (c *testCluster) waitLeader() ServerId {
	c.t.Helper()

	var leaderId ServerId

	require.Eventually(c.t, func() bool {
		leaders := []ServerId{}

		for id, server := range c.servers {
			if c.network.isDisconnected(id) {
				continue
			}

			if server.Status().State == ServerStateLeader {
				leaders = append(leaders, id)
			}
		}

		if len(leaders) != 1 {
			return false
		}

		leaderId = leaders[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)

	return leaderId
}

func (c *testCluster) submit(id ServerId, command string) interface{} {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	value, err := c.servers[id].Submit(ctx, []byte(command))
	require.NoError(c.t, err)

	return value
}

func (c *testCluster) waitCommands(id ServerId, commands []string) {
	c.t.Helper()

	require.Eventually(c.t, func() bool {
		applied := c.sms[id].commands()

		if len(applied) != len(commands) {
			return false
		}

		for i, command := range commands {
			if applied[i] != command {
				return false
			}
		}

		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerSingleNode(t *testing.T) {
	require := require.New(t)

	c := setupTestCluster(t, 1, nil)

	leaderId := c.waitLeader()

	value := c.submit(leaderId, "hello")
	require.Equal("hello", value)

	c.waitCommands(leaderId, []string{"hello"})
}

func TestServerElection(t *testing.T) {
	require := require.New(t)

	c := setupTestCluster(t, 3, nil)

	leaderId := c.waitLeader()

	// Every server must converge on the same leader
	for id := range c.servers {
		serverId := id

		require.Eventually(func() bool {
			return c.servers[serverId].Status().LeaderId == leaderId
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestServerSubmitNotLeader(t *testing.T) {
	require := require.New(t)

	c := setupTestCluster(t, 3, nil)

	leaderId := c.waitLeader()

	var followerId ServerId
	for id := range c.servers {
		if id != leaderId {
			followerId = id
			break
		}
	}

	require.Eventually(func() bool {
		return c.servers[followerId].Status().LeaderId == leaderId
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.servers[followerId].Submit(ctx, []byte("hello"))
	require.Error(err)

	var notLeaderErr *NotLeaderError
	require.ErrorAs(err, &notLeaderErr)
	require.Equal(leaderId, notLeaderErr.LeaderId)
}

func TestServerReplication(t *testing.T) {
	c := setupTestCluster(t, 3, nil)

	leaderId := c.waitLeader()

	commands := []string{"a", "b", "c"}
	for _, command := range commands {
		c.submit(leaderId, command)
	}

	for id := range c.servers {
		c.waitCommands(id, commands)
	}
}

func TestServerLeaderFailover(t *testing.T) {
	c := setupTestCluster(t, 3, nil)

	leaderId := c.waitLeader()
	c.submit(leaderId, "a")

	c.network.disconnect(leaderId)

	newLeaderId := c.waitLeader()
	c.submit(newLeaderId, "b")

	c.network.reconnect(leaderId)

	// The old leader must step down and catch up
	for id := range c.servers {
		c.waitCommands(id, []string{"a", "b"})
	}
}

func TestServerRestartPersistence(t *testing.T) {
	c := setupTestCluster(t, 3, nil)

	leaderId := c.waitLeader()

	commands := []string{"a", "b", "c", "d", "e"}
	for _, command := range commands {
		c.submit(leaderId, command)
	}

	for id := range c.serverSet {
		c.stopServer(id)
	}

	for id := range c.serverSet {
		c.restartServer(id)
	}

	leaderId = c.waitLeader()

	// Entries from previous terms are only committed once an entry
	// from the current term is, so force one through.
	c.submit(leaderId, "f")

	for id := range c.servers {
		c.waitCommands(id, append(commands, "f"))
	}
}

func TestServerSnapshotCatchUp(t *testing.T) {
	c := setupTestCluster(t, 3, func(cfg *ServerCfg) {
		cfg.SnapshotLogThreshold = 5
	})

	leaderId := c.waitLeader()

	var followerId ServerId
	for id := range c.servers {
		if id != leaderId {
			followerId = id
			break
		}
	}

	c.network.disconnect(followerId)

	var commands []string
	for i := 0; i < 20; i++ {
		command := fmt.Sprintf("command-%d", i)
		commands = append(commands, command)

		c.submit(leaderId, command)
	}

	c.network.reconnect(followerId)

	// The follower is too far behind the compacted log and must be
	// caught up with a snapshot transfer
	c.waitCommands(followerId, commands)
}

func TestServerJoinAndPromotion(t *testing.T) {
	require := require.New(t)

	c := setupTestCluster(t, 1, nil)

	leaderId := c.waitLeader()
	c.submit(leaderId, "a")

	joinerId := ServerId("joiner")
	joinerAddress := testClusterAddress(joinerId)

	joinerSet := ServerSet{
		joinerId: {
			LocalAddress:  joinerAddress,
			PublicAddress: joinerAddress,
		},
	}

	c.startServer(joinerId, joinerSet, testClusterAddress(leaderId))

	require.Eventually(func() bool {
		status := c.servers[leaderId].Status()

		member, found := status.Members[joinerId]
		return found && member.Voting
	}, 5*time.Second, 10*time.Millisecond)

	c.submit(leaderId, "b")

	c.waitCommands(joinerId, []string{"a", "b"})

	// The joiner must have learnt the full membership, not just its
	// own entry
	require.Eventually(func() bool {
		status := c.servers[joinerId].Status()

		_, found := status.Members[leaderId]
		return found && len(status.Members) == 2
	}, 5*time.Second, 10*time.Millisecond)
}
