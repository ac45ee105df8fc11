package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"path"
	"sync"
	"time"
)

const SnapshotChunkSize = 64 * 1024

type ServerCfg struct {
	Id      ServerId
	Servers ServerSet

	DataDirectory string

	Logger Logger

	StateMachine StateMachine

	// Optional; the HTTP transport bound to the server's local address
	// is used when unset.
	Transport Transport

	// Address of any cluster member to join as a non-voting replica.
	// When empty, the server bootstraps a voting membership from
	// Servers.
	JoinAddress ServerAddress

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	HeartbeatInterval time.Duration

	// Number of applied log entries above the snapshot boundary at
	// which a new snapshot is captured. Zero disables capture.
	SnapshotLogThreshold int

	MaxEntriesPerAppend int

	// Called from the server goroutine when the server becomes leader,
	// when it steps down as leader, and when it learns of a different
	// leader; it is not called when the server becomes a candidate or
	// goes back from candidate to follower. Must not block.
	RoleChangeFunc func(state ServerState, leaderId ServerId, leaderAddress ServerAddress)
}

type proposalResult struct {
	value interface{}
	index LogIndex
	err   error
}

type proposal struct {
	entryType EntryType
	data      []byte

	term       Term
	resultChan chan proposalResult
}

type outgoingSnapshot struct {
	snapshot *Snapshot
	offset   int64
}

type incomingSnapshot struct {
	leaderTerm        Term
	lastIncludedIndex LogIndex
	lastIncludedTerm  Term
	membership        Membership
	data              []byte
}

type Server struct {
	Cfg ServerCfg
	Log Logger

	Id            ServerId
	LocalAddress  ServerAddress
	PublicAddress ServerAddress

	state         ServerState
	currentLeader ServerId

	commitIndex LogIndex
	lastApplied LogIndex

	persistentState PersistentState

	log          *Log
	stateMachine StateMachine

	// Leader only
	nextIndex          map[ServerId]LogIndex
	matchIndex         map[ServerId]LogIndex
	pendingProposals   map[LogIndex]*proposal
	outgoingSnapshots  map[ServerId]*outgoingSnapshot
	uncommittedConfig  LogIndex

	// Candidate only
	votes map[ServerId]bool

	// Follower only
	incomingSnapshot *incomingSnapshot

	// Last known address per peer, learned from incoming messages.
	// Used to answer peers which are not in the membership yet.
	peerAddresses map[ServerId]ServerAddress

	// Internal
	persistentStore *PersistentStore
	logStore        *LogStore
	snapshotStore   *SnapshotStore

	transport Transport

	randGenerator *rand.Rand

	heartbeatTicker *time.Ticker
	electionTimer   *time.Timer

	rpcChan     chan IncomingRPCMsg
	proposeChan chan *proposal
	statusChan  chan chan ClusterStatus

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty server id")
	}

	sdata, found := cfg.Servers[cfg.Id]
	if !found {
		return nil, fmt.Errorf("unknown server id %q", cfg.Id)
	}

	if cfg.DataDirectory == "" {
		return nil, fmt.Errorf("missing or empty data directory")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.StateMachine == nil {
		return nil, fmt.Errorf("missing state machine")
	}

	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 500 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 1000 * time.Millisecond
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	}

	if cfg.MaxEntriesPerAppend == 0 {
		cfg.MaxEntriesPerAppend = 64
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	dataDirectory := path.Join(cfg.DataDirectory, string(cfg.Id))

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:            cfg.Id,
		LocalAddress:  sdata.LocalAddress,
		PublicAddress: sdata.PublicAddress,

		stateMachine: cfg.StateMachine,

		persistentStore: NewPersistentStore(
			path.Join(dataDirectory, "persistent-state.json")),
		logStore: NewLogStore(
			path.Join(dataDirectory, "log.data")),
		snapshotStore: NewSnapshotStore(
			path.Join(dataDirectory, "snapshot.data")),

		transport: cfg.Transport,

		peerAddresses: make(map[ServerId]ServerAddress),

		randGenerator: rand.New(randSource),

		rpcChan:     make(chan IncomingRPCMsg),
		proposeChan: make(chan *proposal),
		statusChan:  make(chan chan ClusterStatus),

		stopChan: make(chan struct{}),
	}

	if s.transport == nil {
		s.transport = NewHTTPTransport(s.LocalAddress)
	}

	return s, nil
}

func (s *Server) Start(errorChan chan<- error) error {
	s.Log.Debug(1, "starting")

	s.errorChan = errorChan

	if err := ensureDirectory(path.Dir(s.persistentStore.filePath)); err != nil {
		return err
	}

	// Persistent store
	s.Log.Debug(1, "loading persistent store from %q",
		s.persistentStore.filePath)

	if err := s.persistentStore.Open(&s.persistentState); err != nil {
		return fmt.Errorf("cannot read persistent state: %w", err)
	}

	s.Log.Debug(1, "initial persistent state: currentTerm %d, votedFor %q, "+
		"snapshotLastIndex %d",
		s.persistentState.CurrentTerm, s.persistentState.VotedFor,
		s.persistentState.SnapshotLastIndex)

	// Snapshot store
	if s.persistentState.SnapshotLastIndex > 0 {
		snapshot, err := s.snapshotStore.Load()
		if err != nil {
			return fmt.Errorf("cannot load snapshot: %w", err)
		}

		if snapshot == nil ||
			snapshot.LastIncludedIndex != s.persistentState.SnapshotLastIndex {
			return fmt.Errorf("snapshot file does not match metadata "+
				"record (index %d)", s.persistentState.SnapshotLastIndex)
		}

		if err := s.stateMachine.Restore(snapshot.Data); err != nil {
			return fmt.Errorf("cannot restore snapshot: %w", err)
		}

		s.commitIndex = snapshot.LastIncludedIndex
		s.lastApplied = snapshot.LastIncludedIndex
	}

	// Log store
	s.Log.Debug(1, "loading log store from %q", s.logStore.filePath)

	entries, err := s.logStore.Open()
	if err != nil {
		return fmt.Errorf("cannot open log store: %w", err)
	}

	s.log = NewLog(s.persistentState.SnapshotLastIndex,
		s.persistentState.SnapshotLastTerm, entries)

	// Membership
	if len(s.persistentState.Membership) == 0 {
		membership := make(Membership)

		if s.Cfg.JoinAddress == "" {
			for id, sdata := range s.Cfg.Servers {
				membership[id] = Member{
					Address: sdata.PublicAddress,
					Voting:  true,
				}
			}
		} else {
			membership[s.Id] = Member{
				Address: s.PublicAddress,
				Voting:  false,
			}
		}

		s.persistentState.Membership = membership

		if err := s.persistentStore.Write(s.persistentState); err != nil {
			return fmt.Errorf("cannot write persistent state: %w", err)
		}
	}

	// Transport
	if err := s.transport.Start(s); err != nil {
		return fmt.Errorf("cannot start transport: %w", err)
	}
	s.Log.Info("listening on %s", s.LocalAddress)

	// Internal state
	s.state = ServerStateFollower

	s.setupHeartbeatTicker()
	s.setupElectionTimer()

	// Main
	s.wg.Add(1)
	go s.main()

	if s.Cfg.JoinAddress != "" {
		s.wg.Add(1)
		go s.joinCluster()
	}

	s.Log.Debug(1, "started")

	return nil
}

func (s *Server) Stop() {
	s.Log.Debug(1, "stopping")

	close(s.stopChan)
	s.wg.Wait()

	s.Log.Debug(1, "stopped")
}

// Submit proposes a command entry and blocks until the entry is applied,
// the server loses leadership, the context expires or the server stops.
// On a non-leader server it fails immediately with a NotLeaderError.
func (s *Server) Submit(ctx context.Context, data []byte) (interface{}, error) {
	return s.propose(ctx, EntryTypeCommand, data)
}

// AddServer proposes the addition of a new non-voting member. Promotion
// to voting member happens automatically once the replica has caught up.
func (s *Server) AddServer(ctx context.Context, id ServerId, address ServerAddress) error {
	data, err := json.Marshal(&MembershipData{Id: id, Address: address})
	if err != nil {
		return fmt.Errorf("cannot encode membership data: %w", err)
	}

	_, err = s.propose(ctx, EntryTypeAddServer, data)
	return err
}

func (s *Server) propose(ctx context.Context, entryType EntryType, data []byte) (interface{}, error) {
	p := &proposal{
		entryType:  entryType,
		data:       data,
		resultChan: make(chan proposalResult, 1),
	}

	select {
	case s.proposeChan <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopChan:
		return nil, ErrStopped
	}

	select {
	case res := <-p.resultChan:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopChan:
		return nil, ErrStopped
	}
}

// Status reports the server's view of the cluster. It is safe to call
// from any goroutine.
func (s *Server) Status() ClusterStatus {
	ch := make(chan ClusterStatus, 1)

	select {
	case s.statusChan <- ch:
		return <-ch
	case <-s.stopChan:
		return ClusterStatus{Id: s.Id}
	}
}

// LeaderHint returns the identifier and address of the last known
// leader, or empty values if none is known.
func (s *Server) LeaderHint() (ServerId, ServerAddress) {
	status := s.Status()

	member, found := status.Members[status.LeaderId]
	if !found {
		return status.LeaderId, ""
	}

	return status.LeaderId, member.Address
}

func (s *Server) joinCluster() {
	defer s.wg.Done()

	address := s.Cfg.JoinAddress

	for {
		ok, hint, err := s.transport.Join(address, s.Id, s.PublicAddress)
		if err != nil {
			s.Log.Error("cannot join cluster via %s: %v", address, err)
		} else if ok {
			s.Log.Info("joined cluster via %s", address)
			return
		} else if hint != "" {
			address = hint
		}

		select {
		case <-time.After(time.Second):
		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) main() {
	defer s.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			s.Log.Error("panic: %s\n%s", msg, trace)

			s.errorChan <- fmt.Errorf("panic: %s", msg)
			s.shutdown()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			s.shutdown()
			return

		case <-s.heartbeatTicker.C:
			s.onHeartbeatTicker()

		case <-s.electionTimer.C:
			s.onElectionTimer()

		case incomingMsg := <-s.rpcChan:
			if incomingMsg.SourceAddress != "" {
				s.peerAddresses[incomingMsg.SourceId] =
					incomingMsg.SourceAddress
			}

			s.onRPCMsg(incomingMsg.SourceId, incomingMsg.Msg)

		case p := <-s.proposeChan:
			s.onProposal(p)

		case ch := <-s.statusChan:
			ch <- s.status()
		}
	}
}

func (s *Server) shutdown() {
	s.Log.Debug(1, "shutting down")

	s.failPendingProposals(ErrStopped)

	s.transport.Stop()

	s.logStore.Close()
	s.persistentStore.Close()
}

func (s *Server) status() ClusterStatus {
	return ClusterStatus{
		Id:          s.Id,
		State:       s.state,
		LeaderId:    s.currentLeader,
		Term:        s.persistentState.CurrentTerm,
		CommitIndex: s.commitIndex,
		LastApplied: s.lastApplied,
		Members:     s.persistentState.Membership.Clone(),
	}
}

func (s *Server) member(id ServerId) (Member, bool) {
	member, found := s.persistentState.Membership[id]
	return member, found
}

func (s *Server) selfVoting() bool {
	member, found := s.member(s.Id)
	return found && member.Voting
}

func (s *Server) notifyRoleChange() {
	if s.Cfg.RoleChangeFunc == nil {
		return
	}

	var address ServerAddress
	if member, found := s.member(s.currentLeader); found {
		address = member.Address
	}

	s.Cfg.RoleChangeFunc(s.state, s.currentLeader, address)
}

// mustPersistState writes the metadata record or aborts the server. A
// metadata write failure means the durability contract cannot be upheld.
func (s *Server) mustPersistState() {
	if err := s.persistentStore.Write(s.persistentState); err != nil {
		Panicf("cannot write persistent state: %v", err)
	}
}

func (s *Server) adoptTerm(term Term) {
	s.persistentState.CurrentTerm = term
	s.persistentState.VotedFor = ""
	s.mustPersistState()
}

// ---------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------

func (s *Server) onHeartbeatTicker() {
	if s.state != ServerStateLeader {
		return
	}

	s.broadcastAppendEntries()
}

func (s *Server) onElectionTimer() {
	if s.state == ServerStateLeader {
		return
	}

	if !s.selfVoting() {
		// Non-voting replicas never start elections; they wait for a
		// leader to contact them.
		s.setupElectionTimer()
		return
	}

	s.startElection()
}

func (s *Server) setupHeartbeatTicker() {
	s.heartbeatTicker = time.NewTicker(s.Cfg.HeartbeatInterval)
}

func (s *Server) setupElectionTimer() {
	timeout := s.electionTimeout()
	s.Log.Debug(2, "election timer will expire in %v", timeout)

	if s.electionTimer != nil {
		if !s.electionTimer.Stop() {
			select {
			case <-s.electionTimer.C:
			default:
			}
		}

		s.electionTimer.Reset(timeout)
		return
	}

	s.electionTimer = time.NewTimer(timeout)
}

func (s *Server) electionTimeout() time.Duration {
	minTimeout := s.Cfg.MinElectionTimeout
	maxTimeout := s.Cfg.MaxElectionTimeout

	jitter := time.Duration(s.randGenerator.Int63n(
		int64(maxTimeout-minTimeout) + 1))

	return minTimeout + jitter
}

// ---------------------------------------------------------------------
// Elections
// ---------------------------------------------------------------------

func (s *Server) startElection() {
	s.Log.Debug(1, "starting election for term %d",
		s.persistentState.CurrentTerm+1)

	// Start a new term and vote for ourselves
	s.persistentState.CurrentTerm++
	s.persistentState.VotedFor = s.Id
	s.mustPersistState()

	s.state = ServerStateCandidate
	s.currentLeader = ""

	s.votes = make(map[ServerId]bool)
	s.votes[s.Id] = true

	s.broadcastMsg(&RPCRequestVoteRequest{
		Term:         s.persistentState.CurrentTerm,
		CandidateId:  s.Id,
		LastLogIndex: s.log.LastIndex(),
		LastLogTerm:  s.log.LastTerm(),
	})

	// Rearm the election timer to detect an election timeout
	s.setupElectionTimer()

	// A single-server cluster wins its election immediately
	s.checkElectionResult()
}

func (s *Server) checkElectionResult() {
	if s.state != ServerStateCandidate {
		return
	}

	nbVotes := 0
	for id, granted := range s.votes {
		member, found := s.member(id)
		if granted && found && member.Voting {
			nbVotes++
		}
	}

	quorum := s.persistentState.Membership.Quorum()
	if nbVotes < quorum {
		return
	}

	s.Log.Info("obtained %d/%d votes, becoming leader",
		nbVotes, s.persistentState.Membership.NbVoting())

	s.becomeLeader()
}

func (s *Server) becomeLeader() {
	s.state = ServerStateLeader
	s.currentLeader = s.Id

	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}

	// Clear candidate data
	s.votes = nil

	s.nextIndex = make(map[ServerId]LogIndex)
	s.matchIndex = make(map[ServerId]LogIndex)

	for id := range s.persistentState.Membership {
		if id == s.Id {
			continue
		}

		s.nextIndex[id] = s.log.LastIndex() + 1
		s.matchIndex[id] = 0
	}

	s.pendingProposals = make(map[LogIndex]*proposal)
	s.outgoingSnapshots = make(map[ServerId]*outgoingSnapshot)
	s.uncommittedConfig = 0

	s.broadcastAppendEntries()

	s.heartbeatTicker.Reset(s.Cfg.HeartbeatInterval)

	s.notifyRoleChange()
}

func (s *Server) revertToFollower() {
	wasLeader := s.state == ServerStateLeader

	s.state = ServerStateFollower

	// Clear leader data
	s.nextIndex = nil
	s.matchIndex = nil
	s.outgoingSnapshots = nil
	s.uncommittedConfig = 0

	s.failPendingProposals(ErrLeadershipLost)

	// Clear candidate data
	s.votes = nil

	// Rearm the election timer; if we do not receive any AppendEntries
	// request before the timer goes off, we will become candidate and
	// start an election.
	s.setupElectionTimer()

	if wasLeader {
		s.notifyRoleChange()
	}
}

func (s *Server) failPendingProposals(err error) {
	for _, p := range s.pendingProposals {
		p.resultChan <- proposalResult{err: err}
	}

	s.pendingProposals = nil
}

// ---------------------------------------------------------------------
// Proposals
// ---------------------------------------------------------------------

func (s *Server) onProposal(p *proposal) {
	if s.state != ServerStateLeader {
		var hint ServerAddress
		if member, found := s.member(s.currentLeader); found {
			hint = member.Address
		}

		p.resultChan <- proposalResult{
			err: &NotLeaderError{
				LeaderId:      s.currentLeader,
				LeaderAddress: hint,
			},
		}

		return
	}

	switch p.entryType {
	case EntryTypeAddServer, EntryTypePromoteServer:
		if err := s.checkConfigChange(p); err != nil {
			if err != errConfigChangeDone {
				p.resultChan <- proposalResult{err: err}
			}
			return
		}
	}

	entry := LogEntry{
		Index: s.log.LastIndex() + 1,
		Term:  s.persistentState.CurrentTerm,
		Type:  p.entryType,
		Data:  p.data,
	}

	if err := s.logStore.Append(entry); err != nil {
		Panicf("cannot append log entry: %v", err)
	}

	s.log.Append(entry)

	p.term = entry.Term
	s.pendingProposals[entry.Index] = p

	switch p.entryType {
	case EntryTypeAddServer, EntryTypePromoteServer:
		s.uncommittedConfig = entry.Index
	}

	s.Log.Debug(1, "proposed entry %d in term %d", entry.Index, entry.Term)

	s.broadcastAppendEntries()

	// A single-server cluster commits immediately
	s.advanceCommitIndex()
}

// checkConfigChange validates a membership proposal and rewrites its
// payload to carry the complete post-change membership, so that any
// server applying the entry learns the full cluster composition.
func (s *Server) checkConfigChange(p *proposal) error {
	// Only one membership change may be uncommitted at a time
	if s.uncommittedConfig > s.commitIndex {
		return ErrMembershipChangeInProgress
	}

	var data MembershipData
	if err := json.Unmarshal(p.data, &data); err != nil {
		return fmt.Errorf("cannot decode membership data: %w", err)
	}

	membership := s.persistentState.Membership.Clone()

	switch p.entryType {
	case EntryTypeAddServer:
		if member, found := membership[data.Id]; found {
			if member.Address == data.Address {
				// The server is already a member; adding it again is a
				// no-op so that join retries are harmless.
				p.resultChan <- proposalResult{}
				return errConfigChangeDone
			}

			return fmt.Errorf("server %q is already a member with "+
				"address %q", data.Id, member.Address)
		}

		membership[data.Id] = Member{Address: data.Address, Voting: false}

	case EntryTypePromoteServer:
		member, found := membership[data.Id]
		if !found {
			return fmt.Errorf("unknown server %q", data.Id)
		}

		if member.Voting {
			p.resultChan <- proposalResult{}
			return errConfigChangeDone
		}

		member.Voting = true
		membership[data.Id] = member
	}

	data.Membership = membership

	encodedData, err := json.Marshal(&data)
	if err != nil {
		return fmt.Errorf("cannot encode membership data: %w", err)
	}

	p.data = encodedData

	return nil
}

// ---------------------------------------------------------------------
// RPC handling
// ---------------------------------------------------------------------

func (s *Server) onRPCMsg(sourceId ServerId, msg RPCMsg) {
	s.Log.Debug(2, "received %v from %s", msg, sourceId)

	term := msg.GetTerm()

	if term > s.persistentState.CurrentTerm {
		// If a message contains a term higher than the current one, we
		// are out-of-date and must revert to follower.

		s.Log.Debug(1, "received message with term %d (current term: %d), "+
			"reverting to follower", term, s.persistentState.CurrentTerm)

		s.adoptTerm(term)

		// Any partial snapshot stream belongs to the previous term
		s.incomingSnapshot = nil

		if s.state != ServerStateFollower {
			s.revertToFollower()
		} else {
			s.currentLeader = ""
		}
	}

	switch msgv := msg.(type) {
	case *RPCRequestVoteRequest:
		s.onRPCRequestVoteRequest(sourceId, msgv)
	case *RPCRequestVoteResponse:
		s.onRPCRequestVoteResponse(sourceId, msgv)
	case *RPCAppendEntriesRequest:
		s.onRPCAppendEntriesRequest(sourceId, msgv)
	case *RPCAppendEntriesResponse:
		s.onRPCAppendEntriesResponse(sourceId, msgv)
	case *RPCInstallSnapshotRequest:
		s.onRPCInstallSnapshotRequest(sourceId, msgv)
	case *RPCInstallSnapshotResponse:
		s.onRPCInstallSnapshotResponse(sourceId, msgv)
	default:
		s.Log.Error("unexpected message %v from %s", msg, sourceId)
	}
}

func (s *Server) onRPCRequestVoteRequest(sourceId ServerId, req *RPCRequestVoteRequest) {
	pstate := &s.persistentState

	if req.Term < pstate.CurrentTerm {
		s.sendMsg(sourceId, &RPCRequestVoteResponse{
			Term:        pstate.CurrentTerm,
			VoteGranted: false,
		})

		return
	}

	noVoteGranted := pstate.VotedFor == ""
	sameVoteGranted := pstate.VotedFor == req.CandidateId

	// The candidate's log must be at least as up-to-date as ours:
	// compare (lastLogTerm, lastLogIndex) lexicographically.
	localLastTerm := s.log.LastTerm()
	localLastIndex := s.log.LastIndex()

	logUpToDate := req.LastLogTerm > localLastTerm ||
		(req.LastLogTerm == localLastTerm &&
			req.LastLogIndex >= localLastIndex)

	res := RPCRequestVoteResponse{
		Term:        pstate.CurrentTerm,
		VoteGranted: (noVoteGranted || sameVoteGranted) && logUpToDate,
	}

	if res.VoteGranted {
		pstate.VotedFor = req.CandidateId
		s.mustPersistState()

		// Granting a vote resets the election timer
		if s.state == ServerStateFollower {
			s.setupElectionTimer()
		}
	}

	s.sendMsg(sourceId, &res)
}

func (s *Server) onRPCRequestVoteResponse(sourceId ServerId, res *RPCRequestVoteResponse) {
	if s.state != ServerStateCandidate {
		return
	}

	if res.Term < s.persistentState.CurrentTerm {
		return
	}

	s.votes[sourceId] = res.VoteGranted

	s.checkElectionResult()
}

func (s *Server) onRPCAppendEntriesRequest(sourceId ServerId, req *RPCAppendEntriesRequest) {
	pstate := &s.persistentState

	if req.Term < pstate.CurrentTerm {
		// Let a stale leader discover the new term
		s.sendMsg(sourceId, &RPCAppendEntriesResponse{
			Term:    pstate.CurrentTerm,
			Success: false,
		})

		return
	}

	// A valid AppendEntries request from the current term establishes
	// the sender as leader.
	if s.state == ServerStateCandidate {
		s.revertToFollower()
	}

	if req.LeaderId != s.currentLeader {
		s.Log.Info("leader is %s", req.LeaderId)
		s.currentLeader = req.LeaderId
		s.notifyRoleChange()
	}

	s.setupElectionTimer()

	// Consistency check
	prevLogIndex := req.PrevLogIndex
	entries := req.Entries

	snapshotLastIndex := s.log.SnapshotLastIndex()

	if prevLogIndex < snapshotLastIndex {
		// Entries at or below the snapshot boundary are committed and
		// identical by the Log Matching property; skip them.
		keep := entries[:0:0]
		for _, entry := range entries {
			if entry.Index > snapshotLastIndex {
				keep = append(keep, entry)
			}
		}

		entries = keep
		prevLogIndex = snapshotLastIndex
	}

	if prevLogIndex > 0 {
		localTerm, err := s.log.TermAt(prevLogIndex)
		if err != nil {
			// We do not have the entry at all; point the leader at the
			// end of our log.
			s.sendMsg(sourceId, &RPCAppendEntriesResponse{
				Term:          pstate.CurrentTerm,
				Success:       false,
				ConflictIndex: s.log.LastIndex() + 1,
			})

			return
		}

		if localTerm != req.PrevLogTerm && prevLogIndex == req.PrevLogIndex {
			conflictIndex := s.log.FirstIndexOfTerm(localTerm)
			if conflictIndex == 0 {
				conflictIndex = prevLogIndex
			}

			s.sendMsg(sourceId, &RPCAppendEntriesResponse{
				Term:          pstate.CurrentTerm,
				Success:       false,
				ConflictTerm:  localTerm,
				ConflictIndex: conflictIndex,
			})

			return
		}
	}

	// Reconcile entries: skip the ones we already hold, truncate on the
	// first term conflict, then append the remainder.
	var newEntries []LogEntry

	for i, entry := range entries {
		if entry.Index > s.log.LastIndex() {
			newEntries = entries[i:]
			break
		}

		localTerm, err := s.log.TermAt(entry.Index)
		if err == nil && localTerm == entry.Term {
			continue
		}

		if entry.Index <= s.commitIndex {
			Panicf("conflicting entry %d below commit index %d",
				entry.Index, s.commitIndex)
		}

		if err := s.logStore.TruncateSuffixFrom(entry.Index); err != nil {
			Panicf("cannot truncate log: %v", err)
		}

		if err := s.log.TruncateSuffixFrom(entry.Index); err != nil {
			Panicf("cannot truncate log: %v", err)
		}

		newEntries = entries[i:]
		break
	}

	if len(newEntries) > 0 {
		if err := s.logStore.Append(newEntries...); err != nil {
			Panicf("cannot append log entries: %v", err)
		}

		s.log.Append(newEntries...)
	}

	lastNewIndex := prevLogIndex + LogIndex(len(entries))

	if req.LeaderCommit > s.commitIndex {
		s.commitIndex = minLogIndex(req.LeaderCommit, lastNewIndex)
		s.applyCommittedEntries()
	}

	s.sendMsg(sourceId, &RPCAppendEntriesResponse{
		Term:       pstate.CurrentTerm,
		Success:    true,
		MatchIndex: lastNewIndex,
	})
}

func (s *Server) onRPCAppendEntriesResponse(sourceId ServerId, res *RPCAppendEntriesResponse) {
	if s.state != ServerStateLeader {
		return
	}

	if res.Term < s.persistentState.CurrentTerm {
		return
	}

	if _, found := s.member(sourceId); !found {
		return
	}

	if res.Success {
		if res.MatchIndex > s.matchIndex[sourceId] {
			s.matchIndex[sourceId] = res.MatchIndex
		}

		s.nextIndex[sourceId] = s.matchIndex[sourceId] + 1

		s.advanceCommitIndex()
		s.maybePromote(sourceId)

		// Keep feeding a lagging follower without waiting for the next
		// heartbeat.
		if s.nextIndex[sourceId] <= s.log.LastIndex() {
			s.sendAppendEntries(sourceId)
		}

		return
	}

	// Use the conflict hint to skip an entire term per round trip: if
	// we hold entries of the conflicting term, resume after our last
	// entry of that term; otherwise jump to the follower's first index
	// of that term.
	nextIndex := res.ConflictIndex

	if res.ConflictTerm > 0 {
		if last := s.log.LastIndexOfTerm(res.ConflictTerm); last > 0 {
			nextIndex = last + 1
		}
	}

	if nextIndex < 1 {
		nextIndex = 1
	}

	if nextIndex < s.nextIndex[sourceId] {
		s.nextIndex[sourceId] = nextIndex
	} else if s.nextIndex[sourceId] > 1 {
		s.nextIndex[sourceId]--
	}

	s.sendAppendEntries(sourceId)
}

// ---------------------------------------------------------------------
// Replication
// ---------------------------------------------------------------------

func (s *Server) broadcastAppendEntries() {
	for id := range s.persistentState.Membership {
		if id == s.Id {
			continue
		}

		s.sendAppendEntries(id)
	}
}

func (s *Server) sendAppendEntries(peerId ServerId) {
	if snapshot, found := s.outgoingSnapshots[peerId]; found {
		// The peer is mid-snapshot; retry the current chunk instead of
		// sending entries it cannot use yet.
		s.sendSnapshotChunk(peerId, snapshot)
		return
	}

	nextIndex := s.nextIndex[peerId]
	if nextIndex <= s.log.SnapshotLastIndex() {
		s.startSnapshotTransfer(peerId)
		return
	}

	prevLogIndex := nextIndex - 1

	prevLogTerm, err := s.log.TermAt(prevLogIndex)
	if err != nil {
		s.startSnapshotTransfer(peerId)
		return
	}

	entries, err := s.log.SliceFrom(nextIndex)
	if err != nil {
		s.startSnapshotTransfer(peerId)
		return
	}

	if len(entries) > s.Cfg.MaxEntriesPerAppend {
		entries = entries[:s.Cfg.MaxEntriesPerAppend]
	}

	s.sendMsg(peerId, &RPCAppendEntriesRequest{
		Term:         s.persistentState.CurrentTerm,
		LeaderId:     s.Id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: s.commitIndex,
	})
}

func (s *Server) advanceCommitIndex() {
	if s.state != ServerStateLeader {
		return
	}

	membership := s.persistentState.Membership
	quorum := membership.Quorum()

	for n := s.log.LastIndex(); n > s.commitIndex; n-- {
		term, err := s.log.TermAt(n)
		if err != nil {
			break
		}

		// Only entries of the current term may be committed by
		// counting replicas; earlier entries commit implicitly.
		if term != s.persistentState.CurrentTerm {
			break
		}

		count := 0

		for id, member := range membership {
			if !member.Voting {
				continue
			}

			if id == s.Id || s.matchIndex[id] >= n {
				count++
			}
		}

		if count >= quorum {
			s.commitIndex = n
			s.applyCommittedEntries()
			break
		}
	}
}

// ---------------------------------------------------------------------
// Application
// ---------------------------------------------------------------------

func (s *Server) applyCommittedEntries() {
	for s.lastApplied < s.commitIndex {
		index := s.lastApplied + 1

		entry, err := s.log.EntryAt(index)
		if err != nil {
			Panicf("cannot load committed entry %d: %v", index, err)
		}

		var value interface{}
		var applyErr error

		switch entry.Type {
		case EntryTypeCommand:
			value, applyErr = s.stateMachine.Apply(index, entry.Data)
			if applyErr != nil {
				Panicf("cannot apply entry %d: %v", index, applyErr)
			}

		case EntryTypeAddServer, EntryTypePromoteServer:
			s.applyMembershipEntry(entry)
		}

		s.lastApplied = index

		if p, found := s.pendingProposals[index]; found {
			delete(s.pendingProposals, index)

			if p.term == entry.Term {
				p.resultChan <- proposalResult{value: value, index: index}
			} else {
				p.resultChan <- proposalResult{err: ErrLeadershipLost}
			}
		}
	}

	s.maybeCaptureSnapshot()
}

// applyMembershipEntry installs the complete membership carried by a
// committed membership entry. The payload always holds the full
// post-change composition, so a server which joined long after the
// cluster was bootstrapped still learns every member.
func (s *Server) applyMembershipEntry(entry LogEntry) {
	var data MembershipData
	if err := json.Unmarshal(entry.Data, &data); err != nil {
		Panicf("cannot decode membership entry %d: %v", entry.Index, err)
	}

	if data.Membership == nil {
		s.Log.Error("membership entry %d has no membership", entry.Index)
		return
	}

	s.persistentState.Membership = data.Membership.Clone()
	s.mustPersistState()

	switch entry.Type {
	case EntryTypeAddServer:
		s.Log.Info("server %q added as non-voting member", data.Id)

	case EntryTypePromoteServer:
		s.Log.Info("server %q promoted to voting member", data.Id)
	}

	if s.state == ServerStateLeader {
		// Start replicating to members we were not tracking yet
		for id := range s.persistentState.Membership {
			if id == s.Id {
				continue
			}

			if _, found := s.nextIndex[id]; !found {
				s.nextIndex[id] = s.log.LastIndex() + 1
				s.matchIndex[id] = 0
			}
		}
	}
}

// maybePromote proposes the promotion of a non-voting member once its
// log has caught up with ours.
func (s *Server) maybePromote(peerId ServerId) {
	member, found := s.member(peerId)
	if !found || member.Voting {
		return
	}

	if s.uncommittedConfig > s.commitIndex {
		return
	}

	if s.matchIndex[peerId] < s.log.LastIndex() {
		return
	}

	s.Log.Info("server %q caught up, proposing promotion", peerId)

	membership := s.persistentState.Membership.Clone()
	member.Voting = true
	membership[peerId] = member

	data, err := json.Marshal(&MembershipData{
		Id:         peerId,
		Membership: membership,
	})
	if err != nil {
		s.Log.Error("cannot encode membership data: %v", err)
		return
	}

	entry := LogEntry{
		Index: s.log.LastIndex() + 1,
		Term:  s.persistentState.CurrentTerm,
		Type:  EntryTypePromoteServer,
		Data:  data,
	}

	if err := s.logStore.Append(entry); err != nil {
		Panicf("cannot append log entry: %v", err)
	}

	s.log.Append(entry)
	s.uncommittedConfig = entry.Index

	s.broadcastAppendEntries()
	s.advanceCommitIndex()
}

// ---------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------

func (s *Server) maybeCaptureSnapshot() {
	threshold := s.Cfg.SnapshotLogThreshold
	if threshold <= 0 {
		return
	}

	if s.lastApplied <= s.log.SnapshotLastIndex() {
		return
	}

	if int(s.lastApplied-s.log.SnapshotLastIndex()) < threshold {
		return
	}

	s.captureSnapshot()
}

func (s *Server) captureSnapshot() {
	lastIncludedIndex := s.lastApplied

	lastIncludedTerm, err := s.log.TermAt(lastIncludedIndex)
	if err != nil {
		Panicf("cannot resolve term of applied entry %d: %v",
			lastIncludedIndex, err)
	}

	data, err := s.stateMachine.Snapshot()
	if err != nil {
		Panicf("cannot capture state machine snapshot: %v", err)
	}

	snapshot := Snapshot{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Membership:        s.persistentState.Membership.Clone(),
		Data:              data,
	}

	if err := s.snapshotStore.Save(&snapshot); err != nil {
		Panicf("cannot save snapshot: %v", err)
	}

	s.persistentState.SnapshotLastIndex = lastIncludedIndex
	s.persistentState.SnapshotLastTerm = lastIncludedTerm
	s.mustPersistState()

	s.log.CompactTo(lastIncludedIndex, lastIncludedTerm)

	if err := s.logStore.Rewrite(s.log.Entries()); err != nil {
		Panicf("cannot compact log store: %v", err)
	}

	s.Log.Info("captured snapshot through index %d (term %d)",
		lastIncludedIndex, lastIncludedTerm)
}

func (s *Server) startSnapshotTransfer(peerId ServerId) {
	if _, found := s.outgoingSnapshots[peerId]; found {
		return
	}

	snapshot, err := s.snapshotStore.Load()
	if err != nil {
		s.Log.Error("cannot load snapshot: %v", err)
		return
	}

	if snapshot == nil {
		s.Log.Error("peer %q requires compacted entries but no "+
			"snapshot is available", peerId)
		return
	}

	s.Log.Info("starting snapshot transfer to %q (through index %d)",
		peerId, snapshot.LastIncludedIndex)

	outgoing := &outgoingSnapshot{snapshot: snapshot}
	s.outgoingSnapshots[peerId] = outgoing

	s.sendSnapshotChunk(peerId, outgoing)
}

func (s *Server) sendSnapshotChunk(peerId ServerId, outgoing *outgoingSnapshot) {
	snapshot := outgoing.snapshot

	end := outgoing.offset + SnapshotChunkSize
	if end > int64(len(snapshot.Data)) {
		end = int64(len(snapshot.Data))
	}

	s.sendMsg(peerId, &RPCInstallSnapshotRequest{
		Term:              s.persistentState.CurrentTerm,
		LeaderId:          s.Id,
		LastIncludedIndex: snapshot.LastIncludedIndex,
		LastIncludedTerm:  snapshot.LastIncludedTerm,
		Membership:        snapshot.Membership,
		Offset:            outgoing.offset,
		Data:              snapshot.Data[outgoing.offset:end],
		Done:              end == int64(len(snapshot.Data)),
	})
}

func (s *Server) onRPCInstallSnapshotRequest(sourceId ServerId, req *RPCInstallSnapshotRequest) {
	pstate := &s.persistentState

	if req.Term < pstate.CurrentTerm {
		s.sendMsg(sourceId, &RPCInstallSnapshotResponse{
			Term:              pstate.CurrentTerm,
			LastIncludedIndex: req.LastIncludedIndex,
		})

		return
	}

	if s.state == ServerStateCandidate {
		s.revertToFollower()
	}

	if req.LeaderId != s.currentLeader {
		s.currentLeader = req.LeaderId
		s.notifyRoleChange()
	}

	s.setupElectionTimer()

	if req.LastIncludedIndex <= s.log.SnapshotLastIndex() {
		// We already hold a snapshot at least this recent; acknowledge
		// so the leader resumes AppendEntries.
		s.sendMsg(sourceId, &RPCInstallSnapshotResponse{
			Term:              pstate.CurrentTerm,
			LastIncludedIndex: req.LastIncludedIndex,
			Done:              true,
		})

		return
	}

	incoming := s.incomingSnapshot

	if incoming == nil ||
		incoming.leaderTerm != req.Term ||
		incoming.lastIncludedIndex != req.LastIncludedIndex {
		if req.Offset != 0 {
			// Mid-stream chunk for a stream we are not accumulating;
			// ask the leader to restart.
			s.sendMsg(sourceId, &RPCInstallSnapshotResponse{
				Term:              pstate.CurrentTerm,
				LastIncludedIndex: req.LastIncludedIndex,
				NextOffset:        0,
			})

			return
		}

		incoming = &incomingSnapshot{
			leaderTerm:        req.Term,
			lastIncludedIndex: req.LastIncludedIndex,
			lastIncludedTerm:  req.LastIncludedTerm,
			membership:        req.Membership,
		}

		s.incomingSnapshot = incoming
	}

	if req.Offset != int64(len(incoming.data)) {
		s.sendMsg(sourceId, &RPCInstallSnapshotResponse{
			Term:              pstate.CurrentTerm,
			LastIncludedIndex: req.LastIncludedIndex,
			NextOffset:        int64(len(incoming.data)),
		})

		return
	}

	incoming.data = append(incoming.data, req.Data...)

	if !req.Done {
		s.sendMsg(sourceId, &RPCInstallSnapshotResponse{
			Term:              pstate.CurrentTerm,
			LastIncludedIndex: req.LastIncludedIndex,
			NextOffset:        int64(len(incoming.data)),
		})

		return
	}

	s.installSnapshot(incoming)
	s.incomingSnapshot = nil

	s.sendMsg(sourceId, &RPCInstallSnapshotResponse{
		Term:              pstate.CurrentTerm,
		LastIncludedIndex: req.LastIncludedIndex,
		NextOffset:        int64(len(incoming.data)),
		Done:              true,
	})
}

func (s *Server) installSnapshot(incoming *incomingSnapshot) {
	s.Log.Info("installing snapshot through index %d (term %d)",
		incoming.lastIncludedIndex, incoming.lastIncludedTerm)

	snapshot := Snapshot{
		LastIncludedIndex: incoming.lastIncludedIndex,
		LastIncludedTerm:  incoming.lastIncludedTerm,
		Membership:        incoming.membership,
		Data:              incoming.data,
	}

	if err := s.snapshotStore.Save(&snapshot); err != nil {
		Panicf("cannot save snapshot: %v", err)
	}

	if err := s.stateMachine.Restore(snapshot.Data); err != nil {
		Panicf("cannot restore snapshot: %v", err)
	}

	if snapshot.Membership != nil {
		s.persistentState.Membership = snapshot.Membership.Clone()
	}

	// Retain the log suffix if we hold entries beyond the snapshot;
	// otherwise discard the whole log.
	if snapshot.LastIncludedIndex >= s.log.LastIndex() {
		s.log.Reset(snapshot.LastIncludedIndex, snapshot.LastIncludedTerm)
	} else {
		s.log.CompactTo(snapshot.LastIncludedIndex,
			snapshot.LastIncludedTerm)
	}

	if err := s.logStore.Rewrite(s.log.Entries()); err != nil {
		Panicf("cannot rewrite log store: %v", err)
	}

	s.persistentState.SnapshotLastIndex = snapshot.LastIncludedIndex
	s.persistentState.SnapshotLastTerm = snapshot.LastIncludedTerm
	s.mustPersistState()

	s.commitIndex = maxLogIndex(s.commitIndex, snapshot.LastIncludedIndex)
	s.lastApplied = snapshot.LastIncludedIndex

	s.applyCommittedEntries()
}

func (s *Server) onRPCInstallSnapshotResponse(sourceId ServerId, res *RPCInstallSnapshotResponse) {
	if s.state != ServerStateLeader {
		return
	}

	outgoing, found := s.outgoingSnapshots[sourceId]
	if !found {
		return
	}

	if res.LastIncludedIndex != outgoing.snapshot.LastIncludedIndex {
		return
	}

	if res.Done {
		delete(s.outgoingSnapshots, sourceId)

		s.matchIndex[sourceId] = maxLogIndex(s.matchIndex[sourceId],
			outgoing.snapshot.LastIncludedIndex)
		s.nextIndex[sourceId] = outgoing.snapshot.LastIncludedIndex + 1

		s.Log.Info("snapshot transfer to %q complete", sourceId)

		s.advanceCommitIndex()
		s.sendAppendEntries(sourceId)

		return
	}

	outgoing.offset = res.NextOffset
	s.sendSnapshotChunk(sourceId, outgoing)
}

// ---------------------------------------------------------------------
// Join requests
// ---------------------------------------------------------------------

// HandleJoin processes a JoinCluster request from a new server. It is
// called from transport goroutines.
func (s *Server) HandleJoin(ctx context.Context, id ServerId, address ServerAddress) error {
	return s.AddServer(ctx, id, address)
}

// DeliverMsg hands an incoming message to the server goroutine. It is
// called from transport goroutines.
func (s *Server) DeliverMsg(msg IncomingRPCMsg) {
	select {
	case s.rpcChan <- msg:
	case <-s.stopChan:
	}
}

// ---------------------------------------------------------------------
// Outgoing messages
// ---------------------------------------------------------------------

func (s *Server) sendMsg(recipientId ServerId, msg RPCMsg) {
	s.Log.Debug(2, "sending %v to %s", msg, recipientId)

	address, found := s.recipientAddress(recipientId)
	if !found {
		s.Log.Error("unknown recipient id %q", recipientId)
		return
	}

	s.transport.Send(recipientId, address, s.Id, msg)
}

func (s *Server) recipientAddress(id ServerId) (ServerAddress, bool) {
	if member, found := s.member(id); found {
		return member.Address, true
	}

	if address, found := s.peerAddresses[id]; found {
		return address, true
	}

	if sdata, found := s.Cfg.Servers[id]; found {
		return sdata.PublicAddress, true
	}

	return "", false
}

func (s *Server) broadcastMsg(msg RPCMsg) {
	for id := range s.persistentState.Membership {
		if id == s.Id {
			continue
		}

		s.sendMsg(id, msg)
	}
}
