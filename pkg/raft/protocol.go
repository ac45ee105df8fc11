package raft

import (
	"encoding/json"
	"fmt"
)

type RPCMsg interface {
	GetType() string
	GetTerm() Term

	fmt.Stringer
}

// IncomingRPCMsg associates a decoded message with the identity of its
// sender. SourceAddress lets a server answer a peer it does not know
// from its membership yet, which happens while a joining server is
// still replaying membership entries.
type IncomingRPCMsg struct {
	SourceId      ServerId
	SourceAddress ServerAddress
	Msg           RPCMsg
}

type RPCRequestVoteRequest struct {
	Term         Term
	CandidateId  ServerId
	LastLogIndex LogIndex
	LastLogTerm  Term
}

func (msg *RPCRequestVoteRequest) GetType() string {
	return "requestVoteRequest"
}

func (msg *RPCRequestVoteRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCRequestVoteRequest) String() string {
	return fmt.Sprintf("RequestVoteRequest{term: %d, candidateId: %q, "+
		"lastLogIndex: %d, lastLogTerm: %d}",
		msg.Term, msg.CandidateId, msg.LastLogIndex, msg.LastLogTerm)
}

type RPCRequestVoteResponse struct {
	Term        Term
	VoteGranted bool
}

func (msg *RPCRequestVoteResponse) GetType() string {
	return "requestVoteResponse"
}

func (msg *RPCRequestVoteResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCRequestVoteResponse) String() string {
	return fmt.Sprintf("RequestVoteResponse{term: %d, voteGranted: %v}",
		msg.Term, msg.VoteGranted)
}

type RPCAppendEntriesRequest struct {
	Term         Term
	LeaderId     ServerId
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	Entries      []LogEntry
	LeaderCommit LogIndex
}

func (msg *RPCAppendEntriesRequest) GetType() string {
	return "appendEntriesRequest"
}

func (msg *RPCAppendEntriesRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCAppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntriesRequest{term: %d, leaderId: %q, "+
		"prevLogIndex: %d, prevLogTerm: %d, %d entries, leaderCommit: %d}",
		msg.Term, msg.LeaderId, msg.PrevLogIndex, msg.PrevLogTerm,
		len(msg.Entries), msg.LeaderCommit)
}

// RPCAppendEntriesResponse reports the outcome of an AppendEntries
// request. On success, MatchIndex is the index of the last entry the
// follower now holds in common with the leader. On rejection,
// ConflictTerm and ConflictIndex carry the backfill hint: the term of
// the conflicting local entry and the first index of that term, letting
// the leader skip a whole conflicting term per round trip.
type RPCAppendEntriesResponse struct {
	Term          Term
	Success       bool
	MatchIndex    LogIndex
	ConflictTerm  Term
	ConflictIndex LogIndex
}

func (msg *RPCAppendEntriesResponse) GetType() string {
	return "appendEntriesResponse"
}

func (msg *RPCAppendEntriesResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCAppendEntriesResponse) String() string {
	return fmt.Sprintf("AppendEntriesResponse{term: %d, success: %v, "+
		"matchIndex: %d, conflictTerm: %d, conflictIndex: %d}",
		msg.Term, msg.Success, msg.MatchIndex, msg.ConflictTerm,
		msg.ConflictIndex)
}

// RPCInstallSnapshotRequest carries one chunk of a snapshot stream. A
// stream is identified by (Term, LastIncludedIndex); chunks arrive in
// offset order, the last one with Done set.
type RPCInstallSnapshotRequest struct {
	Term              Term
	LeaderId          ServerId
	LastIncludedIndex LogIndex
	LastIncludedTerm  Term
	Membership        Membership
	Offset            int64
	Data              []byte
	Done              bool
}

func (msg *RPCInstallSnapshotRequest) GetType() string {
	return "installSnapshotRequest"
}

func (msg *RPCInstallSnapshotRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCInstallSnapshotRequest) String() string {
	return fmt.Sprintf("InstallSnapshotRequest{term: %d, leaderId: %q, "+
		"lastIncludedIndex: %d, lastIncludedTerm: %d, offset: %d, "+
		"%d bytes, done: %v}",
		msg.Term, msg.LeaderId, msg.LastIncludedIndex,
		msg.LastIncludedTerm, msg.Offset, len(msg.Data), msg.Done)
}

// RPCInstallSnapshotResponse acknowledges a snapshot chunk. NextOffset
// is the offset the follower expects next; when Done is set the
// follower has installed the snapshot identified by LastIncludedIndex.
type RPCInstallSnapshotResponse struct {
	Term              Term
	LastIncludedIndex LogIndex
	NextOffset        int64
	Done              bool
}

func (msg *RPCInstallSnapshotResponse) GetType() string {
	return "installSnapshotResponse"
}

func (msg *RPCInstallSnapshotResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCInstallSnapshotResponse) String() string {
	return fmt.Sprintf("InstallSnapshotResponse{term: %d, "+
		"lastIncludedIndex: %d, nextOffset: %d, done: %v}",
		msg.Term, msg.LastIncludedIndex, msg.NextOffset, msg.Done)
}

func EncodeRPCMsg(msg RPCMsg) ([]byte, error) {
	value := struct {
		Type  string `json:"type"`
		Value RPCMsg `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func DecodeRPCMsg(data []byte) (RPCMsg, error) {
	var value struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var msg RPCMsg

	switch value.Type {
	case "requestVoteRequest":
		msg = &RPCRequestVoteRequest{}

	case "requestVoteResponse":
		msg = &RPCRequestVoteResponse{}

	case "appendEntriesRequest":
		msg = &RPCAppendEntriesRequest{}

	case "appendEntriesResponse":
		msg = &RPCAppendEntriesResponse{}

	case "installSnapshotRequest":
		msg = &RPCInstallSnapshotRequest{}

	case "installSnapshotResponse":
		msg = &RPCInstallSnapshotResponse{}

	default:
		return nil, fmt.Errorf("unknown message type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, &msg); err != nil {
		return nil, err
	}

	return msg, nil
}
