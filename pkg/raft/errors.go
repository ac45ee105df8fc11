package raft

import (
	"errors"
	"fmt"
)

// ErrCompacted is returned when a log operation references an index that
// has been discarded by snapshot compaction. Callers must fall back to
// snapshot transfer.
var ErrCompacted = errors.New("log index compacted")

// ErrLeadershipLost is returned to pending proposals when the server
// steps down before the proposed entry is committed. The command may or
// may not survive; clients must retry with the same client id and
// sequence number.
var ErrLeadershipLost = errors.New("leadership lost")

// ErrStopped is returned when the server is shutting down.
var ErrStopped = errors.New("server stopped")

// ErrMembershipChangeInProgress is returned when a membership change is
// proposed while a previous one is still uncommitted. Only one
// membership entry may be in flight at a time.
var ErrMembershipChangeInProgress = errors.New("membership change in progress")

// errConfigChangeDone signals that a proposed membership change is
// already in effect and the proposal has been answered.
var errConfigChangeDone = errors.New("membership change already applied")

// NotLeaderError is returned by write operations on a server which is
// not the current leader. LeaderId and LeaderAddress are hints; they are
// empty when no leader is known.
type NotLeaderError struct {
	LeaderId      ServerId
	LeaderAddress ServerAddress
}

func (err *NotLeaderError) Error() string {
	if err.LeaderId == "" {
		return "no leader"
	}

	return fmt.Sprintf("not leader, current leader is %q", err.LeaderId)
}
