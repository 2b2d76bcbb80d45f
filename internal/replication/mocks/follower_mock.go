package mocks

import (
	"context"
	"errors"
	"time"

	"replicatedlog/internal/replication"
)

// ErrNoRequest is returned by FakeFollower.Next when nothing arrived in time
var ErrNoRequest = errors.New("no AppendEntries request arrived")

type appendOutcome struct {
	result *replication.AppendEntriesResult
	err    error
}

// PendingAppend is a request received by a FakeFollower, waiting for the test to answer it
type PendingAppend struct {
	Request *replication.AppendEntriesRequest
	done    chan appendOutcome
}

// Respond answers the request with res
func (p *PendingAppend) Respond(res *replication.AppendEntriesResult) {
	p.done <- appendOutcome{result: res}
}

// Fail makes the request fail as if the transport broke
func (p *PendingAppend) Fail(err error) {
	p.done <- appendOutcome{err: err}
}

// Ack answers with success, acknowledging everything the request carried
func (p *PendingAppend) Ack() {
	p.Respond(&replication.AppendEntriesResult{
		LogTerm:        p.Request.LeaderTerm,
		MessageID:      p.Request.MessageID,
		LastAckedIndex: p.Request.LastIndex(),
	})
}

// Reject answers with the given reason in the follower term
func (p *PendingAppend) Reject(term replication.LogTerm, reason replication.AppendEntriesErrorReason) {
	p.Respond(&replication.AppendEntriesResult{
		LogTerm:   term,
		ErrorCode: replication.ErrorCodeReplicationRejected,
		Reason:    reason,
		MessageID: p.Request.MessageID,
	})
}

// FakeFollower is a scripted replication.AbstractFollower: every request is queued and
// blocks until the test answers it.
type FakeFollower struct {
	id       replication.ParticipantID
	requests chan *PendingAppend
}

func NewFakeFollower(id replication.ParticipantID) *FakeFollower {
	return &FakeFollower{id: id, requests: make(chan *PendingAppend, 64)}
}

func (f *FakeFollower) ParticipantID() replication.ParticipantID { return f.id }

func (f *FakeFollower) AppendEntries(ctx context.Context, req *replication.AppendEntriesRequest) (*replication.AppendEntriesResult, error) {
	p := &PendingAppend{Request: req, done: make(chan appendOutcome, 1)}
	select {
	case f.requests <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-p.done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Next waits up to timeout for the next request
func (f *FakeFollower) Next(timeout time.Duration) (*PendingAppend, error) {
	select {
	case p := <-f.requests:
		return p, nil
	case <-time.After(timeout):
		return nil, ErrNoRequest
	}
}
