// Package wire encodes replication messages in the protobuf wire format.
//
//	message Entry         { uint64 term = 1; uint64 index = 2; bytes payload = 3; }
//	message TermIndexPair { uint64 term = 1; uint64 index = 2; }
//	message AppendEntriesRequest {
//	  uint64 leader_term = 1; string leader_id = 2; TermIndexPair prev_log_entry = 3;
//	  repeated Entry entries = 4; uint64 leader_commit = 5; uint64 message_id = 6; bool wait_for_sync = 7;
//	}
//	message AppendEntriesResult {
//	  uint64 log_term = 1; int32 error_code = 2; int32 reason = 3; uint64 message_id = 4; uint64 last_acked_index = 5;
//	}
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"replicatedlog/internal/replication"
)

// ErrMalformed is returned for input that is not a valid encoding.
var ErrMalformed = errors.New("malformed message")

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendEntry(b []byte, e replication.PersistingLogEntry) []byte {
	b = appendUint(b, 1, uint64(e.Term))
	b = appendUint(b, 2, uint64(e.Index))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendBytes(b, e.Payload)
}

// MarshalEntry encodes a single entry, as stored on disk.
func MarshalEntry(e replication.PersistingLogEntry) []byte {
	return appendEntry(make([]byte, 0, len(e.Payload)+24), e)
}

// UnmarshalEntry decodes an entry. The payload is copied out of b.
func UnmarshalEntry(b []byte) (replication.PersistingLogEntry, error) {
	var e replication.PersistingLogEntry
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Term = replication.LogTerm(v)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Index = replication.LogIndex(v)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.Payload = append(replication.LogPayload{}, v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return replication.PersistingLogEntry{}, fmt.Errorf("entry: %w", err)
	}
	return e, nil
}

func appendPair(b []byte, p replication.TermIndexPair) []byte {
	b = appendUint(b, 1, uint64(p.Term))
	return appendUint(b, 2, uint64(p.Index))
}

func unmarshalPair(b []byte) (replication.TermIndexPair, error) {
	var p replication.TermIndexPair
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.VarintType && (num == 1 || num == 2) {
			v, n := protowire.ConsumeVarint(b)
			if num == 1 {
				p.Term = replication.LogTerm(v)
			} else {
				p.Index = replication.LogIndex(v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return p, err
}

// MarshalRequest encodes an AppendEntriesRequest.
func MarshalRequest(r *replication.AppendEntriesRequest) []byte {
	size := 64
	for _, e := range r.Entries {
		size += len(e.Payload) + 24
	}
	b := make([]byte, 0, size)
	b = appendUint(b, 1, uint64(r.LeaderTerm))
	if r.LeaderID != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, string(r.LeaderID))
	}
	if pair := appendPair(nil, r.PrevLogEntry); len(pair) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, pair)
	}
	for _, e := range r.Entries {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalEntry(e))
	}
	b = appendUint(b, 5, uint64(r.LeaderCommit))
	b = appendUint(b, 6, uint64(r.MessageID))
	if r.WaitForSync {
		b = appendUint(b, 7, protowire.EncodeBool(true))
	}
	return b
}

// UnmarshalRequest decodes an AppendEntriesRequest.
func UnmarshalRequest(b []byte) (*replication.AppendEntriesRequest, error) {
	r := &replication.AppendEntriesRequest{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.VarintType && num != 2 && num != 3 && num != 4:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case 1:
				r.LeaderTerm = replication.LogTerm(v)
			case 5:
				r.LeaderCommit = replication.LogIndex(v)
			case 6:
				r.MessageID = replication.MessageID(v)
			case 7:
				r.WaitForSync = protowire.DecodeBool(v)
			}
			return n, nil
		case typ == protowire.BytesType && num == 2:
			v, n := protowire.ConsumeString(b)
			r.LeaderID = replication.ParticipantID(v)
			return n, nil
		case typ == protowire.BytesType && num == 3:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			pair, err := unmarshalPair(v)
			r.PrevLogEntry = pair
			return n, err
		case typ == protowire.BytesType && num == 4:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			e, err := UnmarshalEntry(v)
			r.Entries = append(r.Entries, e)
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("append entries request: %w", err)
	}
	return r, nil
}

// MarshalResult encodes an AppendEntriesResult.
func MarshalResult(r *replication.AppendEntriesResult) []byte {
	b := make([]byte, 0, 32)
	b = appendUint(b, 1, uint64(r.LogTerm))
	b = appendUint(b, 2, uint64(r.ErrorCode))
	b = appendUint(b, 3, uint64(r.Reason))
	b = appendUint(b, 4, uint64(r.MessageID))
	return appendUint(b, 5, uint64(r.LastAckedIndex))
}

// UnmarshalResult decodes an AppendEntriesResult.
func UnmarshalResult(b []byte) (*replication.AppendEntriesResult, error) {
	r := &replication.AppendEntriesResult{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case 1:
			r.LogTerm = replication.LogTerm(v)
		case 2:
			r.ErrorCode = replication.ErrorCode(v)
		case 3:
			r.Reason = replication.AppendEntriesErrorReason(v)
		case 4:
			r.MessageID = replication.MessageID(v)
		case 5:
			r.LastAckedIndex = replication.LogIndex(v)
		}
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("append entries result: %w", err)
	}
	return r, nil
}

// consumeFields walks the fields of a message. field returns the number of value bytes it
// consumed, negative on a protowire parse error.
func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		n, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
