package mtsession

import (
	"github.com/amarnathcjd/mtsession/codec"
	"github.com/amarnathcjd/mtsession/proto"
)

// runWorker is the inbound dispatch task (spec.md §4.5). It blocks on
// the inbound queue; a nil sentinel terminates it.
func (s *Session) runWorker() {
	defer s.tasks.Done()
	for packet := range s.inbound {
		if packet == nil {
			return
		}
		s.handlePacket(packet)
	}
}

func (s *Session) handlePacket(packet []byte) {
	env, err := codec.Unpack(s.authKey, s.authKeyID, s.sessionID, packet)
	if err != nil {
		s.log.Debug("dropping undecodable packet:", err)
		return
	}

	// A pong's new_server_salt is the salt of the envelope it arrived in.
	if container, ok := env.Body.(*proto.MsgContainer); ok {
		for _, inner := range container.Messages {
			if p, ok := inner.Body.(*proto.Pong); ok {
				p.NewServerSalt = env.Salt
			}
			s.dispatchMessage(inner.MsgID, inner.SeqNo, inner.Body)
		}
	} else {
		if p, ok := env.Body.(*proto.Pong); ok {
			p.NewServerSalt = env.Salt
		}
		s.dispatchMessage(env.MsgID, env.SeqNo, env.Body)
	}

	s.flushAcksIfDue()
}

// dispatchMessage implements the per-inner-message logic of spec.md
// §4.5 step 3.
func (s *Session) dispatchMessage(msgID int64, seqNo int32, body proto.Object) {
	if seqNo&1 != 0 {
		s.acksMu.Lock()
		_, dup := s.pendingAcks[msgID]
		if !dup {
			s.pendingAcks[msgID] = struct{}{}
		}
		s.acksMu.Unlock()
		if dup {
			return
		}
	}

	switch b := body.(type) {
	case *proto.MsgDetailedInfo:
		s.acksMu.Lock()
		s.pendingAcks[b.AnswerMsgID] = struct{}{}
		s.acksMu.Unlock()
		return
	case *proto.MsgNewDetailedInfo:
		s.acksMu.Lock()
		s.pendingAcks[b.AnswerMsgID] = struct{}{}
		s.acksMu.Unlock()
		return
	case *proto.NewSessionCreated:
		return
	}

	reqMsgID, result, ok := s.resolveTarget(msgID, body)
	if !ok {
		s.external.HandleUpdate(body)
		return
	}

	s.resultsMu.Lock()
	slot, exists := s.pendingResults[reqMsgID]
	s.resultsMu.Unlock()
	if exists {
		slot.fire(result)
	}
}

// resolveTarget determines which outbound msg_id a given inbound body
// resolves, per spec.md §4.5's routing table. ok is false when body
// carries no correlation and must go to the update sink instead.
func (s *Session) resolveTarget(msgID int64, body proto.Object) (reqMsgID int64, result proto.Object, ok bool) {
	switch b := body.(type) {
	case *proto.BadMsgNotification:
		return b.BadMsgID, body, true
	case *proto.BadServerSalt:
		if b.NewServerSalt != 0 {
			s.saltMu.Lock()
			s.currentSalt.Salt = b.NewServerSalt
			s.saltMu.Unlock()
		}
		return b.BadMsgID, body, true
	case *proto.FutureSalts:
		return b.ReqMsgID, body, true
	case *proto.RpcResult:
		return b.ReqMsgID, b.Result, true
	case *proto.Pong:
		return b.MsgID, body, true
	default:
		return 0, nil, false
	}
}

// flushAcksIfDue sends msgs_ack once the pending-ack set reaches the
// threshold (spec.md §4.5 step 4); failures leave the set intact for
// the next attempt.
func (s *Session) flushAcksIfDue() {
	s.acksMu.Lock()
	if len(s.pendingAcks) < acksThreshold {
		s.acksMu.Unlock()
		return
	}
	ids := make([]int64, 0, len(s.pendingAcks))
	for id := range s.pendingAcks {
		ids = append(ids, id)
	}
	s.acksMu.Unlock()

	if err := s.sendFireAndForget(&proto.MsgsAck{MsgIDs: ids}); err != nil {
		s.log.Debug("ack flush failed, retrying later:", err)
		return
	}

	s.acksMu.Lock()
	for _, id := range ids {
		delete(s.pendingAcks, id)
	}
	s.acksMu.Unlock()
}
