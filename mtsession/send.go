package mtsession

import (
	"fmt"
	"time"

	"github.com/amarnathcjd/mtsession/codec"
	"github.com/amarnathcjd/mtsession/errs"
	"github.com/amarnathcjd/mtsession/proto"
)

// sendAndWait implements spec.md §4.9's _send(data, wait_response=true).
func (s *Session) sendAndWait(body proto.Object, timeout time.Duration) (proto.Object, error) {
	msgID, seqNo := s.factory.Wrap(body)

	slot := newResultSlot()
	s.resultsMu.Lock()
	s.pendingResults[msgID] = slot
	s.resultsMu.Unlock()

	if err := s.packAndSend(msgID, seqNo, body); err != nil {
		s.resultsMu.Lock()
		delete(s.pendingResults, msgID)
		s.resultsMu.Unlock()
		return nil, err
	}

	var value proto.Object
	select {
	case <-slot.ready:
		value = slot.value
	case <-time.After(timeout):
	}

	s.resultsMu.Lock()
	delete(s.pendingResults, msgID)
	s.resultsMu.Unlock()

	if value == nil {
		return nil, &errs.Timeout{MsgID: msgID}
	}

	switch v := value.(type) {
	case *proto.RpcError:
		kind := fmt.Sprintf("%T", body)
		if int(v.ErrorCode) >= 500 && v.ErrorCode < 600 {
			return nil, &errs.InternalServerError{Code: int(v.ErrorCode), Message: v.ErrorMessage}
		}
		return nil, &errs.RpcError{Code: int(v.ErrorCode), Message: v.ErrorMessage, RequestKind: kind}
	case *proto.BadMsgNotification:
		return nil, errs.NewBadMsgError(int(v.ErrorCode))
	case *proto.BadServerSalt:
		return nil, errs.NewBadMsgError(int(v.ErrorCode))
	default:
		return value, nil
	}
}

// sendFireAndForget implements _send(data, wait_response=false).
func (s *Session) sendFireAndForget(body proto.Object) error {
	msgID, seqNo := s.factory.Wrap(body)
	return s.packAndSend(msgID, seqNo, body)
}

func (s *Session) packAndSend(msgID int64, seqNo int32, body proto.Object) error {
	s.saltMu.Lock()
	currentSalt := s.currentSalt.Salt
	s.saltMu.Unlock()

	payload, err := codec.Pack(s.authKey, s.authKeyID, codec.Envelope{
		Salt:      currentSalt,
		SessionID: s.sessionID,
		MsgID:     msgID,
		SeqNo:     seqNo,
		Body:      body,
	})
	if err != nil {
		return err
	}
	if s.tr == nil {
		return errs.Transport("send", errNotConnected{})
	}
	if err := s.tr.Send(payload); err != nil {
		return err
	}
	return nil
}

type errNotConnected struct{}

func (errNotConnected) Error() string { return "session not connected" }

// Send implements spec.md §4.9's send(data, retries=5): it waits for
// is_connected, then retries iteratively (not recursively, per
// spec.md §9) on transport-shaped failures.
func (s *Session) Send(body proto.Object) (proto.Object, error) {
	return s.SendWithRetries(body, maxRetries)
}

func (s *Session) SendWithRetries(body proto.Object, retries int) (proto.Object, error) {
	if !s.waitConnected(waitTimeout) {
		return nil, &errs.Timeout{}
	}

	for {
		result, err := s.sendAndWait(body, waitTimeout)
		if err == nil {
			return result, nil
		}
		if !errs.IsRetryable(err) || retries == 0 {
			return nil, err
		}
		retries--
		time.Sleep(500 * time.Millisecond)
	}
}
