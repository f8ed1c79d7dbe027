package mtsession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amarnathcjd/mtsession/codec"
	"github.com/amarnathcjd/mtsession/errs"
	"github.com/amarnathcjd/mtsession/proto"
	"github.com/amarnathcjd/mtsession/transport"
)

// scriptedTransport is a hand-rolled Transport double: Send decrypts
// each outbound packet with the same auth key/session id the Session
// under test holds, hands it to a per-test handler, and push lets the
// test enqueue a packed server-origin reply.
type scriptedTransport struct {
	t         *testing.T
	authKey   []byte
	authKeyID []byte
	sessionID int64

	mu         sync.Mutex
	salt       int64
	nextServer int64
	closed     bool
	recv       chan []byte

	handle func(req sentRequest)
}

type sentRequest struct {
	tr    *scriptedTransport
	msgID int64
	body  proto.Object
}

func newScriptedTransport(t *testing.T, authKey, authKeyID []byte, sessionID int64) *scriptedTransport {
	return &scriptedTransport{
		t:          t,
		authKey:    authKey,
		authKeyID:  authKeyID,
		sessionID:  sessionID,
		nextServer: 3,
		recv:       make(chan []byte, 64),
	}
}

// Connect reopens a previously-closed scriptedTransport, mirroring how
// defaultTransport builds a fresh Transport on every startOnce call;
// wireScripted hands out the same *scriptedTransport instance every
// time, so reconnection has to be simulated here instead.
func (tr *scriptedTransport) Connect(ctx context.Context) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		tr.closed = false
		tr.recv = make(chan []byte, 64)
	}
	return nil
}

func (tr *scriptedTransport) Send(payload []byte) error {
	env, err := codec.Unpack(tr.authKey, tr.authKeyID, tr.sessionID, payload)
	if err != nil {
		return err
	}
	if tr.handle != nil {
		tr.handle(sentRequest{tr: tr, msgID: env.MsgID, body: env.Body})
	}
	return nil
}

func (tr *scriptedTransport) Recv() ([]byte, error) {
	packet, ok := <-tr.recv
	if !ok {
		return nil, nil
	}
	return packet, nil
}

func (tr *scriptedTransport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.closed {
		tr.closed = true
		close(tr.recv)
	}
	return nil
}

// nextServerMsgID returns a strictly increasing, server-origin-shaped
// (odd) msg_id for a pushed reply.
func (tr *scriptedTransport) nextServerMsgID() int64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	id := tr.nextServer
	tr.nextServer += 4
	return id
}

func (tr *scriptedTransport) push(body proto.Object) {
	tr.pushWithSeqNo(body, 0)
}

func (tr *scriptedTransport) pushWithSeqNo(body proto.Object, seqNo int32) {
	packet, err := codec.Pack(tr.authKey, tr.authKeyID, codec.Envelope{
		Salt:      tr.salt,
		SessionID: tr.sessionID,
		MsgID:     tr.nextServerMsgID(),
		SeqNo:     seqNo,
		Body:      body,
	})
	require.NoError(tr.t, err)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return
	}
	tr.recv <- packet
}

func testAuthKey() []byte {
	key := make([]byte, 256)
	for i := range key {
		key[i] = byte(i*13 + 5)
	}
	return key
}

// wireScripted injects tr as the Transport startOnce constructs,
// replacing a real TCP dial.
func wireScripted(s *Session, tr *scriptedTransport) {
	s.newTransportFn = func() transport.Transport { return tr }
}

// handshakeHandler answers the three synchronous requests Start makes
// (ping, get_future_salts, invoke_with_layer) so Start can complete,
// per spec.md §4.4 steps 4,5,7.
func handshakeHandler(newSalt int64, futureSalt int64, futureSaltValidUntil int32) func(sentRequest) {
	return func(req sentRequest) {
		switch b := req.body.(type) {
		case *proto.Ping:
			req.tr.push(&proto.Pong{MsgID: req.msgID, PingID: b.PingID, NewServerSalt: newSalt})
		case *proto.GetFutureSalts:
			req.tr.push(&proto.FutureSalts{
				ReqMsgID: req.msgID,
				Now:      0,
				Salts:    []proto.FutureSalt{{ValidSince: 0, ValidUntil: futureSaltValidUntil, Salt: futureSalt}},
			})
		case *proto.InvokeWithLayer:
			req.tr.push(&proto.RpcResult{ReqMsgID: req.msgID, Result: &proto.Config{}})
		}
	}
}

func TestStartHandshakeAdoptsPongSaltThenFutureSalt(t *testing.T) {
	s := New(Config{DCID: 2, AuthKey: testAuthKey(), APIID: 1})
	tr := newScriptedTransport(t, s.authKey, s.authKeyID, s.sessionID)
	wireScripted(s, tr)

	validUntil := int32(time.Now().Unix()) + 3600
	tr.handle = handshakeHandler(0x1122334455667788, 0x79aabbccddeeff00, validUntil)

	err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Stop()

	require.True(t, s.isConnected())
	require.Equal(t, int64(0x79aabbccddeeff00), s.currentSalt.Salt)
}

func TestSendRequestResponse(t *testing.T) {
	s := New(Config{DCID: 2, AuthKey: testAuthKey(), APIID: 1})
	tr := newScriptedTransport(t, s.authKey, s.authKeyID, s.sessionID)
	wireScripted(s, tr)

	validUntil := int32(time.Now().Unix()) + 3600
	var mu sync.Mutex
	handshake := handshakeHandler(0x1, 0x2, validUntil)
	tr.handle = func(req sentRequest) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := req.body.(*proto.HelpGetConfig); ok {
			req.tr.push(&proto.RpcResult{ReqMsgID: req.msgID, Result: &proto.Config{RawFields: []byte("cfg")}})
			return
		}
		handshake(req)
	}

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	result, err := s.Send(&proto.HelpGetConfig{})
	require.NoError(t, err)
	cfg, ok := result.(*proto.Config)
	require.True(t, ok)
	require.Equal(t, []byte("cfg"), cfg.RawFields)
}

func TestBadServerSaltUpdatesSaltForNextRetry(t *testing.T) {
	s := New(Config{DCID: 2, AuthKey: testAuthKey(), APIID: 1})
	tr := newScriptedTransport(t, s.authKey, s.authKeyID, s.sessionID)
	wireScripted(s, tr)

	validUntil := int32(time.Now().Unix()) + 3600
	handshake := handshakeHandler(0x1, 0x2, validUntil)

	const correctedSalt = int64(0x0badc0de0badc0de)
	first := true
	var mu sync.Mutex
	tr.handle = func(req sentRequest) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := req.body.(*proto.HelpGetConfig); ok {
			if first {
				first = false
				req.tr.push(&proto.BadServerSalt{BadMsgID: req.msgID, ErrorCode: 48, NewServerSalt: correctedSalt})
				return
			}
			req.tr.push(&proto.RpcResult{ReqMsgID: req.msgID, Result: &proto.Config{RawFields: []byte("ok")}})
			return
		}
		handshake(req)
	}

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// First attempt observes BadMsgNotification-shaped resolution (not
	// auto-retried, spec.md §9); salt is updated for the caller's own
	// retry.
	_, err := s.sendAndWait(&proto.HelpGetConfig{}, waitTimeout)
	require.Error(t, err)
	var bad *errs.BadMsgError
	require.ErrorAs(t, err, &bad)

	s.saltMu.Lock()
	got := s.currentSalt.Salt
	s.saltMu.Unlock()
	require.Equal(t, correctedSalt, got)

	result, err := s.sendAndWait(&proto.HelpGetConfig{}, waitTimeout)
	require.NoError(t, err)
	cfg, ok := result.(*proto.Config)
	require.True(t, ok)
	require.Equal(t, []byte("ok"), cfg.RawFields)
}

func TestStopReleasesPendingResultSlots(t *testing.T) {
	s := New(Config{DCID: 2, AuthKey: testAuthKey(), APIID: 1})
	tr := newScriptedTransport(t, s.authKey, s.authKeyID, s.sessionID)
	wireScripted(s, tr)

	validUntil := int32(time.Now().Unix()) + 3600
	handshake := handshakeHandler(0x1, 0x2, validUntil)
	tr.handle = func(req sentRequest) {
		if _, ok := req.body.(*proto.HelpGetConfig); ok {
			return // never answers: caller must be released by Stop
		}
		handshake(req)
	}

	require.NoError(t, s.Start(context.Background()))

	errc := make(chan error, 1)
	go func() {
		_, err := s.sendAndWait(&proto.HelpGetConfig{}, 2*time.Second)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Stop())

	select {
	case err := <-errc:
		require.Error(t, err)
		var timeout *errs.Timeout
		require.ErrorAs(t, err, &timeout)
	case <-time.After(3 * time.Second):
		t.Fatal("sendAndWait did not return after Stop")
	}
}

func TestAckFlushAtThreshold(t *testing.T) {
	s := New(Config{DCID: 2, AuthKey: testAuthKey(), APIID: 1})
	tr := newScriptedTransport(t, s.authKey, s.authKeyID, s.sessionID)
	wireScripted(s, tr)

	validUntil := int32(time.Now().Unix()) + 3600
	handshake := handshakeHandler(0x1, 0x2, validUntil)

	var mu sync.Mutex
	var acks []*proto.MsgsAck
	tr.handle = func(req sentRequest) {
		mu.Lock()
		defer mu.Unlock()
		if ack, ok := req.body.(*proto.MsgsAck); ok {
			acks = append(acks, ack)
			return
		}
		handshake(req)
	}

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	pushed := make([]int64, 0, acksThreshold)
	for i := 0; i < acksThreshold; i++ {
		id := tr.nextServerMsgID()
		packet, err := codec.Pack(s.authKey, s.authKeyID, codec.Envelope{
			Salt: tr.salt, SessionID: s.sessionID, MsgID: id, SeqNo: 1,
			Body: &proto.NewSessionCreated{FirstMsgID: id, UniqueID: id, ServerSalt: 1},
		})
		require.NoError(t, err)
		tr.recv <- packet
		pushed = append(pushed, id)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(acks) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.ElementsMatch(t, pushed, acks[0].MsgIDs)
	mu.Unlock()

	s.acksMu.Lock()
	remaining := len(s.pendingAcks)
	s.acksMu.Unlock()
	require.Equal(t, 0, remaining)
}

// countingExternal records every update handed to it, for asserting a
// body was dispatched at most once.
type countingExternal struct {
	mu      sync.Mutex
	updates []proto.Object
}

func (e *countingExternal) HandleUpdate(body proto.Object) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updates = append(e.updates, body)
}

func (e *countingExternal) OnDisconnect() {}

func (e *countingExternal) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.updates)
}

// TestDuplicateInboundMsgIDDispatchedAtMostOnce covers spec.md §8
// testable property 7: a repeated inbound msg_id is acked/dispatched
// only the first time (worker.go's pendingAcks dedup check).
func TestDuplicateInboundMsgIDDispatchedAtMostOnce(t *testing.T) {
	ext := &countingExternal{}
	s := New(Config{DCID: 2, AuthKey: testAuthKey(), APIID: 1, External: ext})
	tr := newScriptedTransport(t, s.authKey, s.authKeyID, s.sessionID)
	wireScripted(s, tr)

	validUntil := int32(time.Now().Unix()) + 3600
	tr.handle = handshakeHandler(0x1, 0x2, validUntil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	dupMsgID := tr.nextServerMsgID()
	packet, err := codec.Pack(s.authKey, s.authKeyID, codec.Envelope{
		Salt: tr.salt, SessionID: s.sessionID, MsgID: dupMsgID, SeqNo: 1,
		Body: &proto.Config{RawFields: []byte("update")},
	})
	require.NoError(t, err)
	// The exact same packet, twice: a genuine duplicate delivery.
	tr.recv <- packet
	tr.recv <- packet

	require.Eventually(t, func() bool { return ext.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond) // give a wrongly-duplicated dispatch time to land
	require.Equal(t, 1, ext.count())

	s.acksMu.Lock()
	_, tracked := s.pendingAcks[dupMsgID]
	s.acksMu.Unlock()
	require.True(t, tracked)
}

// TestSaltTaskRotatesWithinEpsilonOfValidUntil covers spec.md §8
// testable property 8: with valid_until = now+901s (saltRotationMargin
// is 900s), the salt task issues get_future_salts roughly 1s in.
func TestSaltTaskRotatesWithinEpsilonOfValidUntil(t *testing.T) {
	s := New(Config{DCID: 2, AuthKey: testAuthKey(), APIID: 1})
	tr := newScriptedTransport(t, s.authKey, s.authKeyID, s.sessionID)
	wireScripted(s, tr)

	start := time.Now()
	validUntil := int32(start.Unix()) + 901
	handshake := handshakeHandler(0x1, 0x2, validUntil)

	var mu sync.Mutex
	handshakeDone := false
	var rotatedAt time.Time
	tr.handle = func(req sentRequest) {
		mu.Lock()
		if _, ok := req.body.(*proto.GetFutureSalts); ok && handshakeDone {
			rotatedAt = time.Now()
			mu.Unlock()
			req.tr.push(&proto.FutureSalts{
				ReqMsgID: req.msgID,
				Salts:    []proto.FutureSalt{{ValidUntil: int32(time.Now().Unix()) + 3600, Salt: 0xaa}},
			})
			return
		}
		mu.Unlock()
		handshake(req)
		if _, ok := req.body.(*proto.InvokeWithLayer); ok {
			mu.Lock()
			handshakeDone = true
			mu.Unlock()
		}
	}

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !rotatedAt.IsZero()
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	elapsed := rotatedAt.Sub(start)
	mu.Unlock()
	require.InDelta(t, 1.0, elapsed.Seconds(), 0.8)
}

// TestSendRetriesAfterInternalServerErrors covers spec.md §8 scenario
// S4: two consecutive InternalServerErrors are each retried after
// waiting at least 500ms, and the third attempt succeeds.
func TestSendRetriesAfterInternalServerErrors(t *testing.T) {
	s := New(Config{DCID: 2, AuthKey: testAuthKey(), APIID: 1})
	tr := newScriptedTransport(t, s.authKey, s.authKeyID, s.sessionID)
	wireScripted(s, tr)

	validUntil := int32(time.Now().Unix()) + 3600
	handshake := handshakeHandler(0x1, 0x2, validUntil)

	var mu sync.Mutex
	var attempts []time.Time
	tr.handle = func(req sentRequest) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := req.body.(*proto.HelpGetConfig); ok {
			attempts = append(attempts, time.Now())
			if len(attempts) <= 2 {
				req.tr.push(&proto.RpcResult{
					ReqMsgID: req.msgID,
					Result:   &proto.RpcError{ErrorCode: 500, ErrorMessage: "internal"},
				})
				return
			}
			req.tr.push(&proto.RpcResult{ReqMsgID: req.msgID, Result: &proto.Config{RawFields: []byte("ok")}})
			return
		}
		handshake(req)
	}

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	result, err := s.Send(&proto.HelpGetConfig{})
	require.NoError(t, err)
	cfg, ok := result.(*proto.Config)
	require.True(t, ok)
	require.Equal(t, []byte("ok"), cfg.RawFields)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 3)
	require.GreaterOrEqual(t, attempts[1].Sub(attempts[0]).Milliseconds(), int64(450))
	require.GreaterOrEqual(t, attempts[2].Sub(attempts[1]).Milliseconds(), int64(450))
}

// TestEOFMidFlightTriggersRestartAndReleasesCaller covers spec.md §8
// scenario S5: the transport going down mid-flight releases an
// in-flight caller with a Timeout and drives an automatic restart.
func TestEOFMidFlightTriggersRestartAndReleasesCaller(t *testing.T) {
	s := New(Config{DCID: 2, AuthKey: testAuthKey(), APIID: 1})
	tr := newScriptedTransport(t, s.authKey, s.authKeyID, s.sessionID)
	wireScripted(s, tr)

	validUntil := int32(time.Now().Unix()) + 3600
	handshake := handshakeHandler(0x1, 0x2, validUntil)
	tr.handle = func(req sentRequest) {
		if _, ok := req.body.(*proto.HelpGetConfig); ok {
			return // never answered: this is the in-flight caller
		}
		handshake(req)
	}

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	errc := make(chan error, 1)
	go func() {
		_, err := s.sendAndWait(&proto.HelpGetConfig{}, 5*time.Second)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// Simulate a transport-level EOF: the receive task observes it and
	// triggers an automatic restart (tasks.go triggerDisconnectRestart).
	require.NoError(t, tr.Close())

	select {
	case err := <-errc:
		require.Error(t, err)
		var timeout *errs.Timeout
		require.ErrorAs(t, err, &timeout)
	case <-time.After(3 * time.Second):
		t.Fatal("sendAndWait did not return after transport EOF")
	}

	require.Eventually(t, func() bool { return s.isConnected() }, 3*time.Second, 10*time.Millisecond)
}
