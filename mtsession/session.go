// Copyright (c) 2023 RoseLoverX

// Package mtsession implements the client-side session runtime for an
// MTProto v2 connection: given an established auth key and a chosen
// data center, it multiplexes encrypted requests and responses over a
// single long-lived connection, tracks server salts, answers service
// messages, and recovers from transport failure.
package mtsession

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/amarnathcjd/mtsession/errs"
	"github.com/amarnathcjd/mtsession/internal/xlog"
	"github.com/amarnathcjd/mtsession/msgfactory"
	"github.com/amarnathcjd/mtsession/msgid"
	"github.com/amarnathcjd/mtsession/proto"
	"github.com/amarnathcjd/mtsession/transport"
)

// Constants named directly after the ones this runtime is specified
// against.
const (
	waitTimeout        = 15 * time.Second
	maxRetries         = 5
	acksThreshold      = 8
	pingInterval       = 5 * time.Second
	saltRotationMargin = 900 // seconds
	apiLayer           = 181

	// initialSalt seeds current_salt until the first server pong
	// rewrites it; its value is never observed by a peer.
	initialSalt = int64(0x0102030405060708)
)

// External is the non-owning handle the Session calls back into for
// server-pushed updates and disconnection notice. Modeled as an
// injected interface rather than a cyclic Session<->Client reference.
type External interface {
	HandleUpdate(body proto.Object)
	OnDisconnect()
}

// noopExternal is used when Config.External is nil, so the Session
// never has to nil-check its callback handle.
type noopExternal struct{}

func (noopExternal) HandleUpdate(proto.Object) {}
func (noopExternal) OnDisconnect()              {}

// Config configures a new Session (spec.md §6 "new(dc_id, test_mode,
// proxy, auth_key, api_id, is_cdn, client)").
type Config struct {
	DCID     int
	TestMode bool
	// Addr overrides the resolved DC address; leave empty to use the
	// built-in production/test DC table.
	Addr  string
	Proxy *transport.ProxyConfig
	Mode  transport.Mode

	AuthKey []byte // 256 bytes, already negotiated
	APIID   int32
	IsCDN   bool

	External External
	LogLevel string

	// DeviceModel/SystemVersion/AppVersion feed init_connection at
	// handshake (spec.md §4.4 step 7); callers may leave these blank.
	DeviceModel   string
	SystemVersion string
	AppVersion    string
}

type salt struct {
	Salt       int64
	ValidUntil int64 // unix seconds
}

// Session is the stateful conduit described by spec.md §3.
type Session struct {
	log *xlog.Logger

	dcID     int
	testMode bool
	addr     string
	proxy    *transport.ProxyConfig
	mode     transport.Mode

	authKey   []byte
	authKeyID []byte
	apiID     int32
	isCDN     bool

	deviceModel   string
	systemVersion string
	appVersion    string

	external External

	sessionID int64

	saltMu      sync.Mutex
	currentSalt salt

	connected atomic.Bool

	acksMu      sync.Mutex
	pendingAcks map[int64]struct{}

	resultsMu      sync.Mutex
	pendingResults map[int64]*resultSlot

	tr      transport.Transport
	inbound chan []byte

	// newTransportFn builds the Transport used by startOnce; overridden
	// in tests to inject a scripted Transport instead of dialing TCP.
	newTransportFn func() transport.Transport

	factory *msgfactory.Factory
	ids     *msgid.Generator

	cancelPing context.CancelFunc
	pingDone   chan struct{}
	cancelSalt context.CancelFunc
	saltDone   chan struct{}

	tasks sync.WaitGroup // worker + receive task lifetimes

	// lifecycleMu enforces invariant 5: only one of start/stop/restart
	// runs at any moment.
	lifecycleMu sync.Mutex
}

// resultSlot is the one-shot correlation vehicle a waiting caller
// blocks on (spec.md §3 "Result slot").
type resultSlot struct {
	mu    sync.Mutex
	value proto.Object
	ready chan struct{}
	fired bool
}

func newResultSlot() *resultSlot { return &resultSlot{ready: make(chan struct{})} }

// fire stores v (nil on a forced release) and closes ready exactly
// once; later fires are no-ops, tolerating a late response after the
// slot has already been removed (spec.md §9 "Result slot lifetime").
func (s *resultSlot) fire(v proto.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return
	}
	s.fired = true
	s.value = v
	close(s.ready)
}

// New constructs a Session against an already-established auth key; it
// does not connect (spec.md §6).
func New(cfg Config) *Session {
	external := cfg.External
	if external == nil {
		external = noopExternal{}
	}

	addr := cfg.Addr
	if addr == "" {
		addr = resolveDCAddr(cfg.DCID, cfg.TestMode)
	}

	s := &Session{
		log:            xlog.New("mtsession").SetLevel(cfg.LogLevel),
		dcID:           cfg.DCID,
		testMode:       cfg.TestMode,
		addr:           addr,
		proxy:          cfg.Proxy,
		mode:           cfg.Mode,
		authKey:        cfg.AuthKey,
		authKeyID:      authKeyID(cfg.AuthKey),
		apiID:          cfg.APIID,
		isCDN:          cfg.IsCDN,
		deviceModel:    valueOr(cfg.DeviceModel, "mtsession"),
		systemVersion:  valueOr(cfg.SystemVersion, "unknown"),
		appVersion:     valueOr(cfg.AppVersion, "1.0"),
		external:       external,
		sessionID:      generateSessionID(),
		pendingAcks:    make(map[int64]struct{}),
		pendingResults: make(map[int64]*resultSlot),
		ids:            msgid.New(),
	}
	s.factory = msgfactory.New(s.ids)
	s.newTransportFn = s.defaultTransport
	return s
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func authKeyID(authKey []byte) []byte {
	sum := sha1.Sum(authKey)
	return sum[12:20]
}

func generateSessionID() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// Start implements spec.md §4.4's start(): it loops until the
// handshake fully succeeds, since a transport-shaped failure at any
// step before the ping task is spawned simply means trying again.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.startLocked(ctx)
}

// startLocked runs the start retry loop; callers must already hold
// lifecycleMu for the whole sequence.
func (s *Session) startLocked(ctx context.Context) error {
	for {
		err := s.startOnce(ctx)
		if err == nil {
			return nil
		}
		if !isRetryableStartupError(err) {
			_ = s.stopLocked()
			return err
		}
		s.log.Warn("start attempt failed, retrying:", err)
		_ = s.stopLocked()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func isRetryableStartupError(err error) bool {
	return errs.IsRetryable(err)
}

func (s *Session) startOnce(ctx context.Context) error {
	s.tr = s.newTransportFn()
	if err := s.tr.Connect(ctx); err != nil {
		return err
	}

	s.inbound = make(chan []byte, 64)
	s.connected.Store(false)

	s.tasks.Add(2)
	go s.runWorker()
	go s.runReceive()

	s.saltMu.Lock()
	s.currentSalt = salt{Salt: initialSalt}
	s.saltMu.Unlock()

	pong, err := s.requestSync(&proto.Ping{PingID: 0})
	if err != nil {
		return err
	}
	if p, ok := pong.(*proto.Pong); ok && p.NewServerSalt != 0 {
		s.saltMu.Lock()
		s.currentSalt = salt{Salt: p.NewServerSalt}
		s.saltMu.Unlock()
	}

	saltsResp, err := s.requestSync(&proto.GetFutureSalts{Num: 1})
	if err != nil {
		return err
	}
	if fs, ok := saltsResp.(*proto.FutureSalts); ok && len(fs.Salts) > 0 {
		s.saltMu.Lock()
		s.currentSalt = salt{Salt: fs.Salts[0].Salt, ValidUntil: int64(fs.Salts[0].ValidUntil)}
		s.saltMu.Unlock()
	}

	saltCtx, cancelSalt := context.WithCancel(context.Background())
	s.cancelSalt = cancelSalt
	s.saltDone = make(chan struct{})
	go s.runSaltTask(saltCtx)

	if !s.isCDN {
		initConn := &proto.InitConnection{
			APIID:          s.apiID,
			DeviceModel:    s.deviceModel,
			SystemVersion:  s.systemVersion,
			AppVersion:     s.appVersion,
			SystemLangCode: "en",
			LangPack:       "",
			LangCode:       "en",
			Query:          &proto.HelpGetConfig{},
		}
		if _, err := s.requestSync(&proto.InvokeWithLayer{Layer: apiLayer, Query: initConn}); err != nil {
			cancelSalt()
			return err
		}
	}

	pingCtx, cancelPing := context.WithCancel(context.Background())
	s.cancelPing = cancelPing
	s.pingDone = make(chan struct{})
	go s.runPingTask(pingCtx)

	s.connected.Store(true)
	return nil
}

func (s *Session) defaultTransport() transport.Transport {
	return transport.NewTCP(transport.Config{
		DCID:     s.dcID,
		TestMode: s.testMode,
		Addr:     s.addr,
		Proxy:    s.proxy,
		Mode:     s.mode,
	})
}

// requestSync sends data and waits for its response, bypassing the
// retry/reconnect machinery of Send — used only during Start's own
// handshake sequence, before is_connected is signaled.
func (s *Session) requestSync(body proto.Object) (proto.Object, error) {
	return s.sendAndWait(body, waitTimeout)
}

// Stop implements spec.md §4.4's stop().
func (s *Session) Stop() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.stopLocked()
}

func (s *Session) stopLocked() error {
	s.connected.Store(false)

	if s.cancelPing != nil {
		s.cancelPing()
		<-s.pingDone
		s.cancelPing = nil
	}
	if s.cancelSalt != nil {
		s.cancelSalt()
		<-s.saltDone
		s.cancelSalt = nil
	}

	if s.tr != nil {
		_ = s.tr.Close()
	}

	if s.inbound != nil {
		// Blocking send: runWorker is always draining the queue until it
		// sees this sentinel, so this cannot deadlock. A non-blocking
		// send could silently drop the sentinel under a full queue and
		// leave tasks.Wait below blocked forever (invariant 4).
		s.inbound <- nil
	}
	s.tasks.Wait()
	// The worker has exited; drop its queue so a later stop after a
	// failed Connect does not send another sentinel into it.
	s.inbound = nil

	s.resultsMu.Lock()
	for id, slot := range s.pendingResults {
		slot.fire(nil)
		delete(s.pendingResults, id)
	}
	s.resultsMu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("disconnect handler panicked:", r)
			}
		}()
		s.external.OnDisconnect()
	}()

	return nil
}

// Restart is equivalent to stop();start(), made fully sequential per
// spec.md §9 to avoid overlapping sessions; the receive task invokes
// it via a background goroutine so its own EOF handling doesn't
// deadlock waiting on itself.
//
// lifecycleMu is held across the entire stop+start sequence (not
// released between the two steps) so a concurrent Start/Stop/Restart
// cannot interleave inside the window, per invariant 5.
func (s *Session) Restart(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if err := s.stopLocked(); err != nil {
		return errors.Wrap(err, "restart: stop")
	}
	return s.startLocked(ctx)
}

func (s *Session) isConnected() bool { return s.connected.Load() }

// waitConnected blocks until is_connected is signaled or timeout
// elapses, for Send's first step (spec.md §4.9).
func (s *Session) waitConnected(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.isConnected() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s.isConnected()
}
