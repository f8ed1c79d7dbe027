// Package transport defines the byte-oriented conduit the session
// core sends packed envelopes over and reads framed packets from
// (spec.md §6). Concrete framing/dialing lives in tcp.go, grounded on
// the teacher pack's mode.go variants.
package transport

import "context"

// Transport is the external collaborator the session owns exclusively
// (spec.md §5 "Transport ownership"): only the receive task reads and
// only the send path writes. Close can be called more than once on the
// same Transport: the salt task closes it when rotation fails, and
// stop closes it again.
type Transport interface {
	Connect(ctx context.Context) error
	Send(payload []byte) error
	// Recv returns the next framed packet, or (nil, nil) on clean EOF
	// per spec.md §4.8. A 4-byte packet carries a signed protocol
	// error code and is returned as-is for the caller to interpret.
	Recv() ([]byte, error)
	Close() error
}

// Config names the dial target and framing mode a Transport is built
// for (spec.md §4.4 step 1: "construct transport for (dc_id,
// test_mode, proxy)").
type Config struct {
	DCID     int
	TestMode bool
	Addr     string
	Proxy    *ProxyConfig
	Mode     Mode
}

// ProxyConfig describes an optional SOCKS5 upstream the dialer routes
// through (SPEC_FULL.md §6 domain-stack wiring of golang.org/x/net/proxy).
type ProxyConfig struct {
	Addr     string
	Username string
	Password string
}

// Mode selects the outer framing discipline, mirroring the teacher
// pack's Abridged/Intermediate/Full transport variants
// (AmarnathCJD-gogr/internal/mode/mode.go).
type Mode int

const (
	ModeAbridged Mode = iota
	ModeIntermediate
	ModeFull
)
