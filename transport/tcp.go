package transport

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/amarnathcjd/mtsession/errs"
)

// intermediateMagic is the single four-byte marker the client sends
// once after connecting to select intermediate framing, matching the
// teacher pack's mode negotiation (AmarnathCJD-gogr/internal/mode/mode.go).
var intermediateMagic = []byte{0xee, 0xee, 0xee, 0xee}

// TCP is the reference Transport: a plain or SOCKS5-proxied TCP dial
// with length-prefixed framing.
type TCP struct {
	cfg  Config
	conn net.Conn
	mu   sync.Mutex // guards conn during Close racing Send/Recv

	seqNo int32 // only used by ModeFull
}

func NewTCP(cfg Config) *TCP {
	return &TCP{cfg: cfg}
}

func (t *TCP) Connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	var conn net.Conn
	var err error
	if t.cfg.Proxy != nil {
		auth := &proxy.Auth{User: t.cfg.Proxy.Username, Password: t.cfg.Proxy.Password}
		var socksDialer proxy.Dialer
		socksDialer, err = proxy.SOCKS5("tcp", t.cfg.Proxy.Addr, auth, dialer)
		if err != nil {
			return errs.Transport("connect: proxy", err)
		}
		conn, err = socksDialer.Dial("tcp", t.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", t.cfg.Addr)
	}
	if err != nil {
		return errs.Transport("connect", err)
	}

	if t.cfg.Mode == ModeIntermediate {
		if _, err := conn.Write(intermediateMagic); err != nil {
			_ = conn.Close()
			return errs.Transport("connect: handshake", err)
		}
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// Send frames payload per the configured Mode and writes it whole.
func (t *TCP) Send(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errs.Transport("send", io.ErrClosedPipe)
	}

	var frame []byte
	switch t.cfg.Mode {
	case ModeAbridged:
		frame = frameAbridged(payload)
	case ModeFull:
		frame = t.frameFull(payload)
	default:
		frame = frameIntermediate(payload)
	}

	if _, err := conn.Write(frame); err != nil {
		return errs.Transport("send", err)
	}
	return nil
}

// Recv reads one framed packet. It returns (nil, nil) on clean EOF and
// a 4-byte slice when the server sent a bare protocol error code,
// matching spec.md §4.8's two terminal cases.
func (t *TCP) Recv() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, errs.Transport("recv", io.ErrClosedPipe)
	}

	switch t.cfg.Mode {
	case ModeAbridged:
		return recvAbridged(conn)
	case ModeFull:
		return recvFull(conn)
	default:
		return recvIntermediate(conn)
	}
}

func (t *TCP) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return errs.Transport("close", err)
	}
	return nil
}

// --- intermediate framing: length(4) || body ---

func frameIntermediate(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func recvIntermediate(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if err := readFull(conn, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errs.Transport("recv", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 4 {
		// a length of 4 means the payload is a bare 4-byte protocol
		// error code; return it verbatim.
		body := make([]byte, 4)
		if err := readFull(conn, body); err != nil {
			return nil, errs.Transport("recv", err)
		}
		return body, nil
	}
	body := make([]byte, n)
	if err := readFull(conn, body); err != nil {
		return nil, errs.Transport("recv", err)
	}
	return body, nil
}

// --- abridged framing: length/4 in 1 or 4 bytes || body ---

func frameAbridged(payload []byte) []byte {
	words := len(payload) / 4
	if words < 127 {
		out := make([]byte, 1+len(payload))
		out[0] = byte(words)
		copy(out[1:], payload)
		return out
	}
	out := make([]byte, 4+len(payload))
	out[0] = 127
	out[1] = byte(words)
	out[2] = byte(words >> 8)
	out[3] = byte(words >> 16)
	copy(out[4:], payload)
	return out
}

func recvAbridged(conn net.Conn) ([]byte, error) {
	var first [1]byte
	if err := readFull(conn, first[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errs.Transport("recv", err)
	}
	var words int
	if first[0] < 127 {
		words = int(first[0])
	} else {
		var rest [3]byte
		if err := readFull(conn, rest[:]); err != nil {
			return nil, errs.Transport("recv", err)
		}
		words = int(rest[0]) | int(rest[1])<<8 | int(rest[2])<<16
	}
	body := make([]byte, words*4)
	if err := readFull(conn, body); err != nil {
		return nil, errs.Transport("recv", err)
	}
	return body, nil
}

// --- full framing: length(4) || seq_no(4) || body || crc32(4) ---

func (t *TCP) frameFull(payload []byte) []byte {
	seq := t.seqNo
	t.seqNo++

	total := 4 + 4 + len(payload) + 4
	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out[0:4], uint32(total))
	binary.LittleEndian.PutUint32(out[4:8], uint32(seq))
	copy(out[8:8+len(payload)], payload)
	crc := crc32.ChecksumIEEE(out[:8+len(payload)])
	binary.LittleEndian.PutUint32(out[8+len(payload):], crc)
	return out
}

func recvFull(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if err := readFull(conn, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errs.Transport("recv", err)
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total == 4 {
		body := make([]byte, 4)
		if err := readFull(conn, body); err != nil {
			return nil, errs.Transport("recv", err)
		}
		return body, nil
	}
	rest := make([]byte, total-4)
	if err := readFull(conn, rest); err != nil {
		return nil, errs.Transport("recv", err)
	}
	if len(rest) < 8 {
		return nil, errs.Transport("recv", io.ErrUnexpectedEOF)
	}
	body := rest[4 : len(rest)-4]
	return body, nil
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
