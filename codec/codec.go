// Package codec implements the MTProto 2.0 wire envelope: pack wraps
// a plaintext message for transmission, unpack authenticates and
// decrypts an inbound packet (spec.md §4.3). Both are pure functions
// of auth_key/auth_key_id/session_id/salt; the one concern that has no
// third-party counterpart anywhere in the retrieved corpus is
// AES-256-IGE, hand-rolled below on top of the crypto/aes block
// primitive (DESIGN.md).
package codec

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"github.com/amarnathcjd/mtsession/errs"
	"github.com/amarnathcjd/mtsession/proto"
)

// Salt, SessionID and MsgID/SeqNo are the plaintext envelope fields
// pack prepends ahead of the serialized body (spec.md §4.3 step 1).
type Envelope struct {
	Salt      int64
	SessionID int64
	MsgID     int64
	SeqNo     int32
	Body      proto.Object
}

// Pack serializes env and encrypts it under authKey/authKeyID, per
// spec.md §4.3's pack().
func Pack(authKey []byte, authKeyID []byte, env Envelope) ([]byte, error) {
	bodyBytes := proto.EncodeObject(env.Body)

	plain := make([]byte, 0, 8+8+8+4+4+len(bodyBytes))
	plain = appendInt64(plain, env.Salt)
	plain = appendInt64(plain, env.SessionID)
	plain = appendInt64(plain, env.MsgID)
	plain = appendInt32(plain, env.SeqNo)
	plain = appendInt32(plain, int32(len(bodyBytes)))
	plain = append(plain, bodyBytes...)

	padded, err := appendPadding(plain)
	if err != nil {
		return nil, err
	}

	msgKeyLarge := sha256Sum(concat(authKey[88:120], padded))
	msgKey := msgKeyLarge[8:24]

	aesKey, aesIV := kdf(authKey, msgKey, true)
	ciphertext, err := igeEncrypt(padded, aesKey, aesIV)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 8+16+len(ciphertext))
	out = append(out, authKeyID...)
	out = append(out, msgKey...)
	out = append(out, ciphertext...)
	return out, nil
}

// Unpack authenticates, decrypts and parses an inbound packet, per
// spec.md §4.3's unpack(). It returns the decoded message along with
// the session_id and salt observed in the plaintext envelope. The
// caller passes its own session_id as expectSessionID, and Unpack
// rejects a packet whose embedded session_id differs from it.
func Unpack(authKey []byte, authKeyID []byte, expectSessionID int64, packet []byte) (Envelope, error) {
	if len(packet) < 8+16 {
		return Envelope{}, errs.Transport("unpack", errShortPacket{})
	}
	if !bytesEqual(packet[:8], authKeyID) {
		return Envelope{}, &errs.AuthKeyMismatchError{}
	}
	msgKey := packet[8:24]
	ciphertext := packet[24:]

	aesKey, aesIV := kdf(authKey, msgKey, false)
	plain, err := igeDecrypt(ciphertext, aesKey, aesIV)
	if err != nil {
		return Envelope{}, err
	}
	if len(plain) < 8+8+8+4+4 {
		return Envelope{}, errs.Transport("unpack", errShortPacket{})
	}

	salt := int64(binary.LittleEndian.Uint64(plain[0:8]))
	sessionID := int64(binary.LittleEndian.Uint64(plain[8:16]))
	msgID := int64(binary.LittleEndian.Uint64(plain[16:24]))
	seqNo := int32(binary.LittleEndian.Uint32(plain[24:28]))
	length := int32(binary.LittleEndian.Uint32(plain[28:32]))

	if sessionID != expectSessionID {
		return Envelope{}, &errs.SessionIdMismatchError{}
	}

	candidateLarge := sha256Sum(concat(authKey[96:128], plain))
	candidate := candidateLarge[8:24]
	if !bytesEqual(candidate, msgKey) {
		return Envelope{}, &errs.MsgKeyMismatchError{}
	}

	if msgID&1 == 0 {
		return Envelope{}, &errs.BadMsgIdError{}
	}

	if int(32+length) > len(plain) {
		return Envelope{}, errs.Transport("unpack", errShortPacket{})
	}
	bodyBytes := plain[32 : 32+length]
	body, err := proto.DecodeObject(bodyBytes)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{Salt: salt, SessionID: sessionID, MsgID: msgID, SeqNo: seqNo, Body: body}, nil
}

type errShortPacket struct{}

func (errShortPacket) Error() string { return "packet too short" }

func appendInt64(b []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(b, tmp[:]...)
}

func appendInt32(b []byte, v int32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	return append(b, tmp[:]...)
}

// appendPadding pads plain to a 16-byte boundary with 12–1024 random
// bytes, per spec.md §4.3 step 2.
func appendPadding(plain []byte) ([]byte, error) {
	padLen := 12
	if rem := (len(plain) + padLen) % 16; rem != 0 {
		padLen += 16 - rem
	}
	pad := make([]byte, padLen)
	if _, err := rand.Read(pad); err != nil {
		return nil, errs.Transport("pack: random padding", err)
	}
	return append(append([]byte{}, plain...), pad...), nil
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// kdf implements the MTProto 2.0 key-derivation function producing a
// 32-byte AES key and 32-byte IGE IV from auth_key and msg_key.
func kdf(authKey, msgKey []byte, outbound bool) (aesKey, aesIV []byte) {
	x := 0
	if !outbound {
		x = 8
	}

	sha256a := sha256Sum(concat(msgKey, authKey[x:x+36]))
	sha256b := sha256Sum(concat(authKey[40+x:40+x+36], msgKey))

	aesKey = concat(sha256a[0:8], concat(sha256b[8:24], sha256a[24:32]))
	aesIV = concat(sha256b[0:8], concat(sha256a[8:24], sha256b[24:32]))
	return aesKey, aesIV
}

// igeEncrypt/igeDecrypt implement AES-256-IGE (Infinite Garble
// Extension), the one MTProto block mode with no standard-library or
// third-party Go implementation in the retrieved corpus (DESIGN.md).
// iv is 32 bytes: iv[:16] is prev-ciphertext seed, iv[16:] is
// prev-plaintext seed, per the IGE construction.
func igeEncrypt(plain, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(plain)%aes.BlockSize != 0 {
		return nil, errShortPacket{}
	}
	ivPrevCipher := append([]byte{}, iv[:16]...)
	ivPrevPlain := append([]byte{}, iv[16:]...)

	out := make([]byte, len(plain))
	for off := 0; off < len(plain); off += aes.BlockSize {
		chunk := plain[off : off+aes.BlockSize]
		xored := xorBlocks(chunk, ivPrevCipher)
		encrypted := make([]byte, aes.BlockSize)
		block.Encrypt(encrypted, xored)
		cipherBlock := xorBlocks(encrypted, ivPrevPlain)

		copy(out[off:off+aes.BlockSize], cipherBlock)
		ivPrevCipher = cipherBlock
		ivPrevPlain = append([]byte{}, chunk...)
	}
	return out, nil
}

func igeDecrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errShortPacket{}
	}
	ivPrevCipher := append([]byte{}, iv[:16]...)
	ivPrevPlain := append([]byte{}, iv[16:]...)

	out := make([]byte, len(ciphertext))
	for off := 0; off < len(ciphertext); off += aes.BlockSize {
		chunk := ciphertext[off : off+aes.BlockSize]
		xored := xorBlocks(chunk, ivPrevPlain)
		decrypted := make([]byte, aes.BlockSize)
		block.Decrypt(decrypted, xored)
		plainBlock := xorBlocks(decrypted, ivPrevCipher)

		copy(out[off:off+aes.BlockSize], plainBlock)
		ivPrevCipher = append([]byte{}, chunk...)
		ivPrevPlain = plainBlock
	}
	return out, nil
}

func xorBlocks(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
