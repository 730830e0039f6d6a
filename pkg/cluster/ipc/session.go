package ipc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"xypriss/pkg/apperror"
)

// replayWindowSize bounds how far out-of-order a sequence number may
// arrive before it is rejected outright, per spec §4.6 ("reject frames
// whose sequence number falls outside the current replay window").
const replayWindowSize = 1024

// Session holds the per-link AEAD state for one parent<->child IPC
// connection. A Session is derived once at handshake time from a shared
// cluster secret and is not renegotiated for the life of the worker; the
// pattern (random salt, HKDF-derived key, nonce-prepended AEAD sealing) is
// adapted from cuemby-warren's secrets.go, generalized from AES-GCM to
// ChaCha20-Poly1305 so it needs no AES-NI to stay constant-time.
type Session struct {
	aead  cipherAEAD
	srcID uint32

	mu       sync.Mutex
	sendSeq  uint64
	recvLo   uint64
	recvSeen map[uint64]struct{}
}

type cipherAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// DeriveKey runs HKDF-SHA256 over the shared cluster secret and a random
// per-session salt to produce a 32-byte ChaCha20-Poly1305 key. salt must be
// generated fresh for every handshake and exchanged alongside the
// handshake frame so both ends derive the same key.
func DeriveKey(clusterSecret, salt []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, clusterSecret, salt, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeIPCAuthFailed, "hkdf key derivation failed")
	}
	return key, nil
}

// NewSalt returns a fresh random salt suitable for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeIPCAuthFailed, "failed to generate handshake salt")
	}
	return salt, nil
}

// NewSession builds a Session around a derived key. srcID identifies this
// end of the link in every Frame it produces (the supervisor uses 0; each
// worker uses its worker id).
func NewSession(key []byte, srcID uint32) (*Session, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeIPCAuthFailed, "failed to initialize AEAD cipher")
	}
	return &Session{
		aead:     aead,
		srcID:    srcID,
		recvSeen: make(map[uint64]struct{}, replayWindowSize),
	}, nil
}

// Seal encrypts payload into a ready-to-send Frame, stamping the next
// sequence number and a fresh random nonce.
func (s *Session) Seal(typ MessageType, payload []byte, nowUnixNano uint64) (*Frame, error) {
	s.mu.Lock()
	s.sendSeq++
	seq := s.sendSeq
	s.mu.Unlock()

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeIPCAuthFailed, "failed to generate frame nonce")
	}

	aad := associatedData(s.srcID, seq, nowUnixNano, typ)
	sealed := s.aead.Seal(nil, nonce, payload, aad)
	overhead := s.aead.Overhead()
	ciphertext := sealed[:len(sealed)-overhead]
	tag := sealed[len(sealed)-overhead:]

	return &Frame{
		Version:    frameVersion,
		Type:       typ,
		SrcID:      s.srcID,
		Seq:        seq,
		Timestamp:  nowUnixNano,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Tag:        tag,
	}, nil
}

// Open verifies and decrypts f, rejecting it outright (CodeIPCReplay) if
// its sequence number has already been seen or falls below the trailing
// edge of the replay window.
func (s *Session) Open(f *Frame) ([]byte, error) {
	s.mu.Lock()
	if err := s.checkReplayLocked(f.Seq); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	aad := associatedData(f.SrcID, f.Seq, f.Timestamp, f.Type)
	sealed := append(append([]byte{}, f.Ciphertext...), f.Tag...)
	plaintext, err := s.aead.Open(nil, f.Nonce, sealed, aad)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeIPCAuthFailed, "frame authentication failed")
	}

	s.mu.Lock()
	s.markSeenLocked(f.Seq)
	s.mu.Unlock()

	return plaintext, nil
}

func (s *Session) checkReplayLocked(seq uint64) error {
	if seq <= s.recvLo {
		return apperror.New(apperror.CodeIPCReplay, fmt.Sprintf("frame seq %d outside replay window (lo=%d)", seq, s.recvLo))
	}
	if _, seen := s.recvSeen[seq]; seen {
		return apperror.New(apperror.CodeIPCReplay, fmt.Sprintf("frame seq %d already processed", seq))
	}
	return nil
}

func (s *Session) markSeenLocked(seq uint64) {
	s.recvSeen[seq] = struct{}{}
	// Slide the window forward once we have accumulated enough
	// contiguous-ish history; drop anything at or below the new low
	// watermark so the seen-set does not grow unbounded.
	if uint64(len(s.recvSeen)) <= replayWindowSize {
		return
	}
	newLo := s.recvLo
	for k := range s.recvSeen {
		if k > newLo && k <= seq-replayWindowSize {
			newLo = k
		}
	}
	if newLo <= s.recvLo {
		newLo = seq - replayWindowSize
	}
	s.recvLo = newLo
	for k := range s.recvSeen {
		if k <= s.recvLo {
			delete(s.recvSeen, k)
		}
	}
}

func associatedData(srcID uint32, seq uint64, ts uint64, typ MessageType) []byte {
	buf := make([]byte, 4+8+8+1)
	binary.BigEndian.PutUint32(buf[0:4], srcID)
	binary.BigEndian.PutUint64(buf[4:12], seq)
	binary.BigEndian.PutUint64(buf[12:20], ts)
	buf[20] = byte(typ)
	return buf
}
