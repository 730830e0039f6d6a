package ipc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"xypriss/pkg/apperror"
)

// handshakeInfo is the HKDF info string binding a derived key to the IPC
// control-plane use case, so the same cluster secret can never be reused
// to derive keys for an unrelated purpose.
const handshakeInfo = "xypriss-cluster-ipc-v1"

// ClientHandshake performs the worker side of the session establishment:
// it reads the supervisor's salt + srcID, authenticates them against the
// shared cluster secret, and derives a Session keyed for this worker.
func ClientHandshake(rw io.ReadWriter, clusterSecret []byte, workerID uint32) (*Session, error) {
	salt, supervisorID, err := readHandshakeFrame(rw, clusterSecret)
	if err != nil {
		return nil, err
	}
	_ = supervisorID

	key, err := DeriveKey(clusterSecret, salt, handshakeInfo)
	if err != nil {
		return nil, err
	}
	return NewSession(key, workerID)
}

// ServerHandshake performs the supervisor side: it generates a fresh
// salt, writes an authenticated handshake frame, and derives a Session
// keyed for srcID (conventionally 0, the supervisor itself).
func ServerHandshake(rw io.ReadWriter, clusterSecret []byte, srcID uint32) (*Session, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeFrame(rw, clusterSecret, salt, srcID); err != nil {
		return nil, err
	}

	key, err := DeriveKey(clusterSecret, salt, handshakeInfo)
	if err != nil {
		return nil, err
	}
	return NewSession(key, srcID)
}

// writeHandshakeFrame writes srcID(u32) | saltLen(u8) | salt | mac(32),
// where mac authenticates (srcID || salt) under the shared cluster secret
// so a worker spawned with the wrong secret fails the handshake instead of
// silently deriving a mismatched key.
func writeHandshakeFrame(w io.Writer, clusterSecret, salt []byte, srcID uint32) error {
	var srcBuf [4]byte
	binary.BigEndian.PutUint32(srcBuf[:], srcID)

	mac := hmac.New(sha256.New, clusterSecret)
	mac.Write(srcBuf[:])
	mac.Write(salt)
	sum := mac.Sum(nil)

	buf := make([]byte, 0, 4+1+len(salt)+len(sum))
	buf = append(buf, srcBuf[:]...)
	buf = append(buf, byte(len(salt)))
	buf = append(buf, salt...)
	buf = append(buf, sum...)

	_, err := w.Write(buf)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeIPCAuthFailed, "failed to write handshake frame")
	}
	return nil
}

func readHandshakeFrame(r io.Reader, clusterSecret []byte) (salt []byte, srcID uint32, err error) {
	var srcBuf [4]byte
	if _, err := io.ReadFull(r, srcBuf[:]); err != nil {
		return nil, 0, apperror.Wrap(err, apperror.CodeIPCAuthFailed, "failed to read handshake srcId")
	}
	srcID = binary.BigEndian.Uint32(srcBuf[:])

	var saltLenBuf [1]byte
	if _, err := io.ReadFull(r, saltLenBuf[:]); err != nil {
		return nil, 0, apperror.Wrap(err, apperror.CodeIPCAuthFailed, "failed to read handshake salt length")
	}
	salt = make([]byte, saltLenBuf[0])
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, 0, apperror.Wrap(err, apperror.CodeIPCAuthFailed, "failed to read handshake salt")
	}

	sum := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, sum); err != nil {
		return nil, 0, apperror.Wrap(err, apperror.CodeIPCAuthFailed, "failed to read handshake mac")
	}

	mac := hmac.New(sha256.New, clusterSecret)
	mac.Write(srcBuf[:])
	mac.Write(salt)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, sum) {
		return nil, 0, apperror.New(apperror.CodeIPCAuthFailed, "handshake mac mismatch: wrong cluster secret")
	}

	return salt, srcID, nil
}
