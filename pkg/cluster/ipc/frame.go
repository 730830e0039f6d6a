// Package ipc implements the Cluster Supervisor's encrypted control-plane
// framing and session handling (spec §4.6, §6): authenticated encryption
// between parent and child, unique-per-session nonces, and monotonic
// per-session sequence numbers that reject replayed or reordered frames.
package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// frameVersion is the wire format version stamped into every Frame.
const frameVersion = 1

// MessageType identifies the kind of control message a Frame carries, per
// spec §4.6: "HEARTBEAT, READY, DRAIN, SHUTDOWN, RELOAD, STATS,
// WORK_BROADCAST (admin operations only; not used to route HTTP requests)".
type MessageType byte

const (
	TypeHeartbeat MessageType = iota + 1
	TypeReady
	TypeDrain
	TypeShutdown
	TypeReload
	TypeStats
	TypeWorkBroadcast
	TypeHandshake
)

func (t MessageType) String() string {
	switch t {
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeReady:
		return "READY"
	case TypeDrain:
		return "DRAIN"
	case TypeShutdown:
		return "SHUTDOWN"
	case TypeReload:
		return "RELOAD"
	case TypeStats:
		return "STATS"
	case TypeWorkBroadcast:
		return "WORK_BROADCAST"
	case TypeHandshake:
		return "HANDSHAKE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Frame is the on-wire envelope described in spec §6:
// version(u8) | type(u8) | srcId(u32) | seq(u64) | ts(u64) | nonceLen(u8)
// | nonce | ciphertextLen(u32) | ciphertext | tagLen(u8) | tag
type Frame struct {
	Version    uint8
	Type       MessageType
	SrcID      uint32
	Seq        uint64
	Timestamp  uint64
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Marshal serializes f into the wire format.
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.Nonce) > 255 {
		return nil, errors.New("ipc: nonce too long")
	}
	if len(f.Tag) > 255 {
		return nil, errors.New("ipc: tag too long")
	}

	buf := &bytes.Buffer{}
	buf.WriteByte(frameVersion)
	buf.WriteByte(byte(f.Type))

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], f.SrcID)
	buf.Write(u32[:])

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], f.Seq)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], f.Timestamp)
	buf.Write(u64[:])

	buf.WriteByte(byte(len(f.Nonce)))
	buf.Write(f.Nonce)

	binary.BigEndian.PutUint32(u32[:], uint32(len(f.Ciphertext)))
	buf.Write(u32[:])
	buf.Write(f.Ciphertext)

	buf.WriteByte(byte(len(f.Tag)))
	buf.Write(f.Tag)

	return buf.Bytes(), nil
}

// Unmarshal parses data into a Frame.
func Unmarshal(data []byte) (*Frame, error) {
	r := bytes.NewReader(data)
	f := &Frame{}

	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("ipc: read version: %w", err)
	}
	f.Version = version

	typ, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("ipc: read type: %w", err)
	}
	f.Type = MessageType(typ)

	var u32 [4]byte
	if _, err := readFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("ipc: read srcId: %w", err)
	}
	f.SrcID = binary.BigEndian.Uint32(u32[:])

	var u64 [8]byte
	if _, err := readFull(r, u64[:]); err != nil {
		return nil, fmt.Errorf("ipc: read seq: %w", err)
	}
	f.Seq = binary.BigEndian.Uint64(u64[:])

	if _, err := readFull(r, u64[:]); err != nil {
		return nil, fmt.Errorf("ipc: read ts: %w", err)
	}
	f.Timestamp = binary.BigEndian.Uint64(u64[:])

	nonceLen, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("ipc: read nonceLen: %w", err)
	}
	f.Nonce = make([]byte, nonceLen)
	if _, err := readFull(r, f.Nonce); err != nil {
		return nil, fmt.Errorf("ipc: read nonce: %w", err)
	}

	if _, err := readFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("ipc: read ciphertextLen: %w", err)
	}
	ciphertextLen := binary.BigEndian.Uint32(u32[:])
	f.Ciphertext = make([]byte, ciphertextLen)
	if _, err := readFull(r, f.Ciphertext); err != nil {
		return nil, fmt.Errorf("ipc: read ciphertext: %w", err)
	}

	tagLen, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("ipc: read tagLen: %w", err)
	}
	f.Tag = make([]byte, tagLen)
	if _, err := readFull(r, f.Tag); err != nil {
		return nil, fmt.Errorf("ipc: read tag: %w", err)
	}

	return f, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := r.Read(buf)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, errors.New("ipc: short read")
	}
	return n, nil
}
