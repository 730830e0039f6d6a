package cluster

import (
	"encoding/json"
	"time"

	"xypriss/pkg/apperror"
	"xypriss/pkg/cluster/ipc"
)

// HeartbeatPayload is sent by a worker on every heartbeat tick, carrying
// enough live state for the supervisor to answer /__xypriss/stats without
// round-tripping to each worker synchronously.
type HeartbeatPayload struct {
	WorkerID      uint32 `json:"workerId"`
	Pid           int    `json:"pid"`
	ActiveConns   int    `json:"activeConns"`
	TotalRequests uint64 `json:"totalRequests"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// ReadyPayload is sent once by a worker after it has successfully bound
// its listener and installed its routes.
type ReadyPayload struct {
	WorkerID uint32 `json:"workerId"`
	Port     int    `json:"port"`
}

// DrainPayload tells a worker to stop accepting new connections and exit
// once its in-flight requests complete, within GraceSeconds.
type DrainPayload struct {
	GraceSeconds int `json:"graceSeconds"`
}

// ReloadPayload tells a worker to reload configuration/routes without a
// full process restart, per the RELOAD hot-reload path (spec EXP-7).
type ReloadPayload struct {
	ConfigPath string `json:"configPath,omitempty"`
}

// StatsPayload is the supervisor's reply to a STATS request, or a push
// from a worker summarizing its own state.
type StatsPayload struct {
	WorkerID      uint32 `json:"workerId"`
	ActiveConns   int    `json:"activeConns"`
	TotalRequests uint64 `json:"totalRequests"`
	Restarts      int    `json:"restarts"`
}

// WorkBroadcastPayload carries an administrative command fanned out to
// every worker. Per spec §4.6 this channel is for admin operations only
// (e.g. "flush cache", "rotate log") — it is never used to route HTTP
// request traffic between workers.
type WorkBroadcastPayload struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Envelope pairs a decoded Frame's message type with its decrypted,
// JSON-decoded payload.
type Envelope struct {
	Type      ipc.MessageType
	Timestamp time.Time
	SrcID     uint32
	Seq       uint64
	Raw       []byte
}

// EncodeMessage JSON-encodes payload and seals it into a Frame via
// session, stamping the given type and the current time.
func EncodeMessage(session *ipc.Session, typ ipc.MessageType, payload any, now time.Time) (*ipc.Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "failed to encode ipc payload")
	}
	return session.Seal(typ, body, uint64(now.UnixNano()))
}

// DecodeMessage opens f via session and returns the plaintext envelope;
// callers unmarshal .Raw into the payload type matching .Type.
func DecodeMessage(session *ipc.Session, f *ipc.Frame) (*Envelope, error) {
	plaintext, err := session.Open(f)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      f.Type,
		Timestamp: time.Unix(0, int64(f.Timestamp)),
		SrcID:     f.SrcID,
		Seq:       f.Seq,
		Raw:       plaintext,
	}, nil
}
