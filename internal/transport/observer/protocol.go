package observer

import "voxelstream.ai/internal/sim/world"

// Version is the feed protocol version.
const Version = "1"

// Client -> Server. First message on the connection; may be re-sent to change
// the push interval.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	IntervalMs      int    `json:"interval_ms"`
}

// Server -> Client. Pushed every interval.
type StatusMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Session         string      `json:"session"`
	Seq             uint64      `json:"seq"`
	Time            string      `json:"time"`
	Stats           world.Stats `json:"stats"`
}

// Server -> Client. One-off events such as an archive import or snapshot.
type NoticeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Kind            string `json:"kind"`
	Data            any    `json:"data,omitempty"`
}
