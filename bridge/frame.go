package bridge

// Frame types exchanged with a client. Data is carried base64-encoded by
// encoding/json.
const (
	FrameStdin    = "stdin"
	FrameResize   = "resize"
	FrameStdout   = "stdout"
	FrameDropped  = "dropped"
	FrameEOF      = "eof"
	FrameRejected = "rejected"
	FrameBye      = "bye"
)

// End reasons carried by a bye frame, besides the session end signals.
const (
	ByeReplaced = "replaced"
	// ByeUnavailable is sent when the session could not be joined after the
	// connection was accepted.
	ByeUnavailable = "unavailable"
)

type Frame struct {
	Type string `json:"type"`
	Data []byte `json:"data,omitempty"`
	// Offset is the stream offset just past this frame's data.
	Offset uint64 `json:"offset,omitempty"`
	// Bytes counts output lost before this point.
	Bytes  uint64 `json:"bytes,omitempty"`
	Rows   uint   `json:"rows,omitempty"`
	Cols   uint   `json:"cols,omitempty"`
	Reason string `json:"reason,omitempty"`
	Code   *int   `json:"code,omitempty"`
}

// ClientConn is one remote viewer/controller connection. ReadFrame is only
// called from one goroutine at a time, as is WriteFrame.
type ClientConn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// End tells attached clients why the session ended.
type End struct {
	Reason string
	Code   *int
}
