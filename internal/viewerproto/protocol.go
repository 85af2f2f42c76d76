package viewerproto

// Version is the viewer protocol version.
const Version = "1.0"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeFrame     = "FRAME"
)

// Client -> Server. First message on the frame WS connection, and can be
// re-sent to change the frame rate.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// EveryN sends one frame out of every N published. 0 and 1 mean all.
	EveryN int `json:"every_n,omitempty"`
}

// HTTP response for GET /v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	RunID           string      `json:"run_id"`
	Frame           uint64      `json:"frame"`
	Grid            GridParams  `json:"grid"`
	Image           ImageParams `json:"image"`
}

type GridParams struct {
	Dims      [3]int `json:"dims"`
	BrickSize int    `json:"brick_size"`
}

type ImageParams struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// Server -> Client. Sent as a text message immediately before the binary
// message holding the PNG it describes.
type FrameMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Frame           uint64 `json:"frame"`

	Width  int `json:"width"`
	Height int `json:"height"`

	Hits       int     `json:"hits"`
	Misses     int     `json:"misses"`
	Requested  int     `json:"requested"`
	Loaded     int     `json:"loaded"`
	Resident   int     `json:"resident"`
	Backlog    int     `json:"backlog"`
	DurationMS float64 `json:"duration_ms"`

	PNGBytes int `json:"png_bytes"`
	// Dropped counts frames this client missed because it fell behind.
	Dropped uint64 `json:"dropped,omitempty"`
}
