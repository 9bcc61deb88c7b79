package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewDataResponse(data any) Response {
	return Response{Status: StatusSuccess, Data: data}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// FeedInfo describes one locally held feed.
type FeedInfo struct {
	ID     string `json:"id"`
	Length uint64 `json:"length"`
}

// EntryInfo is one block of a feed. Payload is base64 encoded on the wire.
type EntryInfo struct {
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload"`
}

type FeedDetail struct {
	FeedInfo
	Entries []EntryInfo `json:"entries"`
}

type AppendResult struct {
	Seq uint64 `json:"seq"`
}

type StreamsInfo struct {
	Streams     []StreamInfo `json:"streams"`
	RemoteFeeds []string     `json:"remote_feeds"`
}

type StreamInfo struct {
	Log      string `json:"log"`
	Tag      string `json:"tag"`
	Upload   bool   `json:"upload"`
	Download bool   `json:"download"`
}

type ReaderInfo struct {
	Feeds     int               `json:"feeds"`
	Timeframe map[string]uint64 `json:"timeframe"`
}
