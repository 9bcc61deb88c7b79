package replication

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"feedmesh/pkg/dberrors"
	"feedmesh/pkg/feed"
	"feedmesh/pkg/types"
)

// Remote procedures. The initiator exposes ProcUpdateFeeds, the responder
// exposes ProcStartReplication and ProcStopReplication.
const (
	ProcUpdateFeeds      = "updateFeeds"
	ProcStartReplication = "startReplication"
	ProcStopReplication  = "stopReplication"
)

const tagPrefix = "feed-"

type UpdateFeedsRequest struct {
	Feeds []types.LogID `json:"feeds"`
}

// StartRequest offers to replicate one log in the given direction.
type StartRequest struct {
	Log       types.LogID    `json:"log"`
	Direction feed.Direction `json:"direction"`
}

// StartResponse carries the stream tag of an accepted offer. A declined
// offer is not an error.
type StartResponse struct {
	Accepted bool   `json:"accepted"`
	Tag      string `json:"tag,omitempty"`
}

// StopRequest names the stream to stop. An empty tag stops whatever stream
// the log has.
type StopRequest struct {
	Log types.LogID `json:"log"`
	Tag string      `json:"tag,omitempty"`
}

func newTag() string {
	return tagPrefix + uuid.NewString()
}

func decode[T any](proc string, raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s request: %w: %w", proc, dberrors.ErrInvalidArgument, err)
	}
	return v, nil
}
