package worker

import (
	"encoding/json"

	"github.com/cuemby/fieldsync/pkg/replay"
	"github.com/cuemby/fieldsync/pkg/types"
)

// MessageType names a control message
type MessageType string

// Control messages accepted by the worker
const (
	MsgSkipWaiting         MessageType = "SKIP_WAITING"
	MsgCacheInspectionData MessageType = "CACHE_INSPECTION_DATA"
	MsgGetOfflineStatus    MessageType = "GET_OFFLINE_STATUS"
	MsgForceSync           MessageType = "FORCE_SYNC"
)

// Message is one request from the page side. Payload is only used by
// CACHE_INSPECTION_DATA.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InspectionData is the payload of CACHE_INSPECTION_DATA
type InspectionData struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Reply answers a Message. Only the field matching the message type is set.
type Reply struct {
	Type       MessageType          `json:"type"`
	Status     *types.OfflineStatus `json:"status,omitempty"`
	Sync       *replay.Result       `json:"sync,omitempty"`
	Generation string               `json:"generation,omitempty"`
	CacheKey   string               `json:"cacheKey,omitempty"`
}

// NewCacheInspectionData builds a CACHE_INSPECTION_DATA message
func NewCacheInspectionData(id string, payload json.RawMessage) (Message, error) {
	data, err := json.Marshal(InspectionData{ID: id, Payload: payload})
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MsgCacheInspectionData, Payload: data}, nil
}
