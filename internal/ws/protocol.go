package ws

import (
	"encoding/json"

	"github.com/embuer/embuer/internal/update"
)

type MessageType string

// MsgStatus is the only type the server sends. Watch failures end the
// stream with a close frame instead.
const MsgStatus MessageType = "status"

// WSMessage is the envelope for every WebSocket text message. Seq repeats
// the status sequence number so clients can check ordering without
// decoding the payload.
type WSMessage struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

func newStatusMessage(st update.Status) ([]byte, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: MsgStatus, Seq: st.Seq, Payload: payload})
}

type InstallFileRequest struct {
	Path string `json:"path"`
}

type InstallURLRequest struct {
	URL string `json:"url"`
}

type ConfirmRequest struct {
	Accept bool `json:"accept"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type BootInfoResponse struct {
	// Deployment is what the device booted into.
	Deployment string `json:"deployment"`
	// Current is what it will boot into next.
	Current string `json:"current"`
}

type ErrorCode string

const (
	CodeBusy            ErrorCode = "busy"
	CodeNoPendingUpdate ErrorCode = "no_pending_update"
	CodeInvalidArgument ErrorCode = "invalid_argument"
	CodeEncoding        ErrorCode = "encoding"
	CodeServiceFault    ErrorCode = "service_fault"
)

type ErrorResponse struct {
	Code  ErrorCode `json:"code"`
	Error string    `json:"error"`
}
