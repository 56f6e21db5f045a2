package realtime

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
)

// Control frame types.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Frame is one wire message: {"type", "data", "timestamp"}. Timestamp is
// milliseconds since the Unix epoch.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewFrame encodes data and stamps the frame with the current time.
func NewFrame(frameType string, data interface{}) (Frame, error) {
	if frameType == "" {
		return Frame{}, svcerrors.Protocol("frame type is required", nil)
	}

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Frame{}, svcerrors.Protocol("encode frame data", err)
		}
		raw = b
	}
	return Frame{Type: frameType, Data: raw, Timestamp: time.Now().UnixMilli()}, nil
}

// Encode returns the JSON wire form.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Time returns the frame timestamp as a time.Time.
func (f Frame) Time() time.Time {
	if f.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(f.Timestamp)
}

// DecodeFrame parses a wire message. Only the envelope is validated here;
// the payload is decoded per event kind.
func DecodeFrame(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, svcerrors.Protocol("frame is not valid JSON", nil)
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Frame{}, svcerrors.Protocol("frame is not a JSON object", nil)
	}

	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return Frame{}, svcerrors.Protocol("frame has no type", nil)
	}

	f := Frame{Type: typ.Str}
	if data := root.Get("data"); data.Exists() && data.Type != gjson.Null {
		f.Data = json.RawMessage(data.Raw)
	}
	if ts := root.Get("timestamp"); ts.Type == gjson.Number {
		f.Timestamp = ts.Int()
	}
	return f, nil
}
