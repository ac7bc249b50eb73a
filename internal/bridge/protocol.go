package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire framing: every frame is a one-byte discriminator followed by the JSON
// encoding of the Msg envelope. The discriminator lets a reader route the
// frame without parsing the body first.
const (
	reqMark  byte = 0
	respMark byte = 1
)

// ErrEmptyFrame is returned when a frame has no discriminator byte.
var ErrEmptyFrame = errors.New("bridge: empty frame")

// PackRequest encodes m as a request frame.
func PackRequest(m Msg) ([]byte, error) {
	return pack(reqMark, m)
}

// PackResponse encodes m as a response frame.
func PackResponse(m Msg) ([]byte, error) {
	return pack(respMark, m)
}

func pack(mark byte, m Msg) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode frame: %w", err)
	}
	buf := make([]byte, 0, len(body)+1)
	buf = append(buf, mark)
	buf = append(buf, body...)
	return buf, nil
}

// IsResponse reports whether the frame carries a response. It inspects only
// the discriminator byte.
func IsResponse(frame []byte) bool {
	return len(frame) > 0 && frame[0] == respMark
}

// Unpack decodes a frame of either kind into its envelope.
func Unpack(frame []byte) (Msg, error) {
	var m Msg
	if len(frame) == 0 {
		return m, ErrEmptyFrame
	}
	if frame[0] != reqMark && frame[0] != respMark {
		return m, fmt.Errorf("bridge: unknown frame mark %d", frame[0])
	}
	if err := json.Unmarshal(frame[1:], &m); err != nil {
		return m, fmt.Errorf("bridge: decode frame: %w", err)
	}
	return m, nil
}
