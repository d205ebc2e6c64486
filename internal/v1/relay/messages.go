package relay

import (
	"encoding/json"
)

// Role identifies what a connection is allowed to do in a room.
type Role string

const (
	RoleController Role = "controller"
	RoleDisplay    Role = "display"
	RoleViewer     Role = "viewer"
)

// ParseRole coerces unknown roles to controller.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleController, RoleDisplay, RoleViewer:
		return Role(s)
	default:
		return RoleController
	}
}

// MaxFrameSize is the largest accepted inbound frame.
const MaxFrameSize = 50 * 1024

// CloseInvalidSession is the close code sent when a join names an unknown
// session.
const CloseInvalidSession = 4001

// allowedTypes is the closed set of wire message types. Anything else is
// dropped silently.
var allowedTypes = map[string]struct{}{
	"state":         {},
	"song":          {},
	"beat":          {},
	"command":       {},
	"visualizer":    {},
	"lyrics":        {},
	"video":         {},
	"nowPlaying":    {},
	"seekTo":        {},
	"display":       {},
	"remoteStatus":  {},
	"session":       {},
	"error":         {},
	"ping":          {},
	"pong":          {},
	"audioFeatures": {},
	"kioskStatus":   {},
}

// frameHeader is the lightweight decode of an inbound frame. Only the type is
// interpreted; the rest of the payload is forwarded verbatim.
type frameHeader struct {
	Type string `json:"type"`
}

// validateFrame checks size, shape, and type. Returns the frame type and
// whether the frame is acceptable.
func validateFrame(payload []byte) (string, bool) {
	if len(payload) > MaxFrameSize {
		return "", false
	}
	var hdr frameHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		return "", false
	}
	if _, ok := allowedTypes[hdr.Type]; !ok {
		return hdr.Type, false
	}
	return hdr.Type, true
}

// Envelope is the cross-process message shape. Payload carries the original
// client JSON as a string; receivers drop envelopes originating from their
// own instance.
type Envelope struct {
	FromInstanceID string `json:"fromInstanceId"`
	SenderRole     string `json:"senderRole"`
	Payload        string `json:"payload"`
}

// channelFor names the pub/sub channel carrying a session's envelopes.
func channelFor(sessionID string) string {
	return "ws:relay:" + sessionID
}

// Server-emitted frames.

func sessionFrame(sessionID string) []byte {
	b, _ := json.Marshal(map[string]string{"type": "session", "sessionId": sessionID})
	return b
}

func errorFrame(message string) []byte {
	b, _ := json.Marshal(map[string]string{"type": "error", "message": message})
	return b
}

func remoteStatusFrame(connected bool, controllers int) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":        "remoteStatus",
		"connected":   connected,
		"controllers": controllers,
	})
	return b
}

func kioskStatusFrame(connected bool) []byte {
	b, _ := json.Marshal(map[string]any{"type": "kioskStatus", "connected": connected})
	return b
}
