package decode

import "strings"

// Category classifies decode failures for telemetry.
type Category int

const (
	// CategoryNetwork indicates network-related failures (connection, timeout, DNS).
	CategoryNetwork Category = iota
	// CategoryCodec indicates codec/stream failures (decode errors, format issues).
	CategoryCodec
	// CategoryAuth indicates authentication/authorization failures.
	CategoryAuth
	// CategoryUnknown indicates unclassified errors.
	CategoryUnknown
)

// String returns a human-readable name for the category.
func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryCodec:
		return "codec"
	case CategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Classify categorizes a failure by its message text.
//
// This enables better debugging in production by distinguishing between
// network issues (reconnect may help), codec issues (reconnect unlikely
// to help), auth issues (credentials needed), and unknown issues.
// Neither GStreamer nor OpenCV expose structured error domains through
// their Go bindings, so classification relies on message heuristics.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Category {
	msg = strings.ToLower(msg)

	// Auth first: most specific, and auth failures often mention the
	// connection too.
	if containsAny(msg, authKeywords) {
		return CategoryAuth
	}
	if containsAny(msg, codecKeywords) {
		return CategoryCodec
	}
	if containsAny(msg, networkKeywords) {
		return CategoryNetwork
	}
	return CategoryUnknown
}

var authKeywords = []string{
	"unauthorized",
	"401",
	"403",
	"forbidden",
	"authentication",
	"credentials",
	"password",
	"username",
}

var codecKeywords = []string{
	"codec",
	"decode",
	"encode",
	"format",
	"negotiation",
	"negotiated",
	"caps",
	"h264",
	"h265",
	"mjpeg",
	"jpeg",
	"no decoder",
	"missing plugin",
}

var networkKeywords = []string{
	"connection",
	"timeout",
	"unreachable",
	"network",
	"dns",
	"resolve",
	"socket",
	"refused",
	"reset",
	"tcp",
	"udp",
	"rtsp",
	"not found",
	"could not open",
	"failed to connect",
}

func containsAny(msg string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
