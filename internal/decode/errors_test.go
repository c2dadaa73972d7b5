package decode

import (
	"errors"
	"testing"
)

// TestClassify verifies error messages map to the right category.
func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want Category
	}{
		{"unauthorized", "rtsp response: 401 Unauthorized", CategoryAuth},
		{"forbidden", "server returned 403 Forbidden", CategoryAuth},
		{"bad credentials", "invalid username or password", CategoryAuth},
		{"decode failure", "could not decode frame", CategoryCodec},
		{"caps negotiation", "streaming stopped, reason not-negotiated", CategoryCodec},
		{"missing plugin", "missing plugin for video/x-h265", CategoryCodec},
		{"connection refused", "connect to 192.168.1.10:554 failed: connection refused", CategoryNetwork},
		{"timeout", "read timeout on data stream", CategoryNetwork},
		{"dns", "could not resolve host camera.local", CategoryNetwork},
		{"unclassified", "something odd happened", CategoryUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(errors.New(tc.msg)); got != tc.want {
				t.Errorf("Expected %s, got %s", tc.want, got)
			}
		})
	}
}

// TestClassifyPriority verifies auth outranks network when a message
// mentions both, since auth failures usually name the connection too.
func TestClassifyPriority(t *testing.T) {
	err := errors.New("connection closed: 401 Unauthorized")
	if got := Classify(err); got != CategoryAuth {
		t.Errorf("Expected auth to win over network, got %s", got)
	}

	err = errors.New("connection error: no decoder for stream format")
	if got := Classify(err); got != CategoryCodec {
		t.Errorf("Expected codec to win over network, got %s", got)
	}
}

// TestClassifyNil verifies a nil error is unknown rather than a panic.
func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != CategoryUnknown {
		t.Errorf("Expected unknown for nil error, got %s", got)
	}
}

// TestCategoryString verifies the telemetry names.
func TestCategoryString(t *testing.T) {
	cases := map[Category]string{
		CategoryNetwork: "network",
		CategoryCodec:   "codec",
		CategoryAuth:    "auth",
		CategoryUnknown: "unknown",
		Category(99):    "unknown",
	}
	for cat, want := range cases {
		if got := cat.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}
