package live

import (
	"errors"
	"fmt"
	"testing"
)

func TestRemoteStreamError_is(t *testing.T) {
	err := fmt.Errorf("session: %w", &RemoteStreamError{StreamID: "abc123", Message: "bad codec"})
	if !errors.Is(err, ErrRemoteStream) {
		t.Fatal("expected errors.Is ErrRemoteStream")
	}
	var remote *RemoteStreamError
	if !errors.As(err, &remote) || remote.StreamID != "abc123" {
		t.Fatalf("errors.As failed: %v", remote)
	}
}

func TestUserMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", ErrNetworkFetch), "Network error - stream may be offline"},
		{&RemoteStreamError{StreamID: "s", Message: "boom"}, "Stream error: boom"},
		{fmt.Errorf("x: %w", ErrPermissionDenied), "Camera or microphone access was denied"},
		{errors.New("other"), "Fatal error occurred"},
	}
	for _, c := range cases {
		if got := UserMessage(c.err); got != c.want {
			t.Errorf("UserMessage(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestStateStrings(t *testing.T) {
	if Reconnecting.String() != "reconnecting" {
		t.Errorf("got %s", Reconnecting)
	}
	if Errored.String() != "errored" || !Streaming.Active() || Idle.Active() {
		t.Error("capture state helpers")
	}
	if b, _ := Recovering.MarshalText(); string(b) != "recovering" {
		t.Errorf("got %s", b)
	}
	if PlaybackState(42).String() != "PlaybackState(42)" {
		t.Errorf("got %s", PlaybackState(42))
	}
}
