package live

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when the capture device refuses access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDeviceUnavailable is returned when no capture device can be opened.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrSourceLost is reported when the capture source disappears mid-capture.
	ErrSourceLost = errors.New("source lost")

	// ErrDirectoryUnavailable wraps every failure of the stream directory.
	ErrDirectoryUnavailable = errors.New("directory service unavailable")

	// ErrConnectionLost is reported when the ingest connection drops or
	// cannot be (re)established.
	ErrConnectionLost = errors.New("connection lost")

	// ErrRemoteStream is the sentinel behind RemoteStreamError.
	ErrRemoteStream = errors.New("remote stream error")

	// ErrManifestUnavailable is returned when no manifest can be resolved or loaded.
	ErrManifestUnavailable = errors.New("manifest unavailable")

	// ErrUnsupportedPlayback is returned when the surface supports no playback engine.
	ErrUnsupportedPlayback = errors.New("unsupported playback environment")

	// ErrNetworkFetch wraps manifest and segment fetch failures.
	ErrNetworkFetch = errors.New("network fetch failure")

	// ErrDecode wraps media decode failures.
	ErrDecode = errors.New("decode failure")
)

// RemoteStreamError is a stream-error message reported by the ingest service.
type RemoteStreamError struct {
	StreamID StreamID
	Message  string
}

func (e *RemoteStreamError) Error() string {
	return fmt.Sprintf("remote stream error for %s: %s", e.StreamID, e.Message)
}

// Unwrap lets errors.Is(err, ErrRemoteStream) match.
func (e *RemoteStreamError) Unwrap() error { return ErrRemoteStream }

// UserMessage maps an error to the short message shown to the user.
func UserMessage(err error) string {
	var remote *RemoteStreamError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &remote):
		return "Stream error: " + remote.Message
	case errors.Is(err, ErrPermissionDenied):
		return "Camera or microphone access was denied"
	case errors.Is(err, ErrDeviceUnavailable):
		return "No camera or microphone is available"
	case errors.Is(err, ErrSourceLost):
		return "The camera or microphone was disconnected"
	case errors.Is(err, ErrDirectoryUnavailable):
		return "Failed to start stream: stream directory is unavailable"
	case errors.Is(err, ErrConnectionLost):
		return "Lost connection to the ingest server"
	case errors.Is(err, ErrUnsupportedPlayback):
		return "HLS not supported in this environment"
	case errors.Is(err, ErrNetworkFetch), errors.Is(err, ErrManifestUnavailable):
		return "Network error - stream may be offline"
	case errors.Is(err, ErrDecode):
		return "Media error - playback could not recover"
	default:
		return "Fatal error occurred"
	}
}
