package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/hostline/internal/media"
)

// Kind classifies every failure a call can end with.
type Kind string

const (
	PermissionDenied  Kind = "permission_denied"
	DeviceUnavailable Kind = "device_unavailable"
	NoHostsAvailable  Kind = "no_hosts_available"
	HostBusy          Kind = "host_busy"
	HostGone          Kind = "host_gone"
	SignalingFailure  Kind = "signaling_failure"
	MediaFailure      Kind = "media_failure"
	QuotaExhausted    Kind = "quota_exhausted"
	Unexpected        Kind = "unexpected"
)

var (
	ErrCallActive = errors.New("call: a call is already active")
	ErrCancelled  = errors.New("call: setup cancelled")
	ErrNoCall     = errors.New("call: no active call")
)

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether selecting a host again may succeed.
func (e *Error) Retryable() bool { return e.Kind == HostBusy || e.Kind == HostGone }

// NeedsUserAction reports whether the user must fix something (device
// permissions, a busy camera) before trying again.
func (e *Error) NeedsUserAction() bool {
	return e.Kind == PermissionDenied || e.Kind == DeviceUnavailable
}

func newError(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// KindOf extracts the Kind from err, defaulting to Unexpected.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unexpected
}

var notices = map[Kind]string{
	PermissionDenied:  "Camera or microphone access was denied.",
	DeviceUnavailable: "No usable camera or microphone was found, or it is in use by another program.",
	NoHostsAvailable:  "No hosts are available right now. Please try again later.",
	HostBusy:          "This host just started another call.",
	HostGone:          "This host is no longer available.",
	SignalingFailure:  "Could not connect to the call.",
	MediaFailure:      "Could not start audio and video for the call.",
	QuotaExhausted:    "Your call time is used up.",
	Unexpected:        "Something went wrong. Please try again.",
}

// Notice is the single user-facing message for a kind.
func Notice(k Kind) string {
	if n, ok := notices[k]; ok {
		return n
	}
	return notices[Unexpected]
}

// classifyMedia maps media failures onto call kinds. A constraint the
// devices cannot satisfy is a media failure, not a missing device.
func classifyMedia(err error) *Error {
	var ae *media.AcquireError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case media.PermissionDenied:
			return newError(PermissionDenied, err)
		case media.DeviceNotFound, media.DeviceBusy:
			return newError(DeviceUnavailable, err)
		}
	}
	return newError(MediaFailure, err)
}

// classifyStep wraps err with kind unless the setup was cancelled.
func classifyStep(ctx context.Context, kind Kind, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return newError(kind, err)
}
