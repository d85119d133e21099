//go:build !linux

package media

import (
	"context"
	"errors"
)

// DeviceSource has no capture drivers outside Linux.
type DeviceSource struct{}

func NewDeviceSource() (*DeviceSource, error) { return &DeviceSource{}, nil }

func (s *DeviceSource) Acquire(_ context.Context, c Constraints) ([]Track, error) {
	if !c.Audio && !c.Video {
		return nil, nil
	}
	return nil, &AcquireError{Kind: DeviceNotFound, Err: errors.New("local capture is not supported on this platform")}
}
