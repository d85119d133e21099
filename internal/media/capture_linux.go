//go:build linux

package media

import (
	"context"
	"errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures camera and microphone through pion/mediadevices
// (V4L2 + malgo on Linux), encoding VP8 and Opus.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

type deviceTrack struct {
	t mediadevices.Track
}

func (d *deviceTrack) ID() string { return d.t.ID() }
func (d *deviceTrack) Kind() Kind {
	if d.t.Kind() == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}
func (d *deviceTrack) Close() error                  { return d.t.Close() }
func (d *deviceTrack) TrackLocal() webrtc.TrackLocal { return d.t }

func (s *DeviceSource) Acquire(_ context.Context, c Constraints) ([]Track, error) {
	if !c.Audio && !c.Video {
		return nil, nil
	}
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, &AcquireError{Kind: DeviceNotFound, Err: errors.New("no media devices found")}
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose MJPEG nodes with malformed frames.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, ClassifyAcquire(err)
	}

	var out []Track
	for _, t := range stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local track ended: %v", err)
			}
		})
		out = append(out, &deviceTrack{t: t})
	}
	return out, nil
}
