// Package mux turns complete H.264 access units into fragmented MP4
// suitable for Media Source Extensions playback: one ftyp+moov init segment
// per streaming session followed by moof+mdat media segments.
package mux

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

const (
	// VideoTimescale is the fMP4 track timescale, matching the 90 kHz
	// RTP video clock.
	VideoTimescale = 90000

	// DefaultFPS is assumed when the stream does not signal a frame rate.
	DefaultFPS = 25

	trackID = 1
)

// ErrNoParameterSets is returned when an init segment is requested before
// both SPS and PPS have been seen.
var ErrNoParameterSets = errors.New("sps/pps not yet cached")

// InitSegment is the one-time ftyp+moov for a stream.
type InitSegment struct {
	Codec  string // RFC 6381 string, e.g. "avc1.64001F"
	Width  int
	Height int
	Data   []byte
}

// MediaSegment is one moof+mdat pair carrying a single access unit.
type MediaSegment struct {
	SequenceNumber uint32
	Keyframe       bool
	Data           []byte
}

// Track is the transmuxer state for one (device, channel) video stream.
// It is driven by a single goroutine (the video connection reader) and
// needs no internal locking.
type Track struct {
	log *slog.Logger
	fps int

	sps    []byte
	pps    []byte
	codec  string
	width  int
	height int

	initSent   bool
	seqNum     uint32
	frameCount uint64
}

// NewTrack creates a transmuxer track. fps <= 0 selects DefaultFPS.
func NewTrack(fps int, log *slog.Logger) *Track {
	if fps <= 0 {
		fps = DefaultFPS
	}
	if log == nil {
		log = slog.Default()
	}
	return &Track{
		log:    log,
		fps:    fps,
		seqNum: 1,
	}
}

// Push feeds one complete frame buffer (one or more Annex-B NAL units) in.
// It returns the init segment the first time one can be produced and a
// media segment per video NAL. Non-IDR frames arriving before the init
// segment are dropped; they are undecodable without parameter sets.
func (t *Track) Push(buf []byte) (*InitSegment, []*MediaSegment, error) {
	var init *InitSegment
	var segments []*MediaSegment

	for _, nal := range extractNALUnits(buf) {
		if len(nal) == 0 {
			continue
		}

		switch h264.NALUType(nal[0] & 0x1F) {
		case h264.NALUTypeSPS:
			t.setSPS(nal)

		case h264.NALUTypePPS:
			t.pps = append([]byte(nil), nal...)

		case h264.NALUTypeIDR:
			if !t.initSent {
				seg, err := t.generateInit()
				if err != nil {
					if !errors.Is(err, ErrNoParameterSets) {
						t.log.Warn("init segment generation failed", "error", err)
					}
					continue
				}
				init = seg
			}
			seg, err := t.generateSegment([][]byte{t.sps, t.pps, nal}, true)
			if err != nil {
				return init, segments, err
			}
			segments = append(segments, seg)

		case h264.NALUTypeNonIDR:
			if !t.initSent {
				continue
			}
			seg, err := t.generateSegment([][]byte{nal}, false)
			if err != nil {
				return init, segments, err
			}
			segments = append(segments, seg)

		default:
			// SEI, AUD and friends carry no samples.
		}
	}

	return init, segments, nil
}

// Codec returns the MSE codec string, empty until an SPS has been seen.
func (t *Track) Codec() string { return t.codec }

// Dimensions returns the stream resolution derived from the SPS.
func (t *Track) Dimensions() (int, int) { return t.width, t.height }

// InitSent reports whether the init segment has been emitted.
func (t *Track) InitSent() bool { return t.initSent }

func (t *Track) setSPS(nal []byte) {
	t.sps = append([]byte(nil), nal...)

	if len(nal) >= 4 {
		t.codec = fmt.Sprintf("avc1.%02X%02X%02X", nal[1], nal[2], nal[3])
	}

	var sps h264.SPS
	if err := sps.Unmarshal(nal); err == nil {
		t.width = sps.Width()
		t.height = sps.Height()
		return
	}

	// Some devices emit SPS blobs the full parser rejects. Approximate
	// the resolution from level_idc so playback can still start.
	t.width, t.height = resolutionForLevel(nal)
	t.log.Debug("sps parse failed, using level-derived resolution",
		"width", t.width, "height", t.height)
}

func resolutionForLevel(sps []byte) (int, int) {
	if len(sps) < 4 {
		return 1920, 1080
	}
	switch level := sps[3]; {
	case level < 40:
		return 1280, 720
	case level < 50:
		return 1920, 1080
	default:
		return 3840, 2160
	}
}

func (t *Track) generateInit() (*InitSegment, error) {
	if t.sps == nil || t.pps == nil {
		return nil, ErrNoParameterSets
	}

	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        trackID,
			TimeScale: VideoTimescale,
			Codec: &mp4.CodecH264{
				SPS: t.sps,
				PPS: t.pps,
			},
		}},
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshaling init: %w", err)
	}

	t.initSent = true
	return &InitSegment{
		Codec:  t.codec,
		Width:  t.width,
		Height: t.height,
		Data:   buf.Bytes(),
	}, nil
}

func (t *Track) generateSegment(nals [][]byte, keyframe bool) (*MediaSegment, error) {
	payload, err := h264.AVCC(nals).Marshal()
	if err != nil {
		return nil, fmt.Errorf("converting to avcc: %w", err)
	}

	duration := uint32(VideoTimescale / t.fps)
	part := fmp4.Part{
		SequenceNumber: t.seqNum,
		Tracks: []*fmp4.PartTrack{{
			ID:       trackID,
			BaseTime: t.frameCount * uint64(duration),
			Samples: []*fmp4.Sample{{
				Duration:        duration,
				IsNonSyncSample: !keyframe,
				Payload:         payload,
			}},
		}},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshaling part: %w", err)
	}

	seg := &MediaSegment{
		SequenceNumber: t.seqNum,
		Keyframe:       keyframe,
		Data:           buf.Bytes(),
	}
	t.seqNum++
	t.frameCount++
	return seg, nil
}

// extractNALUnits splits a frame buffer into NAL units. Annex-B start
// codes are handled by mediacommon; buffers without start codes are
// treated as a single raw NAL.
func extractNALUnits(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	if hasStartCode(data) {
		var au h264.AnnexB
		if err := au.Unmarshal(data); err == nil {
			return au
		}
	}
	return [][]byte{data}
}

func hasStartCode(data []byte) bool {
	if len(data) < 4 || data[0] != 0x00 || data[1] != 0x00 {
		return false
	}
	return data[2] == 0x01 || (data[2] == 0x00 && data[3] == 0x01)
}
