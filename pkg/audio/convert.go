package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Duration returns how long pcm plays in format f.
func Duration(pcm []byte, f Format) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(pcm) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// FormatConverter converts frames to a target format, resampling first and
// then converting channels. It warns once on the first mismatch and drops
// frames with an odd byte count. Create one per stream.
type FormatConverter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert returns frame in the target format. Frames already in the target
// format are returned unchanged. A dropped frame has nil Data.
func (c *FormatConverter) Convert(frame Frame) Frame {
	out := Frame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}

	if len(frame.Data)%2 != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio: odd PCM byte count, dropping frame", "bytes", len(frame.Data), "format", frame.Format())
		})
		return out
	}
	if frame.Format() == c.Target {
		return frame
	}
	c.warnMismatch.Do(func() {
		slog.Debug("audio: converting stream", "from", frame.Format(), "to", c.Target)
	})

	pcm := frame.Data
	if frame.SampleRate != c.Target.SampleRate {
		if frame.Channels == 2 {
			pcm = ResampleStereo16(pcm, frame.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
		}
	}
	switch {
	case frame.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case frame.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	out.Data = pcm
	return out
}

// String renders the format as e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
}

func putSample(pcm []byte, i int, s int16) {
	pcm[2*i] = byte(s)
	pcm[2*i+1] = byte(s >> 8)
}

// MonoToStereo duplicates every mono sample into an L/R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sampleAt(pcm, i)
		putSample(out, 2*i, s)
		putSample(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages each L/R pair.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		avg := (int32(sampleAt(pcm, 2*i)) + int32(sampleAt(pcm, 2*i+1))) / 2
		putSample(out, i, int16(avg))
	}
	return out
}

// ResampleMono16 resamples mono PCM with linear interpolation.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved stereo PCM with linear interpolation.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 2, srcRate, dstRate)
}

func resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}
