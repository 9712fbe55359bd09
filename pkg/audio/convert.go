package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrUnsupportedWAV is returned by [DecodeWAV] for containers that are not
// 16-bit integer or 32-bit float PCM.
var ErrUnsupportedWAV = errors.New("audio: unsupported wav encoding")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// DecodePCM16 converts little-endian int16 PCM into a [Buffer]. A trailing odd
// byte is ignored.
func DecodePCM16(pcm []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: format %dHz/%dch", ErrInvalidBuffer, sampleRate, channels)
	}
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = float32(s) / 32768
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// EncodePCM16 converts float samples into little-endian int16 PCM, clamping
// to the representable range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	PutPCM16(out, samples)
	return out
}

// PutPCM16 encodes samples into dst, which must hold at least 2*len(samples)
// bytes.
func PutPCM16(dst []byte, samples []float32) {
	for i, s := range samples {
		v := int32(math.Round(float64(s) * 32767))
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(int16(v)))
	}
}

// DecodeWAV parses a RIFF/WAVE container holding 16-bit integer or 32-bit
// float PCM. Unknown chunks are skipped.
func DecodeWAV(data []byte) (*Buffer, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("audio: decode wav: missing RIFF/WAVE header")
	}

	var (
		format     uint16
		channels   int
		sampleRate int
		bits       int
		haveFmt    bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			// Streaming servers often write a placeholder size for the data
			// chunk; clamp to what we actually received.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("audio: decode wav: short fmt chunk")
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("audio: decode wav: data chunk before fmt chunk")
			}
			return decodeWAVData(data[body:end], format, bits, sampleRate, channels)
		}

		// Chunks are word aligned.
		pos = body + size + size%2
	}
	return nil, fmt.Errorf("audio: decode wav: no data chunk")
}

func decodeWAVData(payload []byte, format uint16, bits, sampleRate, channels int) (*Buffer, error) {
	const (
		wavFormatPCM   = 1
		wavFormatFloat = 3
	)
	switch {
	case format == wavFormatPCM && bits == 16:
		return DecodePCM16(payload, sampleRate, channels)
	case format == wavFormatFloat && bits == 32:
		n := len(payload) / 4
		samples := make([]float32, n)
		for i := range n {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		}
		return &Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
	}
	return nil, fmt.Errorf("%w: format=%d bits=%d", ErrUnsupportedWAV, format, bits)
}

// Downmix averages all channels of an interleaved buffer into mono samples.
func Downmix(b *Buffer) []float32 {
	if b.Channels == 1 {
		out := make([]float32, len(b.Samples))
		copy(out, b.Samples)
		return out
	}
	frames := b.Frames()
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range b.Channels {
			sum += b.Samples[i*b.Channels+c]
		}
		out[i] = sum / float32(b.Channels)
	}
	return out
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := float32(srcPos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// ToMono returns the buffer's audio as mono samples at sampleRate, the shape
// the mixer renders from.
func ToMono(b *Buffer, sampleRate int) []float32 {
	return ResampleMono(Downmix(b), b.SampleRate, sampleRate)
}

// EncodeWAV writes b as a 16-bit PCM RIFF/WAVE file.
func EncodeWAV(b *Buffer) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	pcm := EncodePCM16(b.Samples)
	blockAlign := b.Channels * 2

	out := make([]byte, 44, 44+len(pcm))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], uint16(b.Channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(b.SampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(b.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	return append(out, pcm...), nil
}
