package media

import (
	"bytes"
	"encoding/binary"
	"fmt"

	soxr "github.com/zaf/resample"
)

// Downmix averages interleaved channels into mono.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(samples[i*channels+ch])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// EncodePCM16 encodes samples as little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 decodes little-endian bytes into samples.
func DecodePCM16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Resampler converts mono PCM to a fixed output rate. The soxr resampler is
// recreated when the input rate changes. Not safe for concurrent use.
type Resampler struct {
	outRate int
	inRate  int
	r       *soxr.Resampler
	buf     *bytes.Buffer
}

// NewResampler creates a resampler producing outRate mono PCM.
func NewResampler(outRate int) *Resampler {
	return &Resampler{outRate: outRate}
}

// Resample converts samples captured at inRate. Input already at the output
// rate passes through unchanged.
func (r *Resampler) Resample(samples []int16, inRate int) ([]int16, error) {
	if inRate == r.outRate || len(samples) == 0 {
		return samples, nil
	}
	if r.r == nil || r.inRate != inRate {
		r.Close()
		// The resampler writes into buf, which is read back after each write
		r.buf = &bytes.Buffer{}
		res, err := soxr.New(r.buf, float64(inRate), float64(r.outRate), 1, soxr.I16, soxr.HighQ)
		if err != nil {
			return nil, fmt.Errorf("create resampler: %w", err)
		}
		r.r = res
		r.inRate = inRate
	}

	r.buf.Reset()
	if _, err := r.r.Write(EncodePCM16(samples)); err != nil {
		return nil, fmt.Errorf("resampler write: %w", err)
	}
	return DecodePCM16(r.buf.Bytes()), nil
}

// Close releases the underlying resampler.
func (r *Resampler) Close() {
	if r.r != nil {
		r.r.Close()
		r.r = nil
	}
}
