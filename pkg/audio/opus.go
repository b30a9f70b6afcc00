package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusMaxFrameMs bounds the decode buffer; 60 ms covers every legal Opus
// frame duration.
const opusMaxFrameMs = 60

// OpusDecoder decodes a stream of Opus packets into 16-bit PCM in a fixed
// format. Opus can decode at any of its supported rates directly, so no
// resampling is needed for 16 kHz or 24 kHz targets. Not safe for
// concurrent use; create one per device stream.
type OpusDecoder struct {
	dec      *gopus.Decoder
	format   Format
	maxFrame int
}

// NewOpusDecoder creates a decoder that emits PCM in format f.
func NewOpusDecoder(f Format) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder (%s): %w", f, err)
	}
	return &OpusDecoder{
		dec:      dec,
		format:   f,
		maxFrame: f.SampleRate * opusMaxFrameMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into little-endian PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// Format returns the PCM format produced by Decode.
func (d *OpusDecoder) Format() Format { return d.format }
