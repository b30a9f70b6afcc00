package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNotWAV is returned by [ReadWAVHeader] when the stream does not start
// with a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// WAVHeader describes the PCM payload of a WAV stream.
type WAVHeader struct {
	Format Format

	// DataSize is the declared size of the data chunk in bytes. Streaming
	// writers often leave it as 0 or 0xFFFFFFFF; callers should read until EOF
	// rather than trusting it.
	DataSize uint32
}

// ReadWAVHeader consumes the RIFF header from r up to the start of the
// "data" chunk. Only uncompressed 16-bit PCM (format tag 1) is accepted.
// Unknown chunks (LIST, fact, …) are skipped.
func ReadWAVHeader(r io.Reader) (WAVHeader, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return WAVHeader{}, fmt.Errorf("audio: read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return WAVHeader{}, ErrNotWAV
	}

	var (
		hdr     WAVHeader
		haveFmt bool
	)
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return WAVHeader{}, fmt.Errorf("audio: read chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVHeader{}, fmt.Errorf("audio: fmt chunk too short (%d bytes)", size)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return WAVHeader{}, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			tag := binary.LittleEndian.Uint16(body[0:2])
			if tag != 1 {
				return WAVHeader{}, fmt.Errorf("audio: unsupported wav format tag %d (want PCM)", tag)
			}
			hdr.Format = Format{
				Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
			}
			if hdr.Format.BitsPerSample != 16 {
				return WAVHeader{}, fmt.Errorf("audio: unsupported wav bit depth %d (want 16)", hdr.Format.BitsPerSample)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVHeader{}, errors.New("audio: data chunk before fmt chunk")
			}
			hdr.DataSize = size
			return hdr, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return WAVHeader{}, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
	}
}

// EncodeWAV wraps 16-bit little-endian PCM in a canonical 44-byte RIFF/WAVE
// header.
func EncodeWAV(pcm []byte, f Format) []byte {
	blockAlign := f.Channels * f.BitsPerSample / 8
	buf := make([]byte, 44+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(f.BitsPerSample))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
