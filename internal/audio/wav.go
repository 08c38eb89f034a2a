package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// WAVHeaderSize is the size of the canonical RIFF/WAVE PCM header.
	WAVHeaderSize = 44

	formatPCM = 1
)

var ErrInvalidWAV = errors.New("invalid wav container")

// Format describes linear PCM sample layout.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Mono16 is the layout produced by the speech synthesizers.
func Mono16(sampleRate int) Format {
	return Format{SampleRate: sampleRate, Channels: 1, BitsPerSample: 16}
}

func (f Format) byteRate() uint32 {
	return uint32(f.SampleRate * f.Channels * f.BitsPerSample / 8)
}

func (f Format) blockAlign() uint16 {
	return uint16(f.Channels * f.BitsPerSample / 8)
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	if f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("bits per sample must be a positive multiple of 8, got %d", f.BitsPerSample)
	}
	return nil
}

// Frame wraps raw little-endian PCM in a 44-byte WAV header.
func Frame(pcm []byte, sampleRate, channels, bitsPerSample int) ([]byte, error) {
	f := Format{SampleRate: sampleRate, Channels: channels, BitsPerSample: bitsPerSample}
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize + len(pcm))
	if err := WriteWAVTo(&buf, pcm, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return Frame(pcm, sampleRate, 1, 16)
}

// WriteWAVTo writes pcm to out as a WAV stream.
func WriteWAVTo(out io.Writer, pcm []byte, f Format) error {
	if err := f.validate(); err != nil {
		return err
	}
	if align := int(f.blockAlign()); len(pcm)%align != 0 {
		return fmt.Errorf("pcm length %d is not a whole number of %d-byte frames", len(pcm), align)
	}
	dataSize := uint32(len(pcm))

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	fmtChunk := []any{
		uint32(16),
		uint16(formatPCM),
		uint16(f.Channels),
		uint32(f.SampleRate),
		f.byteRate(),
		f.blockAlign(),
		uint16(f.BitsPerSample),
	}
	for _, v := range fmtChunk {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAV parses a PCM WAV container and returns its layout and sample bytes.
// Unknown chunks between fmt and data are skipped.
func DecodeWAV(data []byte) (Format, []byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Format{}, nil, ErrInvalidWAV
	}
	var (
		f      Format
		haveFt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			return Format{}, nil, fmt.Errorf("%w: chunk %q overruns buffer", ErrInvalidWAV, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			if tag := binary.LittleEndian.Uint16(data[body : body+2]); tag != formatPCM {
				return Format{}, nil, fmt.Errorf("%w: unsupported format tag %d", ErrInvalidWAV, tag)
			}
			f.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFt = true
		case "data":
			if !haveFt {
				return Format{}, nil, fmt.Errorf("%w: data before fmt", ErrInvalidWAV)
			}
			return f, data[body : body+size], nil
		}
		pos = body + size + size%2
	}
	return Format{}, nil, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}
