package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

var ErrNotWAV = errors.New("not a wav file")

const (
	wavFormatPCM   = 1
	wavFormatALaw  = 6
	wavFormatMuLaw = 7
)

func wavFormatCode(format EncodingFormat) (uint16, bool) {
	switch format {
	case EncodingLinear16:
		return wavFormatPCM, true
	case EncodingALaw:
		return wavFormatALaw, true
	case EncodingMulaw:
		return wavFormatMuLaw, true
	}
	return 0, false
}

// EncodeWAV wraps raw mono samples in a RIFF/WAVE container.
func EncodeWAV(w io.Writer, encoding EncodingInfo, samples []byte) error {
	code, ok := wavFormatCode(encoding.Format)
	if !ok {
		return fmt.Errorf("unsupported wav encoding %q", encoding.Format)
	}
	sampleSize := encoding.Format.ByteSize()

	header := struct {
		Riff          [4]byte
		ChunkSize     uint32
		Wave          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(samples)),
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   code,
		Channels:      1,
		SampleRate:    uint32(encoding.SampleRate),
		ByteRate:      uint32(encoding.BytesPerSecond()),
		BlockAlign:    uint16(sampleSize),
		BitsPerSample: uint16(sampleSize * 8),
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(samples)),
	}

	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to write wav header: %w", err)
	}
	if _, err := w.Write(samples); err != nil {
		return fmt.Errorf("failed to write wav samples: %w", err)
	}
	return nil
}

// WAVInfo is what the mixer needs to know about a cached file.
type WAVInfo struct {
	Encoding EncodingInfo
	Channels int
	DataSize int
	Duration time.Duration
}

// ParseWAV reads the header chunks up to and including the data chunk header.
func ParseWAV(r io.Reader) (WAVInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return WAVInfo{}, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if !bytes.Equal(riff[0:4], []byte("RIFF")) || !bytes.Equal(riff[8:12], []byte("WAVE")) {
		return WAVInfo{}, ErrNotWAV
	}

	var (
		info       WAVInfo
		byteRate   uint32
		haveFormat bool
	)
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return WAVInfo{}, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
		}
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch string(chunk[0:4]) {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil || size < 16 {
				return WAVInfo{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			switch binary.LittleEndian.Uint16(body[0:2]) {
			case wavFormatPCM:
				info.Encoding.Format = EncodingLinear16
			case wavFormatALaw:
				info.Encoding.Format = EncodingALaw
			case wavFormatMuLaw:
				info.Encoding.Format = EncodingMulaw
			}
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.Encoding.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			byteRate = binary.LittleEndian.Uint32(body[8:12])
			haveFormat = true
			if size%2 == 1 {
				_, _ = io.CopyN(io.Discard, r, 1)
			}

		case "data":
			if !haveFormat {
				return WAVInfo{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			info.DataSize = int(size)
			if byteRate > 0 {
				info.Duration = time.Duration(int64(size) * int64(time.Second) / int64(byteRate))
			}
			return info, nil

		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return WAVInfo{}, fmt.Errorf("%w: truncated chunk", ErrNotWAV)
			}
		}
	}
}

// WriteWAVFile writes the samples under dir and returns the absolute path.
func WriteWAVFile(dir, name string, encoding EncodingInfo, samples []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create audio cache dir: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := EncodeWAV(&buf, encoding, samples); err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write audio file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to move audio file into place: %w", err)
	}
	return path, nil
}

// WAVFileDuration opens a cached file and reads its playing time.
func WAVFileDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := ParseWAV(f)
	if err != nil {
		return 0, err
	}
	return info.Duration, nil
}
