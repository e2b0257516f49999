package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned when a stream is not a 16-bit PCM WAV file.
var ErrInvalidWAV = errors.New("audio: invalid wav")

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// WAVInfo describes a decoded WAV stream.
type WAVInfo struct {
	SampleRate int
	Channels   int
}

// EncodeWAV writes interleaved 16-bit PCM as a WAV stream to w. The header
// sizes are patched once all samples are written, so w must be seekable.
func EncodeWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	samples := Int16s(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	enc := wav.NewEncoder(w, sampleRate, BytesPerSample*8, channels, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: channels},
		SourceBitDepth: BytesPerSample * 8,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finish wav: %w", err)
	}
	return nil
}

// DecodeWAV reads a WAV stream and returns its format and PCM. Only 16-bit
// integer PCM is accepted; multi-channel data is downmixed to mono.
func DecodeWAV(r io.ReadSeeker) (WAVInfo, []byte, error) {
	var info WAVInfo
	d := wav.NewDecoder(r)
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return info, nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	info.SampleRate, info.Channels = int(d.SampleRate), int(d.NumChans)
	switch {
	case info.Channels < 1 || info.SampleRate <= 0:
		return info, nil, fmt.Errorf("%w: no fmt chunk", ErrInvalidWAV)
	case d.WavAudioFormat != wavFormatPCM && d.WavAudioFormat != wavFormatExtensible:
		return info, nil, fmt.Errorf("%w: unsupported format tag %d", ErrInvalidWAV, d.WavAudioFormat)
	case d.BitDepth != BytesPerSample*8:
		return info, nil, fmt.Errorf("%w: %d bits per sample, want 16", ErrInvalidWAV, d.BitDepth)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return info, nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if buf == nil {
		return info, nil, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
	}
	samples := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = int16(s)
	}

	pcm := Downmix(Bytes(samples), info.Channels)
	info.Channels = 1
	return info, pcm, nil
}

// WriteWAVFile writes chunk as a mono WAV file at path.
func WriteWAVFile(path string, chunk Chunk) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: write wav %s: %w", path, err)
	}
	if err := EncodeWAV(f, chunk.PCM, chunk.SampleRate, 1); err != nil {
		_ = f.Close()
		return fmt.Errorf("audio: write wav %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("audio: write wav %s: %w", path, err)
	}
	return nil
}

// ReadWAVFile reads a WAV file into a mono chunk. The chunk's Path is set to
// path; Seq is left zero.
func ReadWAVFile(path string) (Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return Chunk{}, fmt.Errorf("audio: read wav %s: %w", path, err)
	}
	defer f.Close()
	info, pcm, err := DecodeWAV(f)
	if err != nil {
		return Chunk{}, fmt.Errorf("audio: decode wav %s: %w", path, err)
	}
	return Chunk{PCM: pcm, SampleRate: info.SampleRate, Path: path}, nil
}
