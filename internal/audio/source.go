package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// BlockSize returns the number of samples in one outbound audio block:
// sixty times the current chunk, where a chunk unit is one millisecond of audio
func BlockSize(chunkSize [3]int, sampleRate int) int {
	return 60 * chunkSize[1] * sampleRate / 1000
}

// BlockDuration is the playback length of a block of n bytes of 16-bit mono PCM
func BlockDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(sampleRate)
}

// BlockReader splits a 16-bit mono PCM stream into fixed-size blocks
type BlockReader struct {
	r     io.Reader
	block []byte
}

// NewBlockReader creates a reader yielding blocks of the given sample count
func NewBlockReader(r io.Reader, samples int) *BlockReader {
	if samples <= 0 {
		samples = 1
	}
	return &BlockReader{r: r, block: make([]byte, samples*2)}
}

// Next returns the next block. The final block may be short.
// It returns io.EOF once the stream is exhausted.
func (b *BlockReader) Next() ([]byte, error) {
	n, err := io.ReadFull(b.r, b.block)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Drop a trailing odd byte so the block stays sample aligned
		n -= n % 2
		if n == 0 {
			return nil, io.EOF
		}
	case err != nil:
		return nil, err
	}

	out := make([]byte, n)
	copy(out, b.block[:n])
	return out, nil
}

// LoadWAV decodes a WAV file into 16-bit mono PCM at targetRate
func LoadWAV(rs io.ReadSeeker, targetRate int) ([]byte, error) {
	dec := wav.NewDecoder(rs)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("wav file has no audio")
	}

	normalizeBitDepth(buf, int(dec.BitDepth))
	mono := Downmix(buf.Data, buf.Format.NumChannels)
	if targetRate > 0 {
		mono = Resample(mono, buf.Format.SampleRate, targetRate)
	}
	return EncodePCM16(mono), nil
}

// normalizeBitDepth rescales integer samples to the 16-bit range
func normalizeBitDepth(buf *audio.IntBuffer, bitDepth int) {
	switch bitDepth {
	case 8:
		// 8-bit WAV is unsigned
		for i, v := range buf.Data {
			buf.Data[i] = (v - 128) << 8
		}
	case 24:
		for i, v := range buf.Data {
			buf.Data[i] = v >> 8
		}
	case 32:
		for i, v := range buf.Data {
			buf.Data[i] = v >> 16
		}
	}
}

// WriteWAV encodes 16-bit mono PCM as a WAV file
func WriteWAV(ws io.WriteSeeker, pcm []byte, sampleRate int) error {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return err
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(ws, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Pacer releases audio blocks no faster than real time
type Pacer struct {
	sampleRate int
	next       time.Time
}

// NewPacer creates a pacer for 16-bit mono PCM at sampleRate
func NewPacer(sampleRate int) *Pacer {
	return &Pacer{sampleRate: sampleRate}
}

// Wait blocks until the previous block has finished playing, then
// accounts for a block of n bytes. It returns early if ctx is done.
func (p *Pacer) Wait(ctx context.Context, n int) error {
	now := time.Now()
	if p.next.IsZero() || p.next.Before(now) {
		p.next = now
	}

	if d := p.next.Sub(now); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	p.next = p.next.Add(BlockDuration(n, p.sampleRate))
	return nil
}
