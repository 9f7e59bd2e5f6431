package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single 20ms Opus packet that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// AudioSource produces Opus samples for the local track.
type AudioSource interface {
	Open() (SampleReader, error)
}

type SampleReader interface {
	// ReadSample returns io.EOF when the source is exhausted.
	ReadSample() (pionmedia.Sample, error)
	Close() error
}

// NewAudioSource picks a source from configuration: an empty path yields
// silence, anything else is read as an Ogg/Opus file played in a loop.
func NewAudioSource(path string) AudioSource {
	if path == "" {
		return SilenceSource{}
	}
	return &OggSource{Path: path, Loop: true}
}

type SilenceSource struct{}

func (SilenceSource) Open() (SampleReader, error) { return silenceReader{}, nil }

type silenceReader struct{}

func (silenceReader) ReadSample() (pionmedia.Sample, error) {
	return pionmedia.Sample{Data: opusSilence, Duration: opusFrameDuration}, nil
}

func (silenceReader) Close() error { return nil }

// OggSource reads Opus pages from an Ogg container.
type OggSource struct {
	Path string
	Loop bool
}

func (s *OggSource) Open() (SampleReader, error) {
	r := &oggSampleReader{path: s.Path, loop: s.Loop}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

type oggSampleReader struct {
	path        string
	loop        bool
	file        *os.File
	ogg         *oggreader.OggReader
	lastGranule uint64
}

func (r *oggSampleReader) open() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open audio source: %w", err)
	}
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("read ogg header of %s: %w", r.path, err)
	}
	r.file = f
	r.ogg = ogg
	r.lastGranule = 0
	return nil
}

func (r *oggSampleReader) ReadSample() (pionmedia.Sample, error) {
	page, header, err := r.ogg.ParseNextPage()
	if errors.Is(err, io.EOF) && r.loop {
		_ = r.file.Close()
		if err := r.open(); err != nil {
			return pionmedia.Sample{}, err
		}
		page, header, err = r.ogg.ParseNextPage()
	}
	if err != nil {
		return pionmedia.Sample{}, err
	}

	// Granule positions count 48kHz samples.
	d := opusFrameDuration
	if header.GranulePosition > r.lastGranule {
		count := header.GranulePosition - r.lastGranule
		d = time.Duration(float64(count)/48000*1000) * time.Millisecond
	}
	r.lastGranule = header.GranulePosition
	return pionmedia.Sample{Data: page, Duration: d}, nil
}

func (r *oggSampleReader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
