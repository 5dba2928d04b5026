// Package audiofile plays WAV files into outgoing PCMU tracks and records
// remote PCMU tracks back to WAV files. It exists so a client can join a
// room with prerecorded microphone input and capture what the mixer sends
// back, which is how the example binaries and integration tests exercise
// the audio path without real capture hardware.
package audiofile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/oov/audio/resampler"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	// The mixer speaks G.711 μ-law over PCMU tracks: 8 kHz mono,
	// one byte per sample, paced as 20ms frames of 160 bytes.
	trackSampleRate = 8000
	frameDuration   = 20 * time.Millisecond
	samplesPerFrame = 160

	resampleQuality    = 10
	resampleBufferSize = 16384
)

var mulawSilenceFrame = func() []byte {
	frame := make([]byte, samplesPerFrame)
	for i := range frame {
		frame[i] = MulawSilence
	}
	return frame
}()

// sampleWriter is the slice of TrackLocalStaticSample the source writes to.
type sampleWriter interface {
	WriteSample(sample media.Sample) error
}

// --------------------------------------------------------------------------------
// FileSource

// FileSource plays a .WAV file as the local microphone track.
//
// The whole file is transcoded to μ-law frames up front (downmixed to mono
// and resampled to 8 kHz if needed), so Play only has to pace precomputed
// frames onto the track every 20ms. Muting substitutes silence frames
// without stopping the pacing, so the track keeps its clock.
type FileSource struct {
	logger *slog.Logger
	uuid   uuid.UUID

	shutdownOnce sync.Once
	done         chan struct{}

	track  *webrtc.TrackLocalStaticSample
	writer sampleWriter

	frames [][]byte
	loop   bool

	mutex sync.Mutex
	muted bool
}

// Make a new FileSource from a .WAV file (on the audioFilePath).
//
// Any sample rate and 8/16/24/32 bit depths are accepted; stereo files are
// downmixed by averaging the channels. With loop set the file repeats from
// the start once it runs out, otherwise playback stops at the end of the
// file while the track stays open.
func NewFileSource(audioFilePath string, loop bool, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sourceUUID := uuid.New()
	logger = logger.With("file source uuid", sourceUUID)

	f, err := os.Open(audioFilePath)
	if err != nil {
		logger.Error(
			"could not open audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		logger.Error(
			"could not decode audio file",
			"audioFile", audioFilePath,
			"err", decoder.Err(),
		)
		return nil, errors.New("error while decoding audio file")
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		logger.Error(
			"could not get full PCM buffer from audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth == 0 {
		bitDepth = buf.SourceBitDepth
	}
	if bitDepth == 0 {
		bitDepth = 16
	}
	maxAmplitude := float32(int64(1)<<(bitDepth-1) - 1)

	channelCount := buf.Format.NumChannels
	sampleRate := buf.Format.SampleRate

	var mono []float32
	switch channelCount {
	case 1:
		mono = make([]float32, len(buf.Data))
		for i, sample := range buf.Data {
			mono[i] = float32(sample) / maxAmplitude
		}
	case 2:
		mono = make([]float32, len(buf.Data)/2)
		for i := range mono {
			left := float32(buf.Data[2*i]) / maxAmplitude
			right := float32(buf.Data[2*i+1]) / maxAmplitude
			mono[i] = (left + right) / 2
		}
	default:
		logger.Error(
			"unsupported channel count in audio file",
			"audioFile", audioFilePath,
			"channels", channelCount,
		)
		return nil, fmt.Errorf("unsupported channel count %d", channelCount)
	}

	if sampleRate != trackSampleRate {
		mono = resampleToTrackRate(mono, sampleRate)
	}
	frames := packMulawFrames(mono)
	if len(frames) == 0 {
		logger.Error(
			"audio file contains no samples",
			"audioFile", audioFilePath,
		)
		return nil, errors.New("audio file contains no samples")
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU},
		"audio",
		"microphone",
	)
	if err != nil {
		logger.Error(
			"could not create local audio track",
			"err", err,
		)
		return nil, err
	}

	logger.Debug(
		"loaded audio file",
		"audioFile", audioFilePath,
		"sampleRate", sampleRate,
		"channels", channelCount,
		"frames", len(frames),
	)

	return &FileSource{
		logger: logger,
		uuid:   sourceUUID,
		done:   make(chan struct{}),
		track:  track,
		writer: track,
		frames: frames,
		loop:   loop,
	}, nil
}

// Track returns the local track fed by this source, for handing to a
// communicator or peer connection before Play is called.
func (source *FileSource) Track() *webrtc.TrackLocalStaticSample {
	return source.track
}

// Duration of the loaded audio in track time, one pass through the file.
func (source *FileSource) Duration() time.Duration {
	return time.Duration(len(source.frames)) * frameDuration
}

// Play the audio file loaded by this source onto its track.
// If the context is canceled or the source is closed, playback stops.
func (source *FileSource) Play(ctx context.Context) {
	source.logger.Debug("playing audio")
	go func() {
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for index := 0; ; index++ {
			if index >= len(source.frames) {
				if !source.loop {
					source.logger.Debug("finished playing")
					return
				}
				index = 0
			}

			select {
			case <-ctx.Done():
				return
			case <-source.done:
				return
			default:
			}

			select {
			case <-ticker.C:
				frame := source.frames[index]
				if source.Muted() {
					frame = mulawSilenceFrame
				}
				err := source.writer.WriteSample(media.Sample{
					Data:     frame,
					Duration: frameDuration,
				})
				if err != nil {
					source.logger.Error(
						"error while writing audio sample to track",
						"err", err,
					)
					return
				}
			case <-ctx.Done():
				return
			case <-source.done:
				return
			}
		}
	}()
}

// SetMuted replaces outgoing frames with silence while leaving the frame
// pacing running.
func (source *FileSource) SetMuted(muted bool) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	source.muted = muted
}

func (source *FileSource) Muted() bool {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	return source.muted
}

func (source *FileSource) Close() {
	source.logger.Debug("shutdown called")
	source.shutdownOnce.Do(func() {
		close(source.done)
	})
}

// --------------------------------------------------------------------------------
// transcoding helpers

func resampleToTrackRate(samples []float32, sourceRate int) []float32 {
	r := resampler.New(1, sourceRate, trackSampleRate, resampleQuality)

	estimated := len(samples)*trackSampleRate/sourceRate + samplesPerFrame
	output := make([]float32, 0, estimated)
	buffer := make([]float32, resampleBufferSize)

	remaining := samples
	for len(remaining) > 0 {
		read, written := r.ProcessFloat32(0, remaining, buffer)
		output = append(output, buffer[:written]...)
		remaining = remaining[read:]
		if read == 0 && written == 0 {
			break
		}
	}
	return output
}

// packMulawFrames μ-law encodes normalized samples into fixed 160-byte
// frames, padding the tail of the last frame with silence.
func packMulawFrames(samples []float32) [][]byte {
	const maxInt16 = float32(math.MaxInt16)

	frames := make([][]byte, 0, len(samples)/samplesPerFrame+1)
	for frameStart := 0; frameStart < len(samples); frameStart += samplesPerFrame {
		frameEnd := min(frameStart+samplesPerFrame, len(samples))

		frame := make([]byte, samplesPerFrame)
		for i := 0; i < frameEnd-frameStart; i++ {
			sample := samples[frameStart+i]
			if sample > 1 {
				sample = 1
			} else if sample < -1 {
				sample = -1
			}
			frame[i] = LinearToMulaw(int16(sample * maxInt16))
		}
		for i := frameEnd - frameStart; i < samplesPerFrame; i++ {
			frame[i] = MulawSilence
		}
		frames = append(frames, frame)
	}
	return frames
}
