package audiofile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// --------------------------------------------------------------------------------
// TrackRecorder

// TrackRecorder writes a remote PCMU track to a .WAV file, expanding each
// μ-law payload byte to 16-bit linear PCM.
// Note the resulting file is only valid once Close has run, since the WAV
// header is finalized there.
type TrackRecorder struct {
	logger *slog.Logger
	uuid   uuid.UUID

	shutdownOnce sync.Once

	mutex          sync.Mutex
	encoder        *wav.Encoder
	fileHandle     *os.File
	bufferFormat   *goaudio.Format
	samplesWritten int
	closed         bool
}

// Create a new TrackRecorder writing to a .WAV file at the specified path.
func NewTrackRecorder(audioFilePath string, logger *slog.Logger) (*TrackRecorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	recorderUUID := uuid.New()
	logger = logger.With("file recorder uuid", recorderUUID)

	f, err := os.Create(audioFilePath)
	if err != nil {
		logger.Error(
			"could not open audio file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}

	encoder := wav.NewEncoder(f, trackSampleRate, 16, 1, 1)

	logger.Debug(
		"recording to audio file",
		"audioFile", audioFilePath,
		"sampleRate", encoder.SampleRate,
		"channels", encoder.NumChans,
	)

	return &TrackRecorder{
		logger:     logger,
		uuid:       recorderUUID,
		encoder:    encoder,
		fileHandle: f,
		bufferFormat: &goaudio.Format{
			SampleRate:  trackSampleRate,
			NumChannels: 1,
		},
	}, nil
}

// Record reads RTP packets from the remote track and writes their payloads
// to the file until the track ends or the context is canceled. It blocks,
// so it is usually run on its own goroutine from a remote track handler.
func (recorder *TrackRecorder) Record(ctx context.Context, track *webrtc.TrackRemote) error {
	recorder.logger.Debug(
		"recording remote track",
		"track id", track.ID(),
	)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			track.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("error while reading from remote track: %w", err)
		}
		if len(packet.Payload) == 0 {
			continue
		}
		if err := recorder.writeMulawPayload(packet.Payload); err != nil {
			return err
		}
	}
}

// writeMulawPayload expands one μ-law payload and appends it to the file.
func (recorder *TrackRecorder) writeMulawPayload(payload []byte) error {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	if recorder.closed {
		return errors.New("recorder is closed")
	}

	buf := &goaudio.IntBuffer{
		Format:         recorder.bufferFormat,
		Data:           make([]int, len(payload)),
		SourceBitDepth: 16,
	}
	for i, mulawByte := range payload {
		buf.Data[i] = int(MulawToLinear(mulawByte))
	}

	if err := recorder.encoder.Write(buf); err != nil {
		recorder.logger.Error("error while writing frame to file", "err", err)
		return err
	}
	recorder.samplesWritten += len(payload)
	return nil
}

// SampleCount reports how many PCM samples have been written so far.
func (recorder *TrackRecorder) SampleCount() int {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.samplesWritten
}

// Close finalizes the WAV header and closes the file.
func (recorder *TrackRecorder) Close() error {
	var err error
	recorder.shutdownOnce.Do(func() {
		recorder.mutex.Lock()
		defer recorder.mutex.Unlock()
		recorder.closed = true

		err = recorder.encoder.Close()
		recorder.fileHandle.Sync()
		if closeErr := recorder.fileHandle.Close(); err == nil {
			err = closeErr
		}

		recorder.logger.Debug(
			"audio recording saved",
			"samples", recorder.samplesWritten,
			"duration", time.Duration(recorder.samplesWritten)*time.Second/trackSampleRate,
		)
	})
	return err
}
