package main

import (
	"context"
	"flag"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/arpeggio-labs/spatialvoice/cmd/config"
	"github.com/arpeggio-labs/spatialvoice/pkg/audiodata"
	"github.com/arpeggio-labs/spatialvoice/pkg/audiofile"
	"github.com/arpeggio-labs/spatialvoice/pkg/communicator"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

func initializeCommunicator() *communicator.Communicator {
	// avoid polluting the main namespace with the config struct

	streamingScope, err := communicator.ParseStreamingScope(viper.GetString("streamingscope"))
	if err != nil {
		slog.Error("error while parsing streaming scope", "err", err)
		panic(err)
	}

	communicatorConfig := communicator.Config{
		AutoRetryConnection:    viper.GetBool("autoretry"),
		RetryConnectionTimeout: viper.GetDuration("retrytimeout"),
		AutoReconnect:          viper.GetBool("autoreconnect"),
		ReconnectionTimeout:    viper.GetDuration("reconnecttimeout"),
		UserDataUpdatePeriod:   viper.GetDuration("updateperiod"),
		StreamingScope:         streamingScope,
		InputAudioStereo:       viper.GetBool("stereoinput"),
		ICEServers:             viper.GetStringSlice("ICEServers"),
		IncludeLoopback:        viper.GetBool("loopback"),
	}

	return communicator.NewCommunicator(communicatorConfig, slog.Default())
}

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	flag.Parse()

	config.LoadConfig(*configFilePath)
	logFilePointer := config.ConfigureLogger()
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if runDuration := viper.GetDuration("runduration"); runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	comm := initializeCommunicator()
	defer comm.Close()

	comm.SetConnectionStateHandler(func(state communicator.ConnectionState) {
		slog.Info("connection state changed", "state", state.String())
	})
	comm.SetPeersUpdatedHandler(func(peers []audiodata.IncomingAudioAPIData) {
		for _, peer := range peers {
			slog.Info("peer updated",
				"visit id hash", peer.VisitIDHash,
				"user id", peer.ProvidedUserID,
				"position", peer.Position,
				"volume decibels", peer.VolumeDecibels,
			)
		}
	})
	comm.SetPeersDisconnectedHandler(func(visitIDHashes []string) {
		slog.Info("peers disconnected", "visit id hashes", visitIDHashes)
	})

	// --------------------------------------------------------------------------------

	var fileSource *audiofile.FileSource
	if audioFilePath := viper.GetString("audiofile"); audioFilePath != "" {
		var err error
		fileSource, err = audiofile.NewFileSource(audioFilePath, viper.GetBool("loopaudio"), slog.Default())
		if err != nil {
			slog.Error("could not open audio file", "audioFile", audioFilePath, "err", err)
			panic(err)
		}
		defer fileSource.Close()

		comm.SetInputAudioTrack(fileSource.Track())
		fileSource.Play(ctx)
	}

	comm.SetMuteInstructionHandler(func(muted bool) {
		slog.Info("mute instruction received", "muted", muted)
		if fileSource != nil {
			fileSource.SetMuted(muted)
		}
	})

	if recordFilePath := viper.GetString("recordfile"); recordFilePath != "" {
		recorder, err := audiofile.NewTrackRecorder(recordFilePath, slog.Default())
		if err != nil {
			slog.Error("could not create recording file", "recordFile", recordFilePath, "err", err)
			panic(err)
		}
		defer recorder.Close()

		// The mixed track only arrives once, but guard against renegotiation
		// handing us the same track again.
		var recordOnce sync.Once
		comm.SetRemoteTrackHandler(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			recordOnce.Do(func() {
				go func() {
					if err := recorder.Record(ctx, track); err != nil {
						slog.Error("error while recording mixed audio", "err", err)
					}
				}()
			})
		})
	}

	// --------------------------------------------------------------------------------

	if err := comm.Connect(viper.GetString("server"), viper.GetString("token")); err != nil {
		slog.Error("error while connecting to mixing service",
			"server", viper.GetString("server"),
			"err", err,
		)
		panic(err)
	}

	go moveInCircle(ctx, comm)

	<-ctx.Done()
	slog.Info("shutting down")
	comm.Disconnect()

	disconnectDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(disconnectDeadline) && comm.State() != communicator.Disconnected {
		time.Sleep(50 * time.Millisecond)
	}
}

// moveInCircle walks the local user around a circle in the horizontal plane,
// streaming position and a matching yaw orientation until the context ends.
// This gives a connected mixing service something to spatialize.
func moveInCircle(ctx context.Context, comm *communicator.Communicator) {
	radius := viper.GetFloat64("movementradius")
	period := viper.GetDuration("movementperiod")
	updatePeriod := viper.GetDuration("updateperiod")
	if radius <= 0 || period <= 0 || updatePeriod <= 0 {
		return
	}

	start := time.Now()
	ticker := time.NewTicker(updatePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			angle := 2 * math.Pi * float64(now.Sub(start)) / float64(period)
			comm.SetPosition(audiodata.Vector3{
				X: radius * math.Cos(angle),
				Z: radius * math.Sin(angle),
			})
			comm.SetOrientation(audiodata.Quaternion{
				W: math.Cos(angle / 2),
				Y: math.Sin(angle / 2),
			})
		}
	}
}
