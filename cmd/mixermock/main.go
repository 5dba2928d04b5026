// Runs the in-process mixing service double as a standalone binary, so a
// client can be pointed at a real listening address during local development.
// The mock negotiates WebRTC sessions and answers commands like the real
// service, but performs no spatial mixing.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/arpeggio-labs/spatialvoice/cmd/mixermock/config"
	"github.com/arpeggio-labs/spatialvoice/internal/mixertest"
	"github.com/spf13/viper"
)

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	flag.Parse()

	config.LoadConfig(*configFilePath)
	logFilePointer := config.ConfigureLogger()
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	mixerConfig := mixertest.Config{
		Capacity:     viper.GetInt("capacity"),
		VisitIDHash:  viper.GetString("visitidhash"),
		RequireToken: viper.GetString("requiretoken"),
	}

	listenAddress := viper.GetString("listenaddress")
	mixer, err := mixertest.NewMixerOn(listenAddress, mixerConfig, slog.Default())
	if err != nil {
		slog.Error("error while starting mock mixing service",
			"listenAddress", listenAddress,
			"err", err,
		)
		panic(err)
	}
	defer mixer.Close()

	slog.Info("mock mixing service listening",
		"url", mixer.URL(),
		"capacity", mixerConfig.Capacity,
	)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt
	slog.Info("shutting down")
}
