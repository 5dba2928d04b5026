package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/arpeggio-labs/spatialvoice/internal/utils"
	"github.com/spf13/viper"
)

func setViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("server", "ws://127.0.0.1:8188")
	viper.SetDefault("token", "")
	viper.SetDefault("audiofile", "")
	viper.SetDefault("loopaudio", true)
	viper.SetDefault("recordfile", "")
	viper.SetDefault("streamingscope", "all")
	viper.SetDefault("stereoinput", false)
	viper.SetDefault("loopback", true)
	viper.SetDefault("autoretry", true)
	viper.SetDefault("retrytimeout", 15*time.Second)
	viper.SetDefault("autoreconnect", true)
	viper.SetDefault("reconnecttimeout", 60*time.Second)
	viper.SetDefault("updateperiod", 50*time.Millisecond)
	viper.SetDefault("movementradius", 2.0)
	viper.SetDefault("movementperiod", 12*time.Second)
	viper.SetDefault("runduration", time.Duration(0))
	viper.SetDefault("ICEServers", []string{})
}

func LoadConfig(configFilePath string) {
	setViperDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		var notFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &notFoundError) || errors.Is(err, fs.ErrNotExist) {
			slog.Info("no config file found", "configFilePath", configFilePath)
		} else {
			slog.Error("error during config read", "err", err)
			panic(err)
		}
	}
}

// ConfigureLogger applies the loglevel and logfile settings to the process
// default logger. The returned file pointer is non-nil when logging to a
// file, so the caller can close it on shutdown.
func ConfigureLogger() *os.File {
	logFilePointer, err := utils.ConfigureDefaultLogger(
		viper.GetString("loglevel"),
		viper.GetString("logfile"),
		slog.HandlerOptions{},
	)
	if err != nil {
		slog.Error("error while configuring default logger", "err", err)
		panic(err)
	}
	return logFilePointer
}
