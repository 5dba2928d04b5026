package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/arpeggio-labs/spatialvoice/internal/utils"
	"github.com/spf13/viper"
)

func LoadConfig(configFilePath string) {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("listenaddress", "127.0.0.1:8188")
	viper.SetDefault("capacity", 16)
	viper.SetDefault("visitidhash", "")
	viper.SetDefault("requiretoken", "")

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
