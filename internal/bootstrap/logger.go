package bootstrap

import (
	"st_trading/pkg/logging"
)

// InitLogger builds the zap logger at the configured level and installs
// it as the package-global fallback for code that has no logger handed
// to it.
func InitLogger(cfg *Config) (*logging.ZapLogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
