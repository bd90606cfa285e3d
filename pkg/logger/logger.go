package logger

import (
	"go.uber.org/zap"
)

// New builds the process logger. Production uses the JSON encoder; every other
// environment gets the human-readable development console.
func New(env string) (*zap.Logger, error) {
	var zapConfig zap.Config
	if env == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	// Include the calling function in every entry
	zapConfig.EncoderConfig.FunctionKey = "func"

	return zapConfig.Build(zap.AddCaller())
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
