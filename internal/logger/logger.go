package logger

import "go.uber.org/zap"

// Log stays a no-op until Init runs, so packages can log from tests.
var Log = zap.NewNop()

func Init(development bool) {
	if development {
		Log = zap.Must(zap.NewDevelopment())
		return
	}
	Log = zap.Must(zap.NewProduction())
}
