package transport

import (
	"pitchtoy/internal/log"
)

// LoggingTransport writes each detected pitch at debug level. It is the
// fallback when no network transport is enabled.
type LoggingTransport struct {
	log log.Logger
}

func NewLoggingTransport() *LoggingTransport {
	l := log.Component("transport")
	l.Infof("using logging transport")
	return &LoggingTransport{log: l}
}

func (lt *LoggingTransport) Send(f Frame) error {
	for _, e := range f.Result.Errors {
		lt.log.Warnf("%s", e)
	}
	a := f.Result.Analysis
	if a == nil || a.Pitch == nil {
		return nil
	}
	lt.log.Debugf("%s %+.1f cents at %.2f Hz, clarity %.2f, rms %.1f dB",
		a.Pitch.Note, a.Pitch.Note.Cents, a.Pitch.Frequency, a.Pitch.Clarity, a.Volume.RMSDB)
	return nil
}

func (lt *LoggingTransport) Close() error { return nil }

var _ Transport = (*LoggingTransport)(nil)
