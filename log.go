package libxr

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var logger atomic.Pointer[logrus.Logger]

func init() {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	logger.Store(l)
}

// SetLogger replaces the logger used for abnormal-path diagnostics. The hot
// path never logs.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		panic("libxr: nil logger")
	}
	logger.Store(l)
}

func Logger() *logrus.Logger { return logger.Load() }

func logPort(name string) *logrus.Entry {
	return Logger().WithField("port", name)
}
