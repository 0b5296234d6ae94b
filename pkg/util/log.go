package util

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. Commands configure it once at startup;
// everything else goes through the helpers below.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLogLevel sets the logging level from its string name.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetJSONFormat switches to JSON log output, for log shippers.
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithField returns a logger with one extra field.
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithDevice returns a logger carrying the stable device id.
func WithDevice(device string) *logrus.Entry {
	return Logger.WithField("device", device)
}

// WithFlow returns a logger carrying the flow id.
func WithFlow(flowID string) *logrus.Entry {
	return Logger.WithField("flow", flowID)
}

// WithSensor returns a logger carrying the sensor id.
func WithSensor(sensorID string) *logrus.Entry {
	return Logger.WithField("sensor", sensorID)
}

func Debug(args ...interface{}) { Logger.Debug(args...) }

func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }

func Info(args ...interface{}) { Logger.Info(args...) }

func Infof(format string, args ...interface{}) { Logger.Infof(format, args...) }

func Warn(args ...interface{}) { Logger.Warn(args...) }

func Warnf(format string, args ...interface{}) { Logger.Warnf(format, args...) }

func Errorf(format string, args ...interface{}) { Logger.Errorf(format, args...) }
