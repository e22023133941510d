package mammut

import (
	"fmt"
	"log/syslog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// LogLevel is one of TRACE, INFO, WARN, ERROR.
type LogLevel int32

// Log levels in increasing verbosity.
const (
	LogError LogLevel = iota
	LogWarn
	LogInfo
	LogTrace
)

var logLevelNames = []string{
	LogError: "ERROR",
	LogWarn:  "WARN",
	LogInfo:  "INFO",
	LogTrace: "TRACE",
}

// String turns a LogLevel into its config spelling.
func (l LogLevel) String() string {
	if l < 0 || int(l) >= len(logLevelNames) {
		return fmt.Sprintf("LogLevel(%d)", int32(l))
	}
	return logLevelNames[l]
}

// ParseLogLevel reads a level as spelled in the config file.
func ParseLogLevel(s string) (LogLevel, error) {
	for i, name := range logLevelNames {
		if strings.EqualFold(s, name) {
			return LogLevel(i), nil
		}
	}
	return LogTrace, fmt.Errorf("unknown log level %q", s)
}

var (
	logLevel int32 = int32(LogInfo)
	logger         = func() *logrus.Logger {
		l := logrus.New()
		l.Out = os.Stderr
		l.Level = logrus.TraceLevel // filtering is ours, see Tracef etc.
		l.Formatter = &logrus.TextFormatter{
			DisableTimestamp: true,
			DisableColors:    false,
		}
		return l
	}()
)

// syslogHook forwards only WARN and above to syslog.
type syslogHook struct {
	*lsyslog.SyslogHook
}

// Levels restricts the wrapped hook to warnings and errors.
func (h syslogHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
	}
}

// InitLogging attaches the syslog hook and sets the initial level.
// Called once from main wiring; tests run without it.
func InitLogging(level LogLevel) {
	SetLogLevel(level)
	hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON, "mammutfs")
	if err != nil {
		logger.Warnf("syslog unavailable: %v", err)
		return
	}
	logger.AddHook(syslogHook{hook})
}

// SetLogLevel changes the runtime filter, wired to the loglevel live
// config key.
func SetLogLevel(level LogLevel) {
	atomic.StoreInt32(&logLevel, int32(level))
}

// GetLogLevel returns the current runtime filter.
func GetLogLevel() LogLevel {
	return LogLevel(atomic.LoadInt32(&logLevel))
}

func logf(level LogLevel, o interface{}, format string, a ...interface{}) {
	if level > GetLogLevel() {
		return
	}
	msg := fmt.Sprintf(format, a...)
	if o != nil {
		msg = fmt.Sprintf("[%v] %s", o, msg)
	}
	switch level {
	case LogTrace:
		logger.Trace(msg)
	case LogInfo:
		logger.Info(msg)
	case LogWarn:
		logger.Warn(msg)
	case LogError:
		logger.Error(msg)
	}
}

// Tracef writes trace output. o names the originating module (or nil).
func Tracef(o interface{}, format string, a ...interface{}) {
	logf(LogTrace, o, format, a...)
}

// Infof writes info output.
func Infof(o interface{}, format string, a ...interface{}) {
	logf(LogInfo, o, format, a...)
}

// Warnf writes warning output, mirrored to syslog.
func Warnf(o interface{}, format string, a ...interface{}) {
	logf(LogWarn, o, format, a...)
}

// Errorf writes error output, mirrored to syslog.
func Errorf(o interface{}, format string, a ...interface{}) {
	logf(LogError, o, format, a...)
}
