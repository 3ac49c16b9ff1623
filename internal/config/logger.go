package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02 15:04:05"

// InitLogger configures the standard logrus logger from cfg.Log and returns
// it. Every entry carries service and instance fields so lines from several
// workers can be told apart once aggregated.
func InitLogger(cfg *Config, service string) (*logrus.Logger, error) {
	logger := logrus.StandardLogger()
	if err := configureLogger(logger, cfg.Log); err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	logger.AddHook(&fieldsHook{fields: logrus.Fields{
		"service":  service,
		"instance": fmt.Sprintf("%s-%d", host, os.Getpid()),
	}})

	logger.WithFields(logrus.Fields{
		"level":  logger.GetLevel().String(),
		"format": cfg.Log.Format,
		"output": cfg.Log.Output,
	}).Info("logger initialized")
	return logger, nil
}

func configureLogger(logger *logrus.Logger, cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.Warnf("invalid log level %q, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	}

	out, err := logOutput(cfg)
	if err != nil {
		return err
	}
	logger.SetOutput(out)
	// 调用者信息只在 debug 下打开
	logger.SetReportCaller(level >= logrus.DebugLevel)
	return nil
}

// logOutput resolves stdout, a rotated file, or both.
func logOutput(cfg LogConfig) (io.Writer, error) {
	output := strings.ToLower(cfg.Output)
	if output != "file" && output != "both" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
	if output == "both" {
		return io.MultiWriter(os.Stdout, rotated), nil
	}
	return rotated, nil
}

// fieldsHook stamps fixed fields on entries that do not set them already.
type fieldsHook struct {
	fields logrus.Fields
}

func (h *fieldsHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *fieldsHook) Fire(e *logrus.Entry) error {
	for k, v := range h.fields {
		if _, ok := e.Data[k]; !ok {
			e.Data[k] = v
		}
	}
	return nil
}
