package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"namingd/internal/config"
)

// 日志文件保留天数。
const maxAgeDays = 7

// New 按配置构造 zap.Logger。Dir 非空时额外写入按天切分的日志文件。
func New(cfg config.LogConfig) (*zap.Logger, error) {
	return newWithStdout(cfg, os.Stdout)
}

func newWithStdout(cfg config.LogConfig, stdout io.Writer) (*zap.Logger, error) {
	level := ParseLevel(cfg.Level)
	encoder := newEncoder(cfg.Format)

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(stdout), level)}
	if cfg.Dir != "" {
		writer, err := newRotateWriter(cfg.Dir)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(writer), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func newRotateWriter(dir string) (io.Writer, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w, err := rotatelogs.New(
		filepath.Join(dir, "namingd-%Y-%m-%d.log"),
		rotatelogs.WithLinkName(filepath.Join(dir, "latest.log")),
		rotatelogs.WithMaxAge(maxAgeDays*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("create rotatelogs: %w", err)
	}
	return w, nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   shortCallerEncoder,
	}
	if strings.EqualFold(format, "json") {
		return zapcore.NewJSONEncoder(ec)
	}
	return zapcore.NewConsoleEncoder(ec)
}

// shortCallerEncoder 只保留上一级目录 + 文件名 + 行号
func shortCallerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	parts := strings.Split(caller.File, "/")
	if n := len(parts); n >= 2 {
		enc.AppendString(fmt.Sprintf("%s/%s:%d", parts[n-2], parts[n-1], caller.Line))
		return
	}
	enc.AppendString(fmt.Sprintf("%s:%d", caller.File, caller.Line))
}

func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewRaftLogger 返回 raft 使用的 hclog.Logger，级别与应用日志一致。
func NewRaftLogger(cfg config.LogConfig, out io.Writer) hclog.Logger {
	if out == nil {
		out = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "raft",
		Level:      hclog.LevelFromString(ParseLevel(cfg.Level).String()),
		Output:     out,
		JSONFormat: strings.EqualFold(cfg.Format, "json"),
	})
}
