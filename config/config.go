// This package defines a common config struct which can be used by any subsystem within roost.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                bool
	RootDir              string
	MasterKey            string
	FlushDelayMs         int64
	ReconnectDelayMs     int64
	MaxConnectAttempts   int
	ConnectTimeoutMs     int64
	LogoutTimeoutMs      int64
	SubscriberBufferSize int
	LoggingPrefix        string
	writer               io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithMasterKey(k string) Option {
	return func(c *Config) {
		c.MasterKey = k
	}
}

func WithFlushDelayMs(n int64) Option {
	return func(c *Config) {
		c.FlushDelayMs = n
	}
}

func WithReconnectDelayMs(n int64) Option {
	return func(c *Config) {
		c.ReconnectDelayMs = n
	}
}

func WithMaxConnectAttempts(n int) Option {
	return func(c *Config) {
		c.MaxConnectAttempts = n
	}
}

func WithConnectTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.ConnectTimeoutMs = n
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                os.Getenv("DEBUG") == "1",
		MasterKey:            os.Getenv("ROOST_MASTER_KEY"),
		FlushDelayMs:         1000,
		ReconnectDelayMs:     4000,
		MaxConnectAttempts:   4,
		ConnectTimeoutMs:     30000,
		LogoutTimeoutMs:      5000,
		SubscriberBufferSize: 100,
		LoggingPrefix:        "",
		RootDir:              ".",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
