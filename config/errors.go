package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName     = errors.New("invalid application name")
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidLogFormat   = errors.New("invalid log format")
	ErrInvalidSeparator   = errors.New("invalid path separator")
	ErrInvalidMailboxSize = errors.New("invalid mailbox size")
	ErrInvalidWorkerMode  = errors.New("invalid worker mode")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrInvalidRemotePath  = errors.New("invalid remote path")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrConfigValidateError = errors.New("configuration validation error")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrConfigWatchError    = errors.New("configuration watch error")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
)
