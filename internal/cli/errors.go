package cli

import "errors"

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrPathEmpty          = errors.New("store path cannot be empty")
	ErrUsage              = errors.New("invalid usage")
	ErrStoreExists        = errors.New("store already exists")
	ErrNoStore            = errors.New("no store found (create one with: mmcache create --pages N)")
	ErrVerifyFailed       = errors.New("store verification failed")
)
