package gcp

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

type ObjectStorageMode string

const (
	ObjectStorageModeMemory      ObjectStorageMode = "memory"
	ObjectStorageModeGCS         ObjectStorageMode = "gcs"
	ObjectStorageModeGCSEmulator ObjectStorageMode = "gcs_emulator"
)

const (
	EnvStorageMode  = "ASSET_STORAGE_MODE"
	EnvEmulatorHost = "STORAGE_EMULATOR_HOST"
	EnvAssetBucket  = "ASSET_BUCKET_NAME"
)

type ObjectStorageConfig struct {
	Mode         ObjectStorageMode
	EmulatorHost string
	Bucket       string
	// Inferred is set when the mode was derived from other variables
	// rather than named explicitly.
	Inferred bool
}

func IsSupportedObjectStorageMode(mode ObjectStorageMode) bool {
	switch mode {
	case ObjectStorageModeMemory, ObjectStorageModeGCS, ObjectStorageModeGCSEmulator:
		return true
	default:
		return false
	}
}

func (cfg ObjectStorageConfig) IsEmulatorMode() bool {
	return cfg.Mode == ObjectStorageModeGCSEmulator
}

func (cfg ObjectStorageConfig) UsesBucket() bool {
	return cfg.Mode == ObjectStorageModeGCS || cfg.Mode == ObjectStorageModeGCSEmulator
}

type ObjectStorageConfigErrorCode string

const (
	ObjectStorageConfigErrorInvalidMode         ObjectStorageConfigErrorCode = "invalid_mode"
	ObjectStorageConfigErrorMissingBucket       ObjectStorageConfigErrorCode = "missing_bucket"
	ObjectStorageConfigErrorMissingEmulatorHost ObjectStorageConfigErrorCode = "missing_emulator_host"
	ObjectStorageConfigErrorInvalidEmulatorHost ObjectStorageConfigErrorCode = "invalid_emulator_host"
)

type ObjectStorageConfigError struct {
	Code         ObjectStorageConfigErrorCode
	Mode         string
	EmulatorHost string
	Cause        error
}

func (e *ObjectStorageConfigError) Error() string {
	if e == nil {
		return "invalid object storage config"
	}
	switch e.Code {
	case ObjectStorageConfigErrorInvalidMode:
		return fmt.Sprintf("invalid %s=%q (allowed: %q, %q, %q)", EnvStorageMode, e.Mode,
			ObjectStorageModeMemory, ObjectStorageModeGCS, ObjectStorageModeGCSEmulator)
	case ObjectStorageConfigErrorMissingBucket:
		return fmt.Sprintf("%s=%q requires %s", EnvStorageMode, e.Mode, EnvAssetBucket)
	case ObjectStorageConfigErrorMissingEmulatorHost:
		return fmt.Sprintf("%s=%q requires %s", EnvStorageMode, ObjectStorageModeGCSEmulator, EnvEmulatorHost)
	case ObjectStorageConfigErrorInvalidEmulatorHost:
		return fmt.Sprintf("invalid %s=%q; expected absolute URL like http://fake-gcs:4443", EnvEmulatorHost, e.EmulatorHost)
	default:
		return "invalid object storage config"
	}
}

func (e *ObjectStorageConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ResolveObjectStorageConfigFromEnv picks the blob backend. Without an
// explicit mode an emulator host selects the emulator, a bucket name
// selects GCS, and otherwise blobs stay in memory.
func ResolveObjectStorageConfigFromEnv() (ObjectStorageConfig, error) {
	cfg := ObjectStorageConfig{
		EmulatorHost: strings.TrimSpace(os.Getenv(EnvEmulatorHost)),
		Bucket:       strings.TrimSpace(os.Getenv(EnvAssetBucket)),
	}
	rawMode := strings.TrimSpace(os.Getenv(EnvStorageMode))
	mode := ObjectStorageMode(strings.ToLower(rawMode))
	switch {
	case mode != "":
		cfg.Mode = mode
	case cfg.EmulatorHost != "":
		cfg.Mode, cfg.Inferred = ObjectStorageModeGCSEmulator, true
	case cfg.Bucket != "":
		cfg.Mode, cfg.Inferred = ObjectStorageModeGCS, true
	default:
		cfg.Mode, cfg.Inferred = ObjectStorageModeMemory, true
	}
	if err := ValidateObjectStorageConfig(cfg); err != nil {
		if ce, ok := err.(*ObjectStorageConfigError); ok && ce.Code == ObjectStorageConfigErrorInvalidMode {
			ce.Mode = rawMode
		}
		return cfg, err
	}
	return cfg, nil
}

func ValidateObjectStorageConfig(cfg ObjectStorageConfig) error {
	if !IsSupportedObjectStorageMode(cfg.Mode) {
		return &ObjectStorageConfigError{Code: ObjectStorageConfigErrorInvalidMode, Mode: string(cfg.Mode)}
	}
	if !cfg.UsesBucket() {
		return nil
	}
	if cfg.Bucket == "" {
		return &ObjectStorageConfigError{Code: ObjectStorageConfigErrorMissingBucket, Mode: string(cfg.Mode)}
	}
	if !cfg.IsEmulatorMode() {
		return nil
	}
	if cfg.EmulatorHost == "" {
		return &ObjectStorageConfigError{Code: ObjectStorageConfigErrorMissingEmulatorHost, Mode: string(cfg.Mode)}
	}
	u, err := url.Parse(cfg.EmulatorHost)
	if err != nil || strings.TrimSpace(u.Scheme) == "" || strings.TrimSpace(u.Host) == "" {
		return &ObjectStorageConfigError{
			Code:         ObjectStorageConfigErrorInvalidEmulatorHost,
			Mode:         string(cfg.Mode),
			EmulatorHost: cfg.EmulatorHost,
			Cause:        err,
		}
	}
	return nil
}
