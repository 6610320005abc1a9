// Package bootstrap prepares the host environment before a pipeline runs.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/config"
)

// Environment is the set of process-level toggles read at startup.
type Environment struct {
	TelemetryDisabled bool
	Installer         string
}

// FromEnv reads MONKEYS_TELEMETRY_DISABLED and MONKEYS_INSTALLER. The
// OpenTelemetry OTEL_SDK_DISABLED switch also disables telemetry.
func FromEnv() Environment {
	return Environment{
		TelemetryDisabled: envBool("MONKEYS_TELEMETRY_DISABLED") || envBool("OTEL_SDK_DISABLED"),
		Installer:         strings.TrimSpace(os.Getenv("MONKEYS_INSTALLER")),
	}
}

// Apply overlays the environment on a loaded configuration. The
// environment can only disable telemetry, never re-enable it.
func (e Environment) Apply(cfg *config.Config) {
	if e.TelemetryDisabled {
		cfg.Telemetry.Disabled = true
	}
	if e.Installer != "" {
		cfg.Bootstrap.Installer = e.Installer
	}
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && v
}

// InstallerMissingError reports an installer that is still absent after
// the fallback install command ran, or that has no fallback at all.
type InstallerMissingError struct {
	Name string
	Err  error
}

func (e *InstallerMissingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("installer %s unavailable: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("installer %s not found on PATH", e.Name)
}

func (e *InstallerMissingError) Unwrap() error { return e.Err }

func (e *InstallerMissingError) Kind() string { return "InstallerMissingError" }

// Installer makes sure a package-installation tool exists on PATH.
type Installer struct {
	name     string
	fallback []string
	logger   *zap.Logger

	lookPath func(string) (string, error)
	run      func(ctx context.Context, argv []string) ([]byte, error)
}

// NewInstaller creates an installer check from the bootstrap config.
func NewInstaller(cfg config.BootstrapConfig, logger *zap.Logger) *Installer {
	return &Installer{
		name:     cfg.Installer,
		fallback: cfg.InstallCommand,
		logger:   logger,
		lookPath: exec.LookPath,
		run:      runCommand,
	}
}

func runCommand(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
}

// EnsureInstaller returns the installer's resolved path. When the installer
// is not on PATH the fallback install command runs once and PATH is checked
// again. An empty installer name means nothing is required.
func (i *Installer) EnsureInstaller(ctx context.Context) (string, error) {
	if i.name == "" {
		return "", nil
	}
	if path, err := i.lookPath(i.name); err == nil {
		i.logger.Debug("installer present", zap.String("installer", i.name), zap.String("path", path))
		return path, nil
	}
	if len(i.fallback) == 0 {
		return "", &InstallerMissingError{Name: i.name}
	}

	i.logger.Info("installer missing, provisioning",
		zap.String("installer", i.name), zap.Strings("command", i.fallback))
	out, err := i.run(ctx, i.fallback)
	if err != nil {
		i.logger.Warn("install command failed",
			zap.String("installer", i.name), zap.ByteString("output", out), zap.Error(err))
		return "", &InstallerMissingError{Name: i.name, Err: fmt.Errorf("install command: %w", err)}
	}

	path, err := i.lookPath(i.name)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			err = errors.New("still not on PATH after install")
		}
		return "", &InstallerMissingError{Name: i.name, Err: err}
	}
	i.logger.Info("installer provisioned", zap.String("installer", i.name), zap.String("path", path))
	return path, nil
}
