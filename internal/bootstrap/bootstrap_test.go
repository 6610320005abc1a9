package bootstrap

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/config"
)

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		monkeys  string
		otel     string
		disabled bool
	}{
		{"unset", "", "", false},
		{"monkeys true", "true", "", true},
		{"monkeys one", "1", "", true},
		{"otel", "", "true", true},
		{"garbage", "yes please", "", false},
		{"explicit false", "false", "false", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MONKEYS_TELEMETRY_DISABLED", tt.monkeys)
			t.Setenv("OTEL_SDK_DISABLED", tt.otel)
			t.Setenv("MONKEYS_INSTALLER", " uv ")
			env := FromEnv()
			if env.TelemetryDisabled != tt.disabled {
				t.Errorf("disabled = %v, want %v", env.TelemetryDisabled, tt.disabled)
			}
			if env.Installer != "uv" {
				t.Errorf("installer = %q", env.Installer)
			}
		})
	}
}

func TestApplyNeverReenables(t *testing.T) {
	cfg := &config.Config{Telemetry: config.TelemetryConfig{Disabled: true}}
	Environment{}.Apply(cfg)
	if !cfg.Telemetry.Disabled {
		t.Error("environment without the toggle must not re-enable telemetry")
	}
	Environment{Installer: "pipx"}.Apply(cfg)
	if cfg.Bootstrap.Installer != "pipx" {
		t.Errorf("installer = %q", cfg.Bootstrap.Installer)
	}
}

func newTestInstaller(fallback []string, present func(calls int) bool) (*Installer, *int, *[][]string) {
	lookups := 0
	var ran [][]string
	inst := NewInstaller(config.BootstrapConfig{Installer: "uv", InstallCommand: fallback}, zap.NewNop())
	inst.lookPath = func(name string) (string, error) {
		lookups++
		if present(lookups) {
			return "/usr/local/bin/" + name, nil
		}
		return "", exec.ErrNotFound
	}
	inst.run = func(_ context.Context, argv []string) ([]byte, error) {
		ran = append(ran, argv)
		return nil, nil
	}
	return inst, &lookups, &ran
}

func TestEnsureInstallerPresent(t *testing.T) {
	inst, _, ran := newTestInstaller([]string{"pip", "install", "uv"}, func(int) bool { return true })
	path, err := inst.EnsureInstaller(context.Background())
	if err != nil || path != "/usr/local/bin/uv" {
		t.Fatalf("path = %q, err = %v", path, err)
	}
	if len(*ran) != 0 {
		t.Errorf("fallback should not run, ran %v", *ran)
	}
}

func TestEnsureInstallerFallback(t *testing.T) {
	inst, lookups, ran := newTestInstaller([]string{"pip", "install", "uv"}, func(n int) bool { return n > 1 })
	path, err := inst.EnsureInstaller(context.Background())
	if err != nil || path != "/usr/local/bin/uv" {
		t.Fatalf("path = %q, err = %v", path, err)
	}
	if len(*ran) != 1 || (*ran)[0][0] != "pip" {
		t.Errorf("ran = %v", *ran)
	}
	if *lookups != 2 {
		t.Errorf("lookups = %d, want 2", *lookups)
	}
}

func TestEnsureInstallerMissing(t *testing.T) {
	tests := []struct {
		name     string
		fallback []string
		runErr   error
	}{
		{"no fallback", nil, nil},
		{"fallback does not provide it", []string{"true"}, nil},
		{"fallback fails", []string{"pip", "install", "uv"}, errors.New("exit status 1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, _, _ := newTestInstaller(tt.fallback, func(int) bool { return false })
			if tt.runErr != nil {
				inst.run = func(context.Context, []string) ([]byte, error) { return []byte("boom"), tt.runErr }
			}
			_, err := inst.EnsureInstaller(context.Background())
			var missing *InstallerMissingError
			if !errors.As(err, &missing) {
				t.Fatalf("expected InstallerMissingError, got %v", err)
			}
			if tt.runErr != nil && !errors.Is(err, tt.runErr) {
				t.Errorf("run error should be wrapped: %v", err)
			}
		})
	}
}

func TestEnsureInstallerNotRequired(t *testing.T) {
	inst := NewInstaller(config.BootstrapConfig{}, zap.NewNop())
	path, err := inst.EnsureInstaller(context.Background())
	if err != nil || path != "" {
		t.Errorf("path = %q, err = %v", path, err)
	}
}
