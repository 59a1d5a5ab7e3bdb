package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/ultrasonic.position/internal/geometry"
	"github.com/banshee-data/ultrasonic.position/internal/solver"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestDefaultTuningConfig(t *testing.T) {
	cfg := DefaultTuningConfig()

	if cfg.TxSpacing == nil || *cfg.TxSpacing != "100ms" {
		t.Errorf("Expected TxSpacing '100ms', got %v", cfg.TxSpacing)
	}
	if cfg.MaxIterations == nil || *cfg.MaxIterations != 100 {
		t.Errorf("Expected MaxIterations 100, got %v", cfg.MaxIterations)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if diff := cmp.Diff(geometry.Default(), cfg.Geometry()); diff != "" {
		t.Errorf("Geometry() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(solver.DefaultParams(), cfg.SolverParams()); diff != "" {
		t.Errorf("SolverParams() mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyConfigFallsBackToDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty config invalid: %v", err)
	}
	if diff := cmp.Diff(DefaultTuningConfig().Pipeline(), cfg.Pipeline()); diff != "" {
		t.Errorf("Pipeline() mismatch (-want +got):\n%s", diff)
	}
	if cfg.GetPollInterval() != 100*time.Millisecond {
		t.Errorf("GetPollInterval() = %v, want 100ms", cfg.GetPollInterval())
	}
	if cfg.GetTraceConvergence() {
		t.Error("GetTraceConvergence() = true, want false")
	}
}

func TestMustLoadDefaultConfigMatchesCode(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if diff := cmp.Diff(DefaultTuningConfig(), cfg); diff != "" {
		t.Errorf("defaults file drifted from DefaultTuningConfig (-code +file):\n%s", diff)
	}
}

func TestLoadTuningConfig(t *testing.T) {
	path := writeConfig(t, "bench.json", `{
  "width_ft": 10,
  "height_ft": 12.5,
  "tick_rate_hz": 48000000,
  "tx_spacing": "50ms",
  "max_iterations": 250,
  "report_rejections": true,
  "poll_interval": "250ms"
}`)

	cfg, err := LoadTuningConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	g := cfg.Geometry()
	if g.Width != 10 || g.Height != 12.5 {
		t.Errorf("unexpected rectangle %vx%v", g.Width, g.Height)
	}
	if g.TickRate != 48000000 {
		t.Errorf("TickRate = %d, want 48000000", g.TickRate)
	}
	if g.TxSpacing != 50*time.Millisecond {
		t.Errorf("TxSpacing = %v, want 50ms", g.TxSpacing)
	}
	if g.ZOffset != geometry.Default().ZOffset {
		t.Errorf("ZOffset = %v, want default", g.ZOffset)
	}

	p := cfg.Pipeline()
	if p.Params.MaxIterations != 250 {
		t.Errorf("MaxIterations = %d, want 250", p.Params.MaxIterations)
	}
	if p.Params.StepFactor != 0.1 {
		t.Errorf("StepFactor = %v, want default 0.1", p.Params.StepFactor)
	}
	if !p.ReportRejections {
		t.Error("ReportRejections = false, want true")
	}
	if cfg.GetPollInterval() != 250*time.Millisecond {
		t.Errorf("GetPollInterval() = %v, want 250ms", cfg.GetPollInterval())
	}
}

func TestLoadTuningConfigMissing(t *testing.T) {
	_, err := LoadTuningConfig("/nonexistent/path/to/config.json")
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadTuningConfigWrongExtension(t *testing.T) {
	path := writeConfig(t, "config.yaml", `{}`)
	_, err := LoadTuningConfig(path)
	if err == nil || !strings.Contains(err.Error(), ".json") {
		t.Errorf("Expected extension error, got %v", err)
	}
}

func TestLoadTuningConfigTooLarge(t *testing.T) {
	path := writeConfig(t, "big.json", `{"width_ft": 10}`+strings.Repeat(" ", 1024*1024))
	_, err := LoadTuningConfig(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected size error, got %v", err)
	}
}

func TestLoadTuningConfigInvalid(t *testing.T) {
	path := writeConfig(t, "invalid.json", `{
  "width_ft": "wide"
`)
	if _, err := LoadTuningConfig(path); err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr string
	}{
		{"defaults", DefaultTuningConfig(), ""},
		{"bad spacing", &TuningConfig{TxSpacing: ptrString("soon")}, "tx_spacing"},
		{"negative spacing", &TuningConfig{TxSpacing: ptrString("-1ms")}, "tx_spacing"},
		{"spacing past counter window", &TuningConfig{TxSpacing: ptrString("400ms")}, "tx_spacing"},
		{"overflowing spacing", &TuningConfig{TxSpacing: ptrString("2000000h")}, "tx_spacing"},
		{"bad poll", &TuningConfig{PollInterval: ptrString("often")}, "poll_interval"},
		{"zero poll", &TuningConfig{PollInterval: ptrString("0s")}, "poll_interval"},
		{"threshold above gate", &TuningConfig{ErrorThreshold: ptrFloat64(1), MaxError: ptrFloat64(0.5)}, "error_threshold"},
		{"zero width", &TuningConfig{WidthFt: ptrFloat64(0)}, "width"},
		{"zero tick rate", &TuningConfig{TickRateHz: ptrUint32(0)}, "tick rate"},
		{"zero iterations", &TuningConfig{MaxIterations: ptrInt(0)}, "max iterations"},
		{"negative step", &TuningConfig{StepFactor: ptrFloat64(-0.1)}, "step factor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetDurationsFallBackOnParseError(t *testing.T) {
	cfg := &TuningConfig{TxSpacing: ptrString("later"), PollInterval: ptrString("never")}
	if cfg.GetTxSpacing() != 100*time.Millisecond {
		t.Errorf("GetTxSpacing() = %v, want 100ms", cfg.GetTxSpacing())
	}
	if cfg.GetPollInterval() != 100*time.Millisecond {
		t.Errorf("GetPollInterval() = %v, want 100ms", cfg.GetPollInterval())
	}
}
