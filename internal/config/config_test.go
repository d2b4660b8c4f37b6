package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.SIPPort != 5060 {
		t.Errorf("SIPPort = %d, want 5060", cfg.SIPPort)
	}
	if cfg.CAPPhase != 4 {
		t.Errorf("CAPPhase = %d, want 4", cfg.CAPPhase)
	}
	if cfg.ResetTimerWFI != 20*time.Second {
		t.Errorf("ResetTimerWFI = %v, want 20s", cfg.ResetTimerWFI)
	}
	if cfg.DefaultAction != "continue" {
		t.Errorf("DefaultAction = %q, want continue", cfg.DefaultAction)
	}
	if len(cfg.Resources) != 0 {
		t.Errorf("Resources = %v, want empty", cfg.Resources)
	}
}

func TestLoadFlags(t *testing.T) {
	cfg, err := load([]string{
		"-sip-port", "5080",
		"-cap-phase", "2",
		"-default-action", "release",
		"-default-release-cause", "34",
		"-reset-timer-wfi", "0s",
		"-resources", "ivr=31880000001,announce=31880000002",
	})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.SIPPort != 5080 {
		t.Errorf("SIPPort = %d, want 5080", cfg.SIPPort)
	}
	if cfg.CAPPhase != 2 {
		t.Errorf("CAPPhase = %d, want 2", cfg.CAPPhase)
	}
	if cfg.DefaultAction != "release" || cfg.DefaultReleaseCause != 34 {
		t.Errorf("default handling = %s/%d, want release/34", cfg.DefaultAction, cfg.DefaultReleaseCause)
	}
	if cfg.ResetTimerWFI != 0 {
		t.Errorf("ResetTimerWFI = %v, want 0 (disabled)", cfg.ResetTimerWFI)
	}
	if cfg.Resources["ivr"] != "31880000001" || cfg.Resources["announce"] != "31880000002" {
		t.Errorf("Resources = %v", cfg.Resources)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CAPGW_SIP_PORT", "5090")
	t.Setenv("CAPGW_LOG_LEVEL", "debug")

	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.SIPPort != 5090 {
		t.Errorf("SIPPort = %d, want 5090 from env", cfg.SIPPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug from env", cfg.LogLevel)
	}
}

func TestAPITokenFromEnv(t *testing.T) {
	t.Setenv("CAPGW_API_TOKEN", "s3cret")

	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.APIToken != "s3cret" {
		t.Errorf("APIToken = %q, want s3cret from env", cfg.APIToken)
	}
}

func TestFlagBeatsEnv(t *testing.T) {
	t.Setenv("CAPGW_SIP_PORT", "5090")

	cfg, err := load([]string{"-sip-port", "5100"})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.SIPPort != 5100 {
		t.Errorf("SIPPort = %d, want CLI value 5100", cfg.SIPPort)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad phase", []string{"-cap-phase", "5"}},
		{"bad action", []string{"-default-action", "drop"}},
		{"cause out of range", []string{"-default-release-cause", "200"}},
		{"malformed resource", []string{"-resources", "ivr"}},
		{"duplicate resource", []string{"-resources", "ivr=1,ivr=2"}},
		{"non-digit gt", []string{"-local-gt", "abc"}},
		{"zero rate", []string{"-initialdp-rate", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(tt.args); err == nil {
				t.Errorf("load(%v) succeeded, want error", tt.args)
			}
		})
	}
}
