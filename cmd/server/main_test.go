package main

import (
	"testing"

	"floryn/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := []config.Config{
		{AuthSecret: "short", AdminUsername: "admin", AdminPassword: "long-enough-password"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", AdminUsername: "admin", AdminPassword: "tulip"},
		{AuthSecret: "0123456789abcdef0123456789abcdef", AdminUsername: "florist-admin", AdminPassword: "florist-admin"},
	}
	for _, cfg := range cases {
		if err := validateSecurityConfig(cfg); err == nil {
			t.Fatalf("expected weak security config to be rejected: %+v", cfg)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		AuthSecret:    "0123456789abcdef0123456789abcdef",
		AdminUsername: "admin",
		AdminPassword: "peony-garden-42",
	})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := newLogger("chatty"); err == nil {
		t.Fatalf("expected unknown log level to fail")
	}
	logger, err := newLogger("debug")
	if err != nil {
		t.Fatalf("expected debug level to build, got %v", err)
	}
	_ = logger.Sync()
}
