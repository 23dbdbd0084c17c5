package config

import (
	"reflect"
	"testing"
)

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"docker info", []string{"docker", "info"}},
		{"bash -c 'systemctl start docker'", []string{"bash", "-c", "systemctl start docker"}},
		{`echo "hello world" done`, []string{"echo", "hello world", "done"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{"", nil},
	}
	for _, tc := range cases {
		got, err := splitCommand(tc.in)
		if err != nil {
			t.Fatalf("splitCommand(%q) failed: %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("splitCommand(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSplitCommandUnterminatedQuote(t *testing.T) {
	if _, err := splitCommand("echo 'oops"); err == nil {
		t.Fatal("expected an error for an unterminated quote")
	}
}

func TestParseBuilderMissingWorkspace(t *testing.T) {
	_, err := parseBuilder("gpu-1", map[string]any{"host": "h"})
	if err == nil {
		t.Fatal("expected an error for a missing workspace")
	}
}

func TestParseTargetPrefersSSHHost(t *testing.T) {
	host, user, err := parseTarget("gpu-1", map[string]any{
		"ssh_host": "deploy@host.example.com",
		"host":     "ignored",
		"user":     "ignored",
	})
	if err != nil {
		t.Fatalf("parseTarget failed: %v", err)
	}
	if host != "host.example.com" || user != "deploy" {
		t.Fatalf("unexpected target %q@%q", user, host)
	}
}

func TestParseBuilderBadLeaseTTL(t *testing.T) {
	_, err := parseBuilder("gpu-1", map[string]any{
		"host": "h", "workspace": "/srv", "lease_ttl": "soon",
	})
	if err == nil {
		t.Fatal("expected an error for a malformed lease_ttl")
	}
}
