package executor

import (
	"regexp"
	"testing"
)

func TestMaskCommand(t *testing.T) {
	tests := []struct {
		name     string
		cmd      string
		base     string
		override string
		want     string
	}{
		{"no patterns", "ls -la  \n", "", "", "ls -la"},
		{"single group", "login -p secret123", `-p\s+(\S+)`, "", "login -p <*masked*>"},
		{"override only", "login -p secret123", "", `-p\s+(\S+)`, "login -p <*masked*>"},
		{"every match", "a=1 b=2", `=(\d)`, "", "a=<*masked*> b=<*masked*>"},
		{"multiple groups", "user:bob pass:hunter2", `user:(\w+) pass:(\w+)`, "", "user:<*masked*> pass:<*masked*>"},
		{"whole match without groups kept", "token abc", `token \w+`, "", "token abc"},
		{"base then override", "mysql -uroot -psecret", `-u(\w+)`, `-p(\w+)`, "mysql -u<*masked*> -p<*masked*>"},
		{"no match", "echo hi", `-p\s+(\S+)`, "", "echo hi"},
		{"optional group unmatched", "run", `run( --key \S+)?`, "", "run"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var base, override *regexp.Regexp
			if tc.base != "" {
				base = regexp.MustCompile(tc.base)
			}
			if tc.override != "" {
				override = regexp.MustCompile(tc.override)
			}
			if got := MaskCommand(tc.cmd, base, override); got != tc.want {
				t.Errorf("MaskCommand(%q) = %q, want %q", tc.cmd, got, tc.want)
			}
		})
	}
}

func TestCompileMask(t *testing.T) {
	re, err := CompileMask("")
	if err != nil || re != nil {
		t.Errorf("empty pattern: got %v, %v; want nil, nil", re, err)
	}
	if _, err := CompileMask("(unclosed"); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{"web-1", Endpoint{"web-1", 22}, false},
		{"web-1:2222", Endpoint{"web-1", 2222}, false},
		{"  10.0.0.5:22 ", Endpoint{"10.0.0.5", 22}, false},
		{"[::1]:2200", Endpoint{"::1", 2200}, false},
		{"::1", Endpoint{"::1", 22}, false},
		{"web-1:0", Endpoint{}, true},
		{"web-1:http", Endpoint{}, true},
		{":22", Endpoint{}, true},
		{"", Endpoint{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseEndpoint(tc.in, 0)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("ParseEndpoint(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}

	if got := (Endpoint{Host: "::1", Port: 22}).String(); got != "[::1]:22" {
		t.Errorf("String() = %q, want [::1]:22", got)
	}
}
