package inventory

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseTargets(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		wantCount int
		wantErr   bool
	}{
		{
			name:      "two targets",
			json:      `[{"name":"t1","host":"10.0.0.1","user":"root","password":"x"},{"host":"10.0.0.2","port":2222,"user":"root","password":"y"}]`,
			wantCount: 2,
		},
		{
			name:      "empty array",
			json:      `[]`,
			wantCount: 0,
		},
		{
			name:    "not an array",
			json:    `{"host":"10.0.0.1"}`,
			wantErr: true,
		},
		{
			name:    "trailing garbage",
			json:    `[] []`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			json:    `[{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets, err := ParseTargets(tt.json)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("expected ValidationError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(targets) != tt.wantCount {
				t.Errorf("expected %d targets, got %d", tt.wantCount, len(targets))
			}
		})
	}
}

func TestTargetDefaults(t *testing.T) {
	targets, err := ParseTargets(`[{"host":"10.0.0.1","user":"root","password":"x"},{"name":"db","host":"10.0.0.2","port":2222,"user":"root","password":"x"}]`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := targets[0].GetPort(); got != 22 {
		t.Errorf("expected default port 22, got %d", got)
	}
	if got := targets[0].Addr(); got != "10.0.0.1:22" {
		t.Errorf("expected 10.0.0.1:22, got %s", got)
	}
	if got := targets[0].Label(); got != "10.0.0.1" {
		t.Errorf("expected label to fall back to host, got %s", got)
	}
	if got := targets[1].Addr(); got != "10.0.0.2:2222" {
		t.Errorf("expected 10.0.0.2:2222, got %s", got)
	}
	if got := targets[1].Label(); got != "db" {
		t.Errorf("expected label db, got %s", got)
	}
}

func TestBastionValidate(t *testing.T) {
	tests := []struct {
		name    string
		bastion Bastion
		wantErr bool
	}{
		{"complete", Bastion{Host: "b", User: "admin", Password: "x"}, false},
		{"explicit port", Bastion{Host: "b", Port: 2200, User: "admin", Password: "x"}, false},
		{"missing host", Bastion{User: "admin", Password: "x"}, true},
		{"missing user", Bastion{Host: "b", Password: "x"}, true},
		{"missing password", Bastion{Host: "b", User: "admin"}, true},
		{"bad port", Bastion{Host: "b", Port: 70000, User: "admin", Password: "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bastion.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTargets(t *testing.T) {
	ok := Target{Host: "h", User: "u", Password: "p"}

	if err := ValidateTargets(nil); err == nil {
		t.Error("expected error for empty target list")
	}
	if err := ValidateTargets([]Target{ok, ok}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	err := ValidateTargets([]Target{ok, {Host: "h2", User: "u"}})
	if err == nil {
		t.Fatal("expected error for target without password")
	}
	if got := err.Error(); got != "targets[1]: host, user and password are required" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestCommandsValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmds    Commands
		wantErr bool
	}{
		{"single", Commands{"uptime"}, false},
		{"several", Commands{"echo ok", "false"}, false},
		{"empty", Commands{}, true},
		{"nil", nil, true},
		{"blank entry", Commands{"uptime", "  "}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmds.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransferValidate(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		transfer Transfer
		wantErr  bool
	}{
		{"existing dir", Transfer{LocalPath: dir, RemotePath: "/srv"}, false},
		{"missing local", Transfer{LocalPath: filepath.Join(dir, "nope"), RemotePath: "/srv"}, true},
		{"no local", Transfer{RemotePath: "/srv"}, true},
		{"no remote", Transfer{LocalPath: dir}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.transfer.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeTimeout(t *testing.T) {
	if got := NormalizeTimeout(30); got != 30 {
		t.Errorf("expected 30, got %d", got)
	}
	if got := NormalizeTimeout(0); got != DefaultTimeout {
		t.Errorf("expected default, got %d", got)
	}
	if got := NormalizeTimeout(-5); got != DefaultTimeout {
		t.Errorf("expected default, got %d", got)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	content := `
bastion:
  host: bastion.example.com
  user: admin
  password: secret
targets:
  - name: web1
    host: 10.0.1.10
    user: deploy
    password: p1
  - name: web2
    host: 10.0.1.11
    port: 2222
    user: deploy
    password: p2
commands:
  - uptime
  - df -h
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	inv, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Bastion.Addr() != "bastion.example.com:22" {
		t.Errorf("unexpected bastion addr %s", inv.Bastion.Addr())
	}
	if len(inv.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(inv.Targets))
	}
	if inv.Targets[1].GetPort() != 2222 {
		t.Errorf("expected port 2222, got %d", inv.Targets[1].GetPort())
	}
	if len(inv.Commands) != 2 || inv.Commands[1] != "df -h" {
		t.Errorf("unexpected commands %v", inv.Commands)
	}
}

func TestParseInventory(t *testing.T) {
	t.Run("json document", func(t *testing.T) {
		inv, err := Parse([]byte(`{"bastion":{"host":"b","user":"u","password":"p"},"targets":[{"host":"t","user":"u","password":"p"}]}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if inv.Bastion.Host != "b" || len(inv.Targets) != 1 {
			t.Errorf("unexpected inventory %+v", inv)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		if _, err := Parse([]byte("bastion:\n  hostname: b\n")); err == nil {
			t.Error("expected error for unknown field")
		}
	})

	t.Run("empty document", func(t *testing.T) {
		inv, err := Parse(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(inv.Targets) != 0 {
			t.Errorf("expected no targets, got %d", len(inv.Targets))
		}
	})
}
