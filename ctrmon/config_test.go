package ctrmon

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			ContainerID:   "abc",
			ContainerUUID: "uuid",
			Runtime:       "/usr/bin/runc",
			ExitDir:       "/run/exits",
			LogPath:       "/tmp/ctr.log",
		}
	}

	t.Run("defaults", func(t *testing.T) {
		cfg := valid()
		if err := cfg.Validate(); err != nil {
			t.Fatal("unexpected error:", err)
		}

		cwd, _ := os.Getwd()
		if cfg.Bundle != cwd {
			t.Errorf("bundle %q, expected %q", cfg.Bundle, cwd)
		}
		if expect := filepath.Join(cwd, "pidfile-abc"); cfg.PIDFile != expect {
			t.Errorf("pidfile %q, expected %q", cfg.PIDFile, expect)
		}
		if cfg.TTYHupInterval != DefaultTTYHupInterval {
			t.Errorf("tty hup interval %v", cfg.TTYHupInterval)
		}
		if cfg.SocketDir != DefaultSocketDir {
			t.Errorf("socket dir %q", cfg.SocketDir)
		}
	})

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no cid", func(c *Config) { c.ContainerID = "" }},
		{"no cuuid", func(c *Config) { c.ContainerUUID = "" }},
		{"no runtime", func(c *Config) { c.Runtime = "" }},
		{"no exit dir", func(c *Config) { c.ExitDir = "" }},
		{"no log path", func(c *Config) { c.LogPath = "" }},
		{"exec without process spec", func(c *Config) { c.Exec = true }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := valid()
			test.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	t.Run("exec", func(t *testing.T) {
		cfg := valid()
		cfg.Exec = true
		cfg.ExecProcessSpec = "/tmp/process.json"
		cfg.ContainerUUID = ""
		cfg.ExitDir = ""
		if err := cfg.Validate(); err != nil {
			t.Fatal("unexpected error:", err)
		}
	})
}

func TestRuntimeArgs(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		cfg := Config{
			ContainerID:   "abc",
			Runtime:       "runc",
			Bundle:        "/b",
			PIDFile:       "/b/pid",
			SystemdCgroup: true,
			NoPivot:       true,
		}

		expect := []string{
			"runc", "--systemd-cgroup", "create",
			"--bundle", "/b", "--pid-file", "/b/pid", "--no-pivot",
			"--console-socket", "/tmp/sock", "abc",
		}
		if got := cfg.RuntimeArgs("/tmp/sock"); !reflect.DeepEqual(got, expect) {
			t.Fatalf("got %q, expected %q", got, expect)
		}
	})

	t.Run("exec", func(t *testing.T) {
		cfg := Config{
			ContainerID:     "abc",
			Runtime:         "runc",
			PIDFile:         "/b/pid",
			Exec:            true,
			ExecDetach:      true,
			ExecProcessSpec: "/b/process.json",
		}

		expect := []string{
			"runc", "exec", "-d", "--pid-file", "/b/pid",
			"--process", "/b/process.json", "abc",
		}
		if got := cfg.RuntimeArgs(""); !reflect.DeepEqual(got, expect) {
			t.Fatalf("got %q, expected %q", got, expect)
		}
	})
}
