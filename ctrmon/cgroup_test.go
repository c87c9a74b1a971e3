package ctrmon

import (
	"strings"
	"testing"
)

func TestParseMemoryCgroup(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect memoryCgroup
	}{
		{
			name: "v1",
			input: "" +
				"12:pids:/machine/ctr\n" +
				"4:cpu,cpuacct:/machine/ctr\n" +
				"3:memory:/machine/ctr\n" +
				"1:name=systemd:/machine/ctr\n",
			expect: memoryCgroup{Path: "/sys/fs/cgroup/memory/machine/ctr"},
		},
		{
			name:   "v2",
			input:  "0::/machine.slice/ctr.scope\n",
			expect: memoryCgroup{Path: "/sys/fs/cgroup/machine.slice/ctr.scope", Unified: true},
		},
		{
			name: "hybrid",
			input: "" +
				"0::/user.slice\n" +
				"7:memory:/machine/ctr\n",
			expect: memoryCgroup{Path: "/sys/fs/cgroup/memory/machine/ctr"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := parseMemoryCgroup(strings.NewReader(test.input), "/sys/fs/cgroup")
			if err != nil {
				t.Fatal("failed to parse:", err)
			}
			if got != test.expect {
				t.Fatalf("got %+v, expected %+v", got, test.expect)
			}
		})
	}

	t.Run("none", func(t *testing.T) {
		_, err := parseMemoryCgroup(strings.NewReader("2:pids:/a\n"), "/sys/fs/cgroup")
		if err == nil {
			t.Fatal("expected error")
		}
	})
}
