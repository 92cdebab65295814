package drule

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const rulesYAML = `
rules:
  - id: 1
    name: lan sweep
    delay: 60s
    iprange: 192.168.1.1-192.168.1.254
    checks:
      - id: 10
        type: icmp
      - id: 11
        type: tcp
        ports: "22,80-82"
        unique: true
  - id: 2
    name: dmz snmp
    delay: 5m
    iprange: 10.0.0.0/29
    checks:
      - id: 20
        type: snmpv2c
        ports: "161"
        community: public
        key: 1.3.6.1.2.1.1.1.0
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.LoadFile(writeRules(t, rulesYAML)))

	rule, ok := r.Get(1)
	require.True(t, ok)
	if len(rule.Checks) != 2 {
		t.Fatalf("rule 1 checks = %d, want 2", len(rule.Checks))
	}
	if rule.Checks[0].Type != CheckICMP || rule.Checks[1].Type != CheckTCP {
		t.Errorf("check types = %s, %s", rule.Checks[0].Type, rule.Checks[1].Type)
	}
	if !rule.Checks[1].Unique {
		t.Error("tcp check should carry the unique flag")
	}

	rule2, ok := r.Get(2)
	require.True(t, ok)
	if rule2.Checks[0].Community != "public" {
		t.Errorf("community = %q", rule2.Checks[0].Community)
	}
}

func TestLoadFileIdempotent(t *testing.T) {
	path := writeRules(t, rulesYAML)

	r := NewRegistry()
	require.NoError(t, r.LoadFile(path))
	_, revs, _ := r.Revisions(0)

	// Reloading the identical file must not bump any rule revision.
	require.NoError(t, r.LoadFile(path))
	_, revs2, changed := r.Revisions(0)
	if changed {
		require.Equal(t, revs, revs2)
	}
	for id, rev := range revs {
		if revs2[id] != rev {
			t.Errorf("rule %d revision changed on idempotent reload: %d -> %d", id, rev, revs2[id])
		}
	}
}

func TestLoadFileRemovesStale(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.LoadFile(writeRules(t, rulesYAML)))

	trimmed := `
rules:
  - id: 1
    name: lan sweep
    delay: 60s
    iprange: 192.168.1.1-192.168.1.254
    checks:
      - id: 10
        type: icmp
`
	require.NoError(t, r.LoadFile(writeRules(t, trimmed)))

	if _, ok := r.Get(2); ok {
		t.Error("rule 2 should have been removed by sync")
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad iprange", content: "rules:\n  - id: 1\n    iprange: nope\n    delay: 60s\n    checks:\n      - id: 1\n        type: icmp\n"},
		{name: "bad type", content: "rules:\n  - id: 1\n    iprange: 10.0.0.1\n    delay: 60s\n    checks:\n      - id: 1\n        type: gopher\n"},
		{name: "missing ports", content: "rules:\n  - id: 1\n    iprange: 10.0.0.1\n    delay: 60s\n    checks:\n      - id: 1\n        type: tcp\n"},
		{name: "no checks", content: "rules:\n  - id: 1\n    iprange: 10.0.0.1\n    delay: 60s\n"},
		{name: "missing id", content: "rules:\n  - name: x\n    iprange: 10.0.0.1\n    delay: 60s\n    checks:\n      - id: 1\n        type: icmp\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if err := r.LoadFile(writeRules(t, tt.content)); err == nil {
				t.Error("LoadFile accepted invalid rules")
			}
		})
	}
}
