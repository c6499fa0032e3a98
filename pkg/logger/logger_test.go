package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWritesToFileOutputs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{out},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}))
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{})
	})

	Named("clamp").Info("bounded", "final", "400")
	Audit().Info("settlement_completed", "job_id", "J1")
	require.NoError(t, Sync())

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(content), `"component":"clamp"`))

	audit, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(audit), `"job_id":"J1"`))
	require.True(t, strings.Contains(string(audit), `"stream":"audit"`))
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "WARN", parseLevel("warning").String())
	require.Equal(t, "INFO", parseLevel("bogus").String())
}
