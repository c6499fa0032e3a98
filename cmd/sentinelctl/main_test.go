package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandPrintsDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "J1", body["jobId"])
		assert.Equal(t, "settlement-batch-optimizer", body["agentId"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jobId":"J1","agentId":"settlement-batch-optimizer","txRef":"0xabc",
			"decision":{"proposedLimitWei":"400","finalLimitWei":"400","confidence":0.75,"mode":"deterministic"},
			"pipeline":["validate balances","calculate fees","route payouts","finalize settlement"]}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "run", "--job", "J1", "--user", "0x1")
	require.NoError(t, err)
	assert.Contains(t, out, "job J1 settled by settlement-batch-optimizer in 0xabc")
	assert.Contains(t, out, "final 400 wei")
	assert.Contains(t, out, "validate balances -> calculate fees")
}

func TestAICommandSendsOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ops", r.Header.Get("Authorization"))
		var body map[string]*bool
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body["enabled"])
		assert.False(t, *body["enabled"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"aiEnabled":false,"override":false,"persisted":true}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "--token", "ops", "-o", "json", "ai", "off")
	require.NoError(t, err)
	assert.Contains(t, out, `"override": false`)
}

func TestRejectsUnknownAIArgument(t *testing.T) {
	_, err := execute(t, "--server", "http://127.0.0.1:1", "ai", "maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected on, off or reset")
}
