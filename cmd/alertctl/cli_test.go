package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/domain"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/mockbackend"
)

// syncBuffer is a bytes.Buffer safe for a command writing while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// cliEnv points alertctl at a seeded mock backend with a file credential store in a temp dir.
func cliEnv(t *testing.T) *mockbackend.Backend {
	t.Helper()
	b, err := mockbackend.New(mockbackend.Options{BcryptCost: 4, PingInterval: time.Second})
	require.NoError(t, err)
	require.NoError(t, b.Seed())
	server := httptest.NewServer(b.Handler())
	t.Cleanup(func() {
		b.Close()
		server.Close()
	})

	t.Setenv("API_BASE_URL", server.URL)
	t.Setenv("CREDENTIAL_STORE", "file")
	t.Setenv("CREDENTIAL_DIR", t.TempDir())
	t.Setenv("CREDENTIAL_PASSPHRASE", "cli-test")
	t.Setenv("RECONNECT_MIN_DELAY", "20ms")
	t.Setenv("RECONNECT_MAX_DELAY", "100ms")
	t.Setenv("REQUEST_TIMEOUT", "2s")
	t.Setenv("PUSH_TOKEN", "")
	t.Setenv("METRICS_ADDR", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("LOG_LEVEL", "error")
	return b
}

// run executes alertctl with args and returns its stdout and stderr.
func run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	var out, errOut syncBuffer
	statusFlag, loginEmail, loginPassword = "", "", ""
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	err = rootCmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func TestCLI_AckRequiresLogin(t *testing.T) {
	cliEnv(t)
	_, _, err := run(context.Background(), "ack", "evt-0001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not logged in")
}

func TestCLI_LoginAckLogout(t *testing.T) {
	b := cliEnv(t)
	ctx := context.Background()

	out, _, err := run(ctx, "login", "-e", mockbackend.DevStaffEmail, "-p", mockbackend.DevPassword)
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as Night Nurse (staff, tenant "+mockbackend.DevTenantID+")")
	assert.Contains(t, out, "2 new alert(s)")

	out, errOut, err := run(ctx, "ack", "evt-0001", "missing")
	require.Error(t, err)
	assert.Equal(t, "1 of 2 acknowledgement(s) failed", err.Error())
	assert.Contains(t, out, "evt-0001 acknowledged")
	assert.Contains(t, errOut, "missing: no such alert")
	a, ok := b.Alert("evt-0001")
	require.True(t, ok)
	assert.Equal(t, domain.StatusAck, a.Status)

	_, errOut, err = run(ctx, "ack", "evt-0004")
	require.Error(t, err)
	assert.Contains(t, errOut, "evt-0004:")

	out, _, err = run(ctx, "list", "--status", "NEW")
	require.NoError(t, err)
	assert.Contains(t, out, "evt-0002")
	assert.NotContains(t, out, "evt-0001")

	out, _, err = run(ctx, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")

	_, _, err = run(ctx, "ack", "evt-0002")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not logged in")
}

func TestCLI_WatchPrintsNewAlerts(t *testing.T) {
	b := cliEnv(t)
	_, _, err := run(context.Background(), "login", "-e", mockbackend.DevAdminEmail, "-p", mockbackend.DevPassword)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	statusFlag = ""
	rootCmd.SetArgs([]string{"watch"})
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	done := make(chan error, 1)
	go func() { done <- rootCmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "evt-0001") }, 3*time.Second, 10*time.Millisecond)
	// Raise until one lands after the realtime join.
	require.Eventually(t, func() bool {
		if strings.Contains(out.String(), "NEW ALERT") {
			return true
		}
		_, err := b.RaiseAlert(mockbackend.DevTenantID, domain.Alert{Type: domain.TypeFall})
		return err == nil && strings.Contains(out.String(), "NEW ALERT")
	}, 3*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestCLI_WatchStopsWhenSessionRevoked(t *testing.T) {
	b := cliEnv(t)
	_, _, err := run(context.Background(), "login", "-e", mockbackend.DevStaffEmail, "-p", mockbackend.DevPassword)
	require.NoError(t, err)

	var out syncBuffer
	statusFlag = ""
	rootCmd.SetArgs([]string{"watch"})
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	done := make(chan error, 1)
	go func() { done <- rootCmd.ExecuteContext(context.Background()) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "evt-0001") }, 3*time.Second, 10*time.Millisecond)
	b.RevokeSessions("dev-user-002")
	b.DropConnections()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session ended")
	case <-time.After(5 * time.Second):
		t.Fatal("watch kept running after the session was revoked")
	}
}
