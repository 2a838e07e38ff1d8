package taskstream

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slok/taskstream/test/integration/testutils"
)

// Config holds integration test configuration loaded from environment variables.
type Config struct {
	Binary string
}

func (c *Config) defaults() error {
	if c.Binary == "" {
		c.Binary = "taskstream"
	}

	// Relative paths are resolved from the test package directory.
	if !filepath.IsAbs(c.Binary) {
		return fmt.Errorf("binary path must be absolute: %s", c.Binary)
	}

	if _, err := os.Stat(c.Binary); err != nil {
		return fmt.Errorf("binary not found: %w", err)
	}

	return nil
}

// NewConfig loads integration test configuration from environment variables.
// If the config is invalid or the activation env var is not set, the test is skipped.
func NewConfig(t *testing.T) Config {
	t.Helper()

	const (
		envActivation = "TASKSTREAM_INTEGRATION"
		envBinary     = "TASKSTREAM_INTEGRATION_BINARY"
	)

	if os.Getenv(envActivation) != "true" {
		t.Skipf("Skipping integration test: %s is not set to 'true'", envActivation)
	}

	c := Config{
		Binary: os.Getenv(envBinary),
	}

	if err := c.defaults(); err != nil {
		t.Skipf("Skipping due to invalid config: %s", err)
	}

	return c
}

// FreeAddr returns a free local TCP address.
func FreeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not get a free address: %s", err)
	}
	defer l.Close()

	return l.Addr().String()
}

// StartServe starts a stream server replaying the script, it is stopped with the test.
func StartServe(t *testing.T, config Config, addr, scriptPath string) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	args := fmt.Sprintf("serve --listen-addr %s --metrics-listen-addr %s --script %s", addr, FreeAddr(t), scriptPath)
	cmd, err := testutils.StartTaskstream(ctx, nil, config.Binary, args, true)
	if err != nil {
		cancel()
		t.Fatalf("could not start server: %s", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = cmd.Wait()
	})

	// Wait until the server accepts connections.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server not ready on %s", addr)
}

// RunWatch follows a task until its stream ends.
func RunWatch(ctx context.Context, config Config, addr, taskID, flags string) (stdout, stderr []byte, err error) {
	args := fmt.Sprintf("watch %s --server-url http://%s --reconnect-delay 100ms %s", taskID, addr, flags)
	return testutils.RunTaskstream(ctx, nil, config.Binary, args, true)
}
