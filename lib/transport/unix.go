package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	acceptTimeout   = 5 * time.Second
	socketWaitTries = 50
	socketWaitStep  = 100 * time.Millisecond
)

// UnixConfig is the config for KindDomainSocket.
type UnixConfig struct {
	Path   string // Path to the Unix domain socket
	Listen bool   // True for the accepting side, false for the dialing side
}

// NewSocketPath returns a fresh socket path in the temp directory.
func NewSocketPath() string {
	return filepath.Join(os.TempDir(), "baselink-"+uuid.NewString()[:8]+".sock")
}

func openDomainSocket(ctx context.Context, config []byte) (Transport, error) {
	var cfg UnixConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, ErrBadConfig
	}

	if cfg.Listen {
		return ListenUnix(ctx, cfg.Path)
	}
	return DialUnix(ctx, cfg.Path)
}

// ListenUnix listens on path and accepts exactly one connection.
func ListenUnix(ctx context.Context, path string) (*Stream, error) {
	// Clean up any stale socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket listener: %w", err)
	}

	connChan := make(chan net.Conn, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return NewStream(conn, conn, conn, listener, removeFile(path)), nil
	case err := <-errChan:
		listener.Close()
		return nil, fmt.Errorf("failed to accept connection: %w", err)
	case <-time.After(acceptTimeout):
		listener.Close()
		return nil, fmt.Errorf("timeout waiting for connection on %s", path)
	case <-ctx.Done():
		listener.Close()
		return nil, ctx.Err()
	}
}

// DialUnix connects to a socket created by ListenUnix, waiting for the
// socket file to appear.
func DialUnix(ctx context.Context, path string) (*Stream, error) {
	for i := 0; i < socketWaitTries; i++ {
		if _, err := os.Stat(path); err == nil {
			break
		}
		select {
		case <-time.After(socketWaitStep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Unix socket: %w", err)
	}

	return NewStream(conn, conn, conn), nil
}

type removeFile string

func (r removeFile) Close() error {
	if err := os.Remove(string(r)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
