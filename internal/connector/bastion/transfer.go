package bastion

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/pkg/sftp"

	"github.com/eugenetaranov/jumpexec/internal/connector"
)

// transfer runs SFTP operations, each bounded by the connector timeout.
type transfer struct {
	conn    *Connector
	client  *sftp.Client
	timeout time.Duration
}

// Stat returns file info for a remote path.
func (t *transfer) Stat(ctx context.Context, path string) (fs.FileInfo, error) {
	var info fs.FileInfo
	err := connector.Bounded(ctx, t.timeout, "stat "+path, func() error {
		var err error
		info, err = t.client.Stat(path)
		return err
	}, nil)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Mkdir creates a single remote directory.
func (t *transfer) Mkdir(ctx context.Context, path string) error {
	return connector.Bounded(ctx, t.timeout, "mkdir "+path, func() error {
		return t.client.Mkdir(path)
	}, nil)
}

// Upload streams src into the remote file dst and applies mode. Each write
// is bounded by the timeout on its own, so a slow upload that keeps making
// progress never times out.
func (t *transfer) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	f, err := t.openFile(ctx, dst)
	if err != nil {
		return err
	}

	w := &boundedWriter{ctx: ctx, f: f, timeout: t.timeout, dst: dst}
	if _, err := io.Copy(w, src); err != nil {
		f.Close()
		if connector.IsTimeout(err) {
			return err
		}
		return fmt.Errorf("failed to write to %s: %w", dst, err)
	}

	err = connector.Bounded(ctx, t.timeout, "chmod "+dst, func() error {
		if err := f.Chmod(os.FileMode(mode)); err != nil {
			return fmt.Errorf("failed to chmod %s: %w", dst, err)
		}
		return f.Close()
	}, func() {
		f.Close()
	})
	if err != nil {
		f.Close()
		return err
	}
	return nil
}

// boundedWriter writes to a remote file with a deadline per Write call.
type boundedWriter struct {
	ctx     context.Context
	f       *sftp.File
	timeout time.Duration
	dst     string
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	var n int
	err := connector.Bounded(w.ctx, w.timeout, "upload "+w.dst, func() error {
		var err error
		n, err = w.f.Write(p)
		return err
	}, func() {
		w.f.Close()
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (t *transfer) openFile(ctx context.Context, dst string) (*sftp.File, error) {
	var f *sftp.File
	err := connector.Bounded(ctx, t.timeout, "open "+dst, func() error {
		var err error
		f, err = t.client.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return fmt.Errorf("failed to create file %s: %w", dst, err)
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Close releases the SFTP channel.
func (t *transfer) Close() error {
	return t.conn.closeSFTP()
}
