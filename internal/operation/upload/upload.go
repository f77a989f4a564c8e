// Package upload provides the runner for upload mode: a local file or tree
// mirrored into a remote directory on every target.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/eugenetaranov/jumpexec/internal/connector"
	"github.com/eugenetaranov/jumpexec/internal/inventory"
	"github.com/eugenetaranov/jumpexec/internal/operation"
	"github.com/eugenetaranov/jumpexec/internal/report"
)

// Runner uploads one transfer to one target per call.
type Runner struct {
	transfer inventory.Transfer
	logger   *zap.Logger
}

// Option configures the runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// New creates a runner for the given transfer.
func New(transfer inventory.Transfer, opts ...Option) *Runner {
	r := &Runner{
		transfer: transfer,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the mode identifier.
func (r *Runner) Name() string {
	return "upload"
}

// NewRecord returns an empty upload result for target.
func (r *Runner) NewRecord(target inventory.Target) report.Record {
	return report.NewUploadResult(target)
}

// Run uploads the local path into the remote directory. Every file is
// attempted even when earlier files failed.
func (r *Runner) Run(ctx context.Context, conn connector.Connector, target inventory.Target) report.Record {
	res := report.NewUploadResult(target)
	log := r.logger.With(zap.String("target", target.Label()), zap.String("host", target.Host))

	log.Info("starting file upload",
		zap.String("local_path", r.transfer.LocalPath),
		zap.String("remote_path", r.transfer.RemotePath))
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("close failed", zap.Error(err))
		}
		log.Debug("closed connections")
	}()

	info, err := os.Stat(r.transfer.LocalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = &inventory.ValidationError{
				Reason: fmt.Sprintf("local path does not exist: %s", r.transfer.LocalPath),
			}
		} else {
			err = fmt.Errorf("failed to stat local path %s: %w", r.transfer.LocalPath, err)
		}
		res.Fail(err)
		log.Error("upload failed", zap.String("error", res.Error))
		return res
	}

	if err := conn.Connect(ctx); err != nil {
		res.Fail(err)
		log.Error("upload failed", zap.String("error", res.Error))
		return res
	}

	tr, err := conn.OpenTransfer(ctx)
	if err != nil {
		res.Fail(err)
		log.Error("upload failed", zap.String("error", res.Error))
		return res
	}
	defer func() {
		if err := tr.Close(); err != nil {
			log.Debug("transfer close failed", zap.Error(err))
		}
	}()

	remoteRoot := r.transfer.RemotePath
	if err := ensureDir(ctx, tr, remoteRoot); err != nil {
		res.Fail(&operation.DirectoryError{Path: remoteRoot, Root: true, Err: err})
		log.Error("upload failed", zap.String("error", res.Error))
		return res
	}

	u := &uploader{ctx: ctx, tr: tr, res: res, log: log}
	if info.IsDir() {
		u.walk(r.transfer.LocalPath, remoteRoot)
	} else {
		u.file(r.transfer.LocalPath, path.Join(remoteRoot, filepath.Base(r.transfer.LocalPath)))
	}

	if len(res.Failed) > 0 {
		if res.Error == "" {
			res.Fail(&operation.PartialError{Failed: len(res.Failed), Errs: multierr.Combine(u.errs...)})
		}
		res.Success = false
	}

	log.Info("upload completed",
		zap.Int("uploaded", len(res.Uploaded)),
		zap.Int("failed", len(res.Failed)),
		zap.Bool("success", res.Success))
	return res
}

// uploader holds the state of one target's transfer.
type uploader struct {
	ctx  context.Context
	tr   connector.Transfer
	res  *report.UploadResult
	log  *zap.Logger
	errs []error
}

// walk mirrors the tree under localRoot into remoteRoot. Directories are
// visited depth-first in lexical order. When a directory cannot be created,
// every file below it is recorded failed and the walk moves on.
func (u *uploader) walk(localRoot, remoteRoot string) {
	// Walk the resolved root so a symlinked top-level directory is descended.
	walkRoot, err := filepath.EvalSymlinks(localRoot)
	if err != nil {
		walkRoot = localRoot
	}

	var blockedDir string
	var blockedErr error

	_ = filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		rel, relErr := filepath.Rel(walkRoot, p)
		if relErr != nil {
			return nil
		}
		local := filepath.Join(localRoot, rel)
		remote := remoteRoot
		if rel != "." {
			remote = path.Join(remoteRoot, filepath.ToSlash(rel))
		}

		if err != nil {
			u.fail(local, remote, err)
			return nil
		}

		if blockedDir != "" && !within(blockedDir, rel) {
			blockedDir, blockedErr = "", nil
		}

		if d.IsDir() {
			if rel == "." || blockedDir != "" {
				return nil
			}
			if err := ensureDir(u.ctx, u.tr, remote); err != nil {
				blockedDir = rel
				blockedErr = &operation.DirectoryError{Path: remote, Err: err}
				u.log.Warn("failed to create directory", zap.String("remote", remote), zap.Error(err))
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			if fi, err := os.Stat(p); err == nil && fi.IsDir() {
				return nil
			}
		}

		if blockedDir != "" {
			u.fail(local, remote, blockedErr)
			return nil
		}
		u.file(local, remote)
		return nil
	})
}

// file uploads one local file, keeping its permission bits.
func (u *uploader) file(local, remote string) {
	u.log.Debug("uploading file", zap.String("local", local), zap.String("remote", remote))

	f, err := os.Open(local)
	if err != nil {
		u.fail(local, remote, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		u.fail(local, remote, err)
		return
	}
	if !info.Mode().IsRegular() {
		u.fail(local, remote, fmt.Errorf("not a regular file"))
		return
	}

	if err := u.tr.Upload(u.ctx, f, remote, uint32(info.Mode().Perm())); err != nil {
		u.fail(local, remote, err)
		return
	}
	u.res.AddUploaded(local, remote)
}

func (u *uploader) fail(local, remote string, err error) {
	u.res.AddFailed(local, remote, err)
	u.errs = append(u.errs, &operation.TransferError{Local: local, Remote: remote, Err: err})
	u.log.Warn("failed to upload file", zap.String("local", local), zap.String("error", err.Error()))
}

// ensureDir makes sure p exists as a directory. A directory created
// concurrently by another writer counts as success.
func ensureDir(ctx context.Context, tr connector.Transfer, p string) error {
	fi, err := tr.Stat(ctx, p)
	if err == nil {
		if fi.IsDir() {
			return nil
		}
		return fmt.Errorf("%s exists and is not a directory", p)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := tr.Mkdir(ctx, p); err != nil {
		if fi, serr := tr.Stat(ctx, p); serr == nil && fi.IsDir() {
			return nil
		}
		return err
	}
	return nil
}

// within reports whether rel is dir or below it.
func within(dir, rel string) bool {
	return rel == dir || strings.HasPrefix(rel, dir+string(filepath.Separator))
}

// Ensure Runner implements the operation.Operation interface.
var _ operation.Operation = (*Runner)(nil)
