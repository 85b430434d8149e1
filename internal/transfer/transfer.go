// Package transfer copies files to and from remote hosts over SFTP.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Stats summarizes one upload or download.
type Stats struct {
	Files    int
	Bytes    int64
	Checksum string // sha256 of the last file copied
}

// Client is a file-transfer session on one SSH connection. Remote paths are
// always slash-separated.
type Client struct {
	sftp     *sftp.Client
	logger   zerolog.Logger
	label    string
	progress ProgressFunc
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for transfer diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithProgress reports copied bytes to fn, labelled with label.
func WithProgress(label string, fn ProgressFunc) Option {
	return func(c *Client) {
		c.label = label
		c.progress = fn
	}
}

// NewClient opens the sftp subsystem on conn.
func NewClient(conn *ssh.Client, opts ...Option) (*Client, error) {
	sc, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	c := &Client{sftp: sc}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close ends the sftp session. The SSH connection stays open.
func (c *Client) Close() error {
	return c.sftp.Close()
}

// SetProgress replaces the progress callback.
func (c *Client) SetProgress(label string, fn ProgressFunc) {
	c.label = label
	c.progress = fn
}

// Stat returns the remote file info, following symlinks.
func (c *Client) Stat(p string) (os.FileInfo, error) {
	return c.sftp.Stat(p)
}

// Exists reports whether p exists remotely.
func (c *Client) Exists(p string) (bool, error) {
	_, err := c.sftp.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// IsFile reports whether p is a regular file. A missing path is not an error.
func (c *Client) IsFile(p string) (bool, error) {
	fi, err := c.sftp.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

// IsDir reports whether p is a directory. A missing path is not an error.
func (c *Client) IsDir(p string) (bool, error) {
	fi, err := c.sftp.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

// Open opens a remote file for reading.
func (c *Client) Open(p string) (*sftp.File, error) {
	return c.sftp.Open(p)
}

// Create creates or truncates a remote file for writing.
func (c *Client) Create(p string) (*sftp.File, error) {
	return c.sftp.Create(p)
}

// Utime sets the access and modification times of p.
func (c *Client) Utime(p string, atime, mtime time.Time) error {
	return c.sftp.Chtimes(p, atime, mtime)
}

// Mkdir creates p, and its missing parents when parents is set.
func (c *Client) Mkdir(p string, parents bool) error {
	if parents {
		return c.sftp.MkdirAll(p)
	}
	return c.sftp.Mkdir(p)
}

// Remove deletes p, and everything below it when recursive is set.
func (c *Client) Remove(p string, recursive bool) error {
	if recursive {
		return c.sftp.RemoveAll(p)
	}
	return c.sftp.Remove(p)
}

// Upload copies a local file or directory tree to remotePath. Each file is
// verified by reading it back and comparing SHA-256 checksums.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) (*Stats, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat local path: %w", err)
	}
	stats := &Stats{}
	if !fi.IsDir() {
		return stats, c.uploadFile(ctx, localPath, remotePath, fi, stats)
	}

	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		dst := path.Join(remotePath, filepath.ToSlash(rel))
		if d.IsDir() {
			if err := c.sftp.MkdirAll(dst); err != nil {
				return fmt.Errorf("create remote dir %s: %w", dst, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			c.logger.Debug().Str("path", p).Msg("skipping non-regular file")
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return c.uploadFile(ctx, p, dst, info, stats)
	})
	return stats, err
}

func (c *Client) uploadFile(ctx context.Context, localPath, remotePath string, fi os.FileInfo, stats *Stats) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer localFile.Close()

	// Use path (not filepath) because remotePath is always a Unix path.
	remoteDir := path.Dir(remotePath)
	if remoteDir != "." && remoteDir != "/" {
		if err := c.sftp.MkdirAll(remoteDir); err != nil {
			return fmt.Errorf("create remote dir %s: %w", remoteDir, err)
		}
	}

	remoteFile, err := c.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}

	hasher := sha256.New()
	pw := newProgressWriter(remoteFile, c.label, fi.Size(), c.progress)
	written, err := copyWithContext(ctx, io.MultiWriter(pw, hasher), localFile)
	// Close the remote file to flush writes before checksum verification.
	remoteFile.Close()
	stats.Bytes += written
	if err != nil {
		return fmt.Errorf("copy %s: %w", localPath, err)
	}

	if err := c.sftp.Chmod(remotePath, fi.Mode().Perm()); err != nil {
		c.logger.Debug().Err(err).Str("path", remotePath).Msg("chmod")
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	if err := c.verify(remotePath, checksum); err != nil {
		return err
	}
	stats.Files++
	stats.Checksum = checksum
	c.logger.Debug().Str("local", localPath).Str("remote", remotePath).Int64("bytes", written).Msg("uploaded")
	return nil
}

// Download copies a remote file or directory tree to localPath.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) (*Stats, error) {
	fi, err := c.sftp.Stat(remotePath)
	if err != nil {
		return nil, fmt.Errorf("stat remote path: %w", err)
	}
	stats := &Stats{}
	if !fi.IsDir() {
		return stats, c.downloadFile(ctx, remotePath, localPath, fi, stats)
	}

	walker := c.sftp.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return stats, err
		}
		rel, err := filepath.Rel(filepath.FromSlash(remotePath), filepath.FromSlash(walker.Path()))
		if err != nil {
			return stats, err
		}
		dst := filepath.Join(localPath, rel)
		info := walker.Stat()
		if info.IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return stats, fmt.Errorf("create local dir: %w", err)
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if err := c.downloadFile(ctx, walker.Path(), dst, info, stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (c *Client) downloadFile(ctx context.Context, remotePath, localPath string, fi os.FileInfo, stats *Stats) error {
	remoteFile, err := c.sftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote file: %w", err)
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create local dir: %w", err)
	}
	localFile, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	defer localFile.Close()

	hasher := sha256.New()
	pw := newProgressWriter(localFile, c.label, fi.Size(), c.progress)
	written, err := copyWithContext(ctx, io.MultiWriter(pw, hasher), remoteFile)
	stats.Bytes += written
	if err != nil {
		return fmt.Errorf("copy %s: %w", remotePath, err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	if err := c.verify(remotePath, checksum); err != nil {
		return err
	}
	stats.Files++
	stats.Checksum = checksum
	return nil
}

func (c *Client) verify(remotePath, checksum string) error {
	remote, err := remoteSHA256(c.sftp, remotePath)
	if err != nil {
		return fmt.Errorf("remote checksum verification failed: %w", err)
	}
	if remote != checksum {
		return fmt.Errorf("checksum mismatch for %s: local=%s remote=%s", remotePath, checksum, remote)
	}
	return nil
}

// remoteSHA256 computes the SHA-256 checksum of a remote file by reading it
// back over SFTP. This doesn't require sha256sum on the remote host.
func remoteSHA256(sc *sftp.Client, remotePath string) (string, error) {
	f, err := sc.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("open remote file for checksum: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("read remote file for checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// copyWithContext copies from src to dst, checking for context cancellation
// between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
