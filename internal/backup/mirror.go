package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Mirror copies the tree at src into the empty directory dst. When base is
// not empty it names the previous snapshot of the same tier; unchanged files
// are hard-linked from it instead of copied. Files absent from src are
// absent from dst.
type Mirror interface {
	Mirror(ctx context.Context, src, dst, base string) error
}

// RsyncMirror shells out to rsync with --link-dest.
type RsyncMirror struct {
	Path string
}

func (m RsyncMirror) Mirror(ctx context.Context, src, dst, base string) error {
	bin := m.Path
	if bin == "" {
		bin = "rsync"
	}
	args := []string{"-a", "--delete"}
	if base != "" {
		args = append(args, "--link-dest="+base)
	}
	args = append(args, strings.TrimSuffix(src, "/")+"/", strings.TrimSuffix(dst, "/")+"/")

	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("rsync: %w: %s", err, msg)
	}
	return nil
}

// LinkMirror mirrors the tree in-process. A file is considered unchanged
// when its size, modification time and permissions match the base copy.
type LinkMirror struct{}

func (LinkMirror) Mirror(ctx context.Context, src, dst, base string) error {
	root, err := os.Stat(src)
	if err != nil {
		return err
	}
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if rel == "." {
				return nil
			}
			return os.Mkdir(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			if base != "" && unchanged(info, filepath.Join(base, rel)) {
				if err := os.Link(filepath.Join(base, rel), target); err == nil {
					return nil
				}
			}
			return copyFile(path, target, info)
		default:
			// sockets, devices and pipes are not mirrored
			return nil
		}
	})
	if err != nil {
		return err
	}
	// The root mode goes on last; a read-only root would refuse the copies.
	return os.Chmod(dst, root.Mode().Perm())
}

func unchanged(info fs.FileInfo, basePath string) bool {
	prev, err := os.Lstat(basePath)
	if err != nil || !prev.Mode().IsRegular() {
		return false
	}
	return prev.Size() == info.Size() &&
		prev.ModTime().Equal(info.ModTime()) &&
		prev.Mode().Perm() == info.Mode().Perm()
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// NewMirror returns the mirror named kind ("rsync" or "native").
func NewMirror(kind, rsyncPath string) (Mirror, error) {
	switch kind {
	case "rsync", "":
		return RsyncMirror{Path: rsyncPath}, nil
	case "native":
		return LinkMirror{}, nil
	default:
		return nil, errors.New("unknown mirror " + kind)
	}
}
