package installer

import (
	"archive/tar"
	"context"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/embuer/embuer/internal/update"
)

type archivePackage struct {
	archive *Archive
	stream  io.ReadCloser
	tr      *tar.Reader
	head    *archiveHead
}

func (p *archivePackage) Version() string   { return p.head.version() }
func (p *archivePackage) Changelog() string { return p.head.changelog }

func (p *archivePackage) Close() error {
	return p.stream.Close()
}

// Apply extracts the payload into a staging tree, verifies the signature
// over everything that was read, then promotes the tree and repoints
// current. Nothing outside the staging tree changes until the signature
// checks out.
func (p *archivePackage) Apply(ctx context.Context, progress update.ProgressFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a := p.archive
	name := deploymentName(p.Version())
	staging := filepath.Join(a.opts.DeploymentsDir, name+stagingSuffix)
	final := filepath.Join(a.opts.DeploymentsDir, name)

	if err := os.Mkdir(staging, 0o755); err != nil {
		return "", fmt.Errorf("create staging tree: %w", err)
	}
	promoted := false
	defer func() {
		if !promoted {
			os.RemoveAll(staging)
		}
	}()

	digest := sha512.New()
	src := &progressReader{
		ctx:      ctx,
		r:        io.TeeReader(p.tr, digest),
		total:    p.head.payload.Size,
		progress: progress,
	}
	if err := extractPayload(src, staging); err != nil {
		return "", err
	}
	// Drain trailing bytes so the digest covers the whole entry.
	if _, err := io.Copy(io.Discard, src); err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}

	if err := verifySignature(a.opts.PublicKey, digest.Sum(nil), p.head.signature); err != nil {
		return "", err
	}

	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("promote deployment: %w", err)
	}
	promoted = true

	if err := a.setCurrent(name); err != nil {
		return "", err
	}
	return name, nil
}

func deploymentName(version string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '+', r == '-':
			return r
		}
		return '_'
	}, version)
	return fmt.Sprintf("%s-%s", safe, uuid.NewString()[:8])
}

// setCurrent swaps the current link with a rename so readers never see it
// missing.
func (a *Archive) setCurrent(name string) error {
	dir := a.opts.DeploymentsDir
	tmp := filepath.Join(dir, fmt.Sprintf(".%s-%s", currentLink, uuid.NewString()))
	if err := os.Symlink(name, tmp); err != nil {
		return fmt.Errorf("link deployment: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, currentLink)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("switch current deployment: %w", err)
	}

	a.mu.Lock()
	a.current = name
	a.mu.Unlock()
	a.log.Infof("current deployment is now %s", name)
	return nil
}

func extractPayload(r io.Reader, root string) error {
	root, err := filepath.EvalSymlinks(root)
	if err != nil {
		return err
	}
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		if err := extractEntry(tr, hdr, root); err != nil {
			return err
		}
	}
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, root string) error {
	target, err := safeJoin(root, hdr.Name)
	if err != nil {
		return err
	}
	mode := os.FileMode(hdr.Mode).Perm()
	if err := checkParent(root, target); err != nil {
		return err
	}
	if hdr.Typeflag != tar.TypeDir {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
	}
	if target != root {
		if err := replaceExisting(target, hdr); err != nil {
			return err
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, mode|0o700)
	case tar.TypeReg:
		// O_EXCL refuses to follow a symlink left at target.
		f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", hdr.Name, err)
		}
		return f.Close()
	case tar.TypeSymlink:
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		old, err := safeJoin(root, hdr.Linkname)
		if err != nil {
			return err
		}
		return os.Link(old, target)
	default:
		// Devices and fifos are not part of deployment trees.
		return nil
	}
}

// replaceExisting removes what an earlier entry left at target so the new
// entry never writes through it. A directory is only kept for another
// directory entry.
func replaceExisting(target string, hdr *tar.Header) error {
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		if hdr.Typeflag == tar.TypeDir {
			return nil
		}
		return fmt.Errorf("payload entry %q replaces a directory", hdr.Name)
	}
	return os.Remove(target)
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if clean == "/" {
		return root, nil
	}
	target := filepath.Join(root, clean)
	if !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("payload entry %q escapes deployment root", name)
	}
	return target, nil
}

// checkParent rejects entries whose nearest existing ancestor resolves
// outside root through a symlink extracted earlier.
func checkParent(root, target string) error {
	dir := filepath.Dir(target)
	for dir != root {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	dir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return fmt.Errorf("payload entry %q escapes deployment root", target)
	}
	return nil
}

type progressReader struct {
	ctx      context.Context
	r        io.Reader
	read     int64
	total    int64
	progress update.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 && p.progress != nil && n > 0 {
		// 100 is reported by Complete once the deployment is switched.
		p.progress(int(min(p.read*100/p.total, 99)))
	}
	return n, err
}
