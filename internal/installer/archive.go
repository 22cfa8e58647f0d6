// Package installer is the default update.Installer. It installs signed
// tar archives into a directory of deployments and repoints "current".
package installer

import (
	"archive/tar"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shirou/gopsutil/v3/disk"
	log "github.com/sirupsen/logrus"

	"github.com/embuer/embuer/internal/update"
)

// Archive entry names.
const (
	ChangelogEntry = "CHANGELOG"
	SignatureEntry = "update.signature"
	PayloadEntry   = "rootfs.tar.zst"
)

const (
	currentLink   = "current"
	stagingSuffix = ".staging"

	maxChangelogSize = 1 << 20
	maxSignatureSize = 64 << 10
)

type Options struct {
	DeploymentsDir string
	PublicKey      *rsa.PublicKey
	MinFreeBytes   uint64
	HTTPTimeout    time.Duration
}

// Archive implements update.Installer.
type Archive struct {
	opts   Options
	client *http.Client
	boot   string
	log    *log.Entry

	// diskUsage is replaceable in tests.
	diskUsage func(ctx context.Context, path string) (uint64, error)

	mu      sync.Mutex
	current string
}

var _ update.Installer = (*Archive)(nil)

// New prepares the deployments directory and records the deployment that
// was current at startup as the boot deployment.
func New(opts Options) (*Archive, error) {
	if opts.DeploymentsDir == "" {
		return nil, errors.New("deployments directory not set")
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 5 * time.Minute
	}
	if err := os.MkdirAll(opts.DeploymentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create deployments directory: %w", err)
	}

	a := &Archive{
		opts: opts,
		client: &http.Client{
			// The body of a GET stays open across the confirmation episode, so
			// only the response headers are bounded.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: opts.HTTPTimeout,
				TLSHandshakeTimeout:   30 * time.Second,
			},
		},
		log:       log.WithField("component", "installer"),
		diskUsage: freeBytes,
	}
	a.boot = a.readCurrent()
	a.current = a.boot
	a.log.Infof("boot deployment: %q", a.boot)
	return a, nil
}

// BootDeployment is the deployment that was current when the service started.
func (a *Archive) BootDeployment() string {
	return a.boot
}

// CurrentDeployment is the deployment the next boot will use.
func (a *Archive) CurrentDeployment() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Archive) readCurrent() string {
	target, err := os.Readlink(filepath.Join(a.opts.DeploymentsDir, currentLink))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// Preflight runs in the Clearing phase: the source must be reachable, the
// deployments directory is tidied and there must be room for a new tree.
func (a *Archive) Preflight(ctx context.Context, src update.Source) error {
	if err := a.checkSource(ctx, src); err != nil {
		return err
	}
	if err := os.MkdirAll(a.opts.DeploymentsDir, 0o755); err != nil {
		return fmt.Errorf("create deployments directory: %w", err)
	}
	if err := a.clean(); err != nil {
		return fmt.Errorf("clear deployments: %w", err)
	}
	if a.opts.MinFreeBytes > 0 {
		free, err := a.diskUsage(ctx, a.opts.DeploymentsDir)
		if err != nil {
			return fmt.Errorf("check free space: %w", err)
		}
		if free < a.opts.MinFreeBytes {
			return fmt.Errorf("not enough free space in %s: %d bytes free, %d required",
				a.opts.DeploymentsDir, free, a.opts.MinFreeBytes)
		}
	}
	return nil
}

func freeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func (a *Archive) checkSource(ctx context.Context, src update.Source) error {
	switch src.Kind {
	case update.SourceFile:
		info, err := os.Stat(src.Location)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s is not a regular file", src.Location)
		}
		return nil
	case update.SourceURL:
		if err := checkURL(src.Location); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, a.opts.HTTPTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, src.Location, nil)
		if err != nil {
			return err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%s answered %s: %w", src.Location, resp.Status, update.ErrNoUpdateAvailable)
		}
		return nil
	default:
		return fmt.Errorf("unknown source kind %d", src.Kind)
	}
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	return nil
}

// clean removes leftover staging trees and every deployment other than the
// booted one and the current one.
func (a *Archive) clean() error {
	entries, err := os.ReadDir(a.opts.DeploymentsDir)
	if err != nil {
		return err
	}
	keep := map[string]bool{currentLink: true, a.boot: true, a.CurrentDeployment(): true}
	for _, e := range entries {
		name := e.Name()
		if keep[name] || !e.IsDir() {
			continue
		}
		if strings.HasSuffix(name, stagingSuffix) {
			a.log.Debugf("removing stale staging tree %s", name)
		} else {
			a.log.Infof("pruning old deployment %s", name)
		}
		if err := os.RemoveAll(filepath.Join(a.opts.DeploymentsDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// Open reads the archive up to the payload. The returned package holds the
// open stream until it is applied or closed.
func (a *Archive) Open(ctx context.Context, src update.Source) (update.Package, error) {
	rc, size, err := a.openStream(ctx, src)
	if err != nil {
		return nil, err
	}

	tr := tar.NewReader(rc)
	head, err := readHead(tr)
	if err != nil {
		rc.Close()
		return nil, err
	}

	ver := head.version()
	a.log.Infof("read update %s from %s (%d bytes archive, %d bytes payload)", ver, src, size, head.payload.Size)
	if cur := deploymentVersion(a.CurrentDeployment()); cur != "" && !Newer(ver, cur) {
		a.log.Warnf("update %s is not newer than current deployment %s", ver, cur)
	}

	return &archivePackage{
		archive: a,
		stream:  rc,
		tr:      tr,
		head:    head,
	}, nil
}

func (a *Archive) openStream(ctx context.Context, src update.Source) (io.ReadCloser, int64, error) {
	if src.Kind == update.SourceFile {
		f, err := os.Open(src.Location)
		if err != nil {
			return nil, 0, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, info.Size(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Location, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("download %s: %s", src.Location, resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

type archiveHead struct {
	changelog string
	signature []byte
	payload   *tar.Header
}

func (h *archiveHead) version() string {
	return ExtractVersion(h.changelog)
}

// readHead advances tr to the payload entry, collecting the CHANGELOG and
// signature on the way. Unknown entries are skipped.
func readHead(tr *tar.Reader) (*archiveHead, error) {
	head := &archiveHead{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("archive has no %s entry", PayloadEntry)
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}

		switch filepath.Clean(hdr.Name) {
		case ChangelogEntry:
			data, err := readLimited(tr, maxChangelogSize)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", ChangelogEntry, err)
			}
			if !utf8.Valid(data) {
				return nil, fmt.Errorf("%s is not valid UTF-8", ChangelogEntry)
			}
			head.changelog = string(data)
		case SignatureEntry:
			data, err := readLimited(tr, maxSignatureSize)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", SignatureEntry, err)
			}
			if len(data) == 0 {
				return nil, fmt.Errorf("%s is empty", SignatureEntry)
			}
			head.signature = data
		case PayloadEntry:
			if head.signature == nil {
				return nil, fmt.Errorf("%s must precede %s", SignatureEntry, PayloadEntry)
			}
			head.payload = hdr
			return head, nil
		}
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("entry larger than %d bytes", limit)
	}
	return data, nil
}

// deploymentVersion recovers the version from a "<version>-<id>" name.
func deploymentVersion(name string) string {
	i := strings.LastIndex(name, "-")
	if i <= 0 {
		return ""
	}
	return name[:i]
}
