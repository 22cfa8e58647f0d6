package installer

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/embuer/embuer/internal/update"
)

// Submitter queues install requests. *update.Service implements it.
type Submitter interface {
	InstallFromURL(url string) (string, error)
	Status() update.Status
}

// Checker asks the service to install from a fixed URL at a fixed interval.
// Whether there is anything new is decided by the pre-flight HEAD request.
// Once an update has been installed the checker stops: the new deployment
// only takes effect after a reboot, and checking again would reinstall it.
type Checker struct {
	url      string
	interval time.Duration
	submit   Submitter
	log      *log.Entry
}

func NewChecker(url string, interval time.Duration, submit Submitter) *Checker {
	return &Checker{
		url:      url,
		interval: interval,
		submit:   submit,
		log:      log.WithFields(log.Fields{"component": "checker", "url": url}),
	}
}

// Start runs one check immediately and then one per interval until an
// update has been installed or ctx is cancelled.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Infof("periodic update check every %s", c.interval)
	if c.check() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("periodic update check stopped")
			return
		case <-ticker.C:
			if c.check() {
				return
			}
		}
	}
}

// check reports whether checking is over.
func (c *Checker) check() bool {
	if st := c.submit.Status(); st.Phase == update.Completed {
		c.log.Infof("update installed (%s), periodic update check stopped", st.Details)
		return true
	}

	msg, err := c.submit.InstallFromURL(c.url)
	switch {
	case err == nil:
		c.log.Debug(msg)
	case errors.Is(err, update.ErrBusy):
		c.log.Debug("update in progress, skipping check")
	case errors.Is(err, update.ErrClosed):
		c.log.Debug("service closed, skipping check")
	default:
		c.log.Warnf("update check failed: %v", err)
	}
	return false
}
