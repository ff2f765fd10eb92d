package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// readinessProbe checks whether the app's dev server accepts requests.
// A 2xx response means ready; connection refused or any other status means
// not ready yet.
type readinessProbe struct {
	log      *zap.SugaredLogger
	url      string
	interval time.Duration
	client   *http.Client
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func newReadinessProbe(log *zap.SugaredLogger, url string, interval time.Duration) *readinessProbe {
	retryClient := retryablehttp.NewClient()
	// the wait loop owns retrying, one attempt per tick
	retryClient.RetryMax = 0
	retryClient.Logger = &logAdapter{SugaredLogger: log}
	retryClient.HTTPClient.Timeout = 2 * time.Second
	return &readinessProbe{
		log:      log.Named("probe"),
		url:      url,
		interval: interval,
		client:   retryClient.StandardClient(),
	}
}

func (p *readinessProbe) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probing %s: %w", p.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// wait polls the probe until it succeeds or ctx is done.
func (p *readinessProbe) wait(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := p.check(ctx)
			if err == nil {
				p.log.Debug("probe succeeded, app is ready")
				return nil
			}
			p.log.Debugf("not ready yet: %s", err)
		}
	}
}
