package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	// Installed and waiting to be activated.
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// Installation failed, the worker is unusable.
	StateRedundant State = "redundant"
)

var (
	// ErrNotInstalled is returned when activating a worker that did not install.
	ErrNotInstalled = errors.New("worker not installed")
	// ErrNoOrigin is returned when installing relative manifest URLs without an origin.
	// Requests could not be matched to the stored entries.
	ErrNoOrigin = errors.New("relative manifest url without origin")
)

// ResourceOutcome is the result of caching one manifest URL.
type ResourceOutcome struct {
	URL      string        `json:"url"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Attempts uint          `json:"attempts"`
	Took     time.Duration `json:"took"`
}

func (o ResourceOutcome) OK() bool {
	return o.Err == nil
}

// InstallReport tells how the manifest was cached.
type InstallReport struct {
	CacheName string            `json:"cacheName"`
	Resources []ResourceOutcome `json:"resources"`
}

// Cached returns the URLs that were stored.
func (r InstallReport) Cached() []string {
	urls := make([]string, 0, len(r.Resources))
	for _, o := range r.Resources {
		if o.OK() {
			urls = append(urls, o.URL)
		}
	}
	return urls
}

// Failed returns the outcomes of the URLs that could not be stored.
func (r InstallReport) Failed() []ResourceOutcome {
	var failed []ResourceOutcome
	for _, o := range r.Resources {
		if !o.OK() {
			failed = append(failed, o)
		}
	}
	return failed
}

// State returns the lifecycle state of the worker.
func (w *Worker) State() State {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.log.Debug().Str("from", string(w.state)).Str("to", string(state)).Msg("Worker state")
	w.state = state
}

// Install opens the cache store and caches the manifest, then activates the worker
// without waiting. Every manifest URL is cached independently: failures are reported
// per URL and never fail the installation. Only failing to open the store does, or a
// relative manifest URL without an origin to resolve it against.
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	w.setState(StateInstalling)
	report := InstallReport{CacheName: w.cacheName}

	targets := make([]string, len(w.manifest))
	for i, u := range w.manifest {
		target, err := w.resolve(u)
		if err != nil {
			w.setState(StateRedundant)
			return report, err
		}
		targets[i] = target
	}

	if _, err := w.storage.Open(ctx, w.cacheName); err != nil {
		w.setState(StateRedundant)
		return report, fmt.Errorf("open cache %s: %w", w.cacheName, err)
	}

	report.Resources = make([]ResourceOutcome, len(w.manifest))
	var g errgroup.Group
	g.SetLimit(w.installConcurrency)
	for i, u := range w.manifest {
		g.Go(func() error {
			// each goroutine writes its own slot
			report.Resources[i] = w.cacheResource(ctx, u, targets[i])
			return nil
		})
	}
	_ = g.Wait()

	failed := report.Failed()
	w.log.Info().
		Int("cached", len(report.Resources)-len(failed)).
		Int("failed", len(failed)).
		Msg("Installed")
	w.setState(StateInstalled)

	if err := w.SkipWaiting(ctx); err != nil {
		return report, err
	}
	return report, nil
}

func (w *Worker) cacheResource(ctx context.Context, rawURL, target string) ResourceOutcome {
	start := time.Now()
	outcome := ResourceOutcome{URL: rawURL}
	log := w.log.With().Str("url", rawURL).Logger()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err == nil {
		err = retry.Do(
			func() error {
				outcome.Attempts++
				return w.strategies.Store(ctx, req)
			},
			retry.Context(ctx),
			retry.Attempts(w.installAttempts),
			retry.DelayType(retry.BackOffDelay),
			retry.Delay(w.installDelay),
			retry.OnRetry(func(n uint, err error) {
				log.Debug().Err(err).Uint("attempt", n+1).Msg("Retrying manifest resource")
			}),
			retry.LastErrorOnly(true),
		)
	}
	outcome.Took = time.Since(start)

	if err != nil {
		outcome.Err = err
		outcome.Error = err.Error()
		w.metrics.InstallResources.WithLabelValues("error").Inc()
		log.Warn().Err(err).Uint("attempts", outcome.Attempts).Msg("Could not cache manifest resource")
		return outcome
	}
	w.metrics.InstallResources.WithLabelValues("ok").Inc()
	log.Trace().Dur("took", outcome.Took).Msg("Cached manifest resource")
	return outcome
}

// resolve returns the absolute URL of a manifest entry, keyed like the requests for it.
func (w *Worker) resolve(rawURL string) (string, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse manifest url %q: %w", rawURL, err)
	}
	if w.origin != nil {
		ref = w.origin.ResolveReference(ref)
	}
	if !ref.IsAbs() || ref.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrNoOrigin, rawURL)
	}
	return ref.String(), nil
}

// SkipWaiting activates an installed worker at once.
// It does nothing if the worker is not waiting.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	if state := w.State(); state != StateInstalled {
		w.log.Trace().Str("state", string(state)).Msg("Not waiting, nothing to skip")
		return nil
	}
	return w.Activate(ctx)
}

// Activate deletes every cache store except the current one and claims the open clients.
// Activating an active worker runs the cleanup again.
func (w *Worker) Activate(ctx context.Context) error {
	switch w.State() {
	case StateInstalled, StateActivated:
	default:
		return ErrNotInstalled
	}
	w.setState(StateActivating)

	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == w.cacheName {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.setState(StateInstalled)
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
		w.log.Info().Str("old", name).Msg("Deleted old cache")
	}

	if err := w.clients.Claim(ctx); err != nil {
		// the worker controls new pages either way
		w.log.Warn().Err(err).Msg("Could not claim all clients")
	}
	w.setState(StateActivated)
	return nil
}
