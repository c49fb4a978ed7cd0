// Package relay implements a provider that exchanges snapshots through a
// statemesh relay server. It supports push: Subscribe long-polls the relay's
// watch endpoint and hands every new revision to the caller.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/statemesh/internal/model"
	"github.com/njoerd114/statemesh/internal/provider"
	relaysrv "github.com/njoerd114/statemesh/internal/relay"
	"github.com/njoerd114/statemesh/internal/retry"
)

// maxResponseBytes mirrors the server's upload cap.
const maxResponseBytes = 8 << 20

// Options configures a relay [Provider].
type Options struct {
	// URL is the relay base URL, e.g. "https://relay.example.net".
	URL string

	// Space selects the snapshot slot. Empty means [provider.DefaultSpace].
	Space string

	// Token is sent as a bearer token when non-empty.
	Token string

	// HTTPClient defaults to a client without a global timeout; every call
	// is bounded by its context instead.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Provider talks to one space on a relay server.
type Provider struct {
	name   string
	base   *url.URL
	space  string
	token  string
	client *http.Client
	log    *slog.Logger
}

var (
	_ provider.Provider   = (*Provider)(nil)
	_ provider.Subscriber = (*Provider)(nil)
)

// New validates opts and returns a provider. It does not contact the relay.
func New(name string, opts Options) (*Provider, error) {
	if opts.URL == "" {
		return nil, errors.New("relay url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing relay url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("relay url %q: scheme must be http or https", opts.URL)
	}
	if opts.Space == "" {
		opts.Space = provider.DefaultSpace
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Provider{
		name:   name,
		base:   base,
		space:  opts.Space,
		token:  opts.Token,
		client: opts.HTTPClient,
		log:    opts.Logger,
	}, nil
}

// Name implements [provider.Provider].
func (p *Provider) Name() string { return p.name }

func (p *Provider) endpoint(path string, query url.Values) string {
	u := *p.base
	u.Path = p.base.Path + "/v1/spaces/" + p.space + "/" + path
	u.RawPath = p.base.EscapedPath() + "/v1/spaces/" + url.PathEscape(p.space) + "/" + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (p *Provider) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("building request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	return resp, nil
}

// Read implements [provider.Provider].
func (p *Provider) Read(ctx context.Context) (*model.Snapshot, error) {
	resp, err := p.do(ctx, http.MethodGet, p.endpoint("snapshot", nil), nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		snap, _, err := decodeSnapshot(resp)
		if err != nil {
			return nil, err
		}
		return &snap, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, statusError(resp)
	}
}

// Write implements [provider.Provider].
func (p *Provider) Write(ctx context.Context, snap model.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encoding snapshot: %w", err))
	}
	resp, err := p.do(ctx, http.MethodPut, p.endpoint("snapshot", nil), body)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// Subscribe implements [provider.Subscriber]. Transient failures are retried
// with backoff; it returns nil once ctx is cancelled and an error only when
// the relay rejects the request outright (for example a bad token).
func (p *Provider) Subscribe(ctx context.Context, fn func(model.Snapshot)) error {
	var after uint64
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		snap, rev, err := p.watch(ctx, after)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if retry.IsPermanent(err) {
				return fmt.Errorf("relay watch: %w", err)
			}
			delay := retry.Delay(failures)
			failures++
			p.log.Warn("relay watch failed, reconnecting",
				"provider", p.name, "error", err, "retry_in", delay.Round(time.Millisecond))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		// A relay restarted without persistence reports a lower revision.
		if rev < after {
			p.log.Info("relay revision went backwards, resetting watch", "provider", p.name, "from", after, "to", rev)
		}
		after = rev

		if snap != nil {
			fn(*snap)
		}
	}
}

// watch performs one long-poll. A nil snapshot means the poll window
// elapsed without a change.
func (p *Provider) watch(ctx context.Context, after uint64) (*model.Snapshot, uint64, error) {
	q := url.Values{"after": []string{strconv.FormatUint(after, 10)}}
	resp, err := p.do(ctx, http.MethodGet, p.endpoint("watch", q), nil)
	if err != nil {
		return nil, after, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		snap, rev, err := decodeSnapshot(resp)
		if err != nil {
			return nil, after, err
		}
		return &snap, rev, nil
	case http.StatusNoContent:
		rev, err := revision(resp)
		if err != nil {
			return nil, after, nil
		}
		return nil, rev, nil
	default:
		return nil, after, statusError(resp)
	}
}

func decodeSnapshot(resp *http.Response) (model.Snapshot, uint64, error) {
	var snap model.Snapshot
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&snap); err != nil {
		return model.Snapshot{}, 0, fmt.Errorf("decoding relay snapshot: %w", err)
	}
	snap.Normalize()
	rev, err := revision(resp)
	if err != nil {
		return model.Snapshot{}, 0, err
	}
	return snap, rev, nil
}

func revision(resp *http.Response) (uint64, error) {
	v := resp.Header.Get(relaysrv.RevisionHeader)
	rev, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("relay sent invalid revision %q", v)
	}
	return rev, nil
}

// statusError turns an unexpected response into an error. Client errors are
// permanent; server errors may succeed on retry.
func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("relay returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
}
