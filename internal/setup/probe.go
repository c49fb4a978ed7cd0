package setup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/njoerd114/statemesh/internal/provider"
)

// ProbeRelay verifies that a relay server is reachable at relayURL and that
// it accepts token for space. Returns nil on success.
func ProbeRelay(ctx context.Context, client *http.Client, relayURL, token, space string) error {
	if client == nil {
		client = http.DefaultClient
	}
	base := strings.TrimRight(relayURL, "/")

	status, err := get(ctx, client, base+"/healthz", "")
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", relayURL, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unexpected HTTP %d from %s/healthz", status, base)
	}

	if space == "" {
		space = provider.DefaultSpace
	}
	status, err = get(ctx, client, base+"/v1/spaces/"+url.PathEscape(space)+"/snapshot", token)
	if err != nil {
		return fmt.Errorf("reading space %q: %w", space, err)
	}
	switch {
	case status == http.StatusUnauthorized:
		return errors.New("relay rejected the token (HTTP 401)")
	case status == http.StatusOK, status == http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("unexpected HTTP %d reading space %q", status, space)
	}
}

func get(ctx context.Context, client *http.Client, url, token string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// ProbeDir makes sure dir exists (creating it if needed) and is writable.
func ProbeDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".statemesh-probe-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}
