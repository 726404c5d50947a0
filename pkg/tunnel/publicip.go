package tunnel

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	publicIPOnce  sync.Once
	publicIPValue string
	publicIPErr   error
)

// PublicIP returns this process's best-effort external IPv4/IPv6 address,
// looked up once per process via lookupURL (an IP-echo service) and cached
// for the lifetime of the process. Used when formatting tunnel URLs that
// need to advertise the server's address rather than a listener's bind
// address (e.g. ":0").
func PublicIP(ctx context.Context, lookupURL string, timeout time.Duration) (string, error) {
	publicIPOnce.Do(func() {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, lookupURL, nil)
		if err != nil {
			publicIPErr = err
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			publicIPErr = err
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		if err != nil {
			publicIPErr = err
			return
		}
		publicIPValue = strings.TrimSpace(string(body))
	})
	return publicIPValue, publicIPErr
}

// ResetPublicIPCache clears the cached lookup, used by tests that need to
// exercise PublicIP more than once within a process.
func ResetPublicIPCache() {
	publicIPOnce = sync.Once{}
	publicIPValue = ""
	publicIPErr = nil
}
