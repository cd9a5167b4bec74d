package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRobotsGuardAllowsAllWhenRobotsUnreachable(t *testing.T) {
	t.Parallel()

	dialErr := errors.New("dial tcp: connection refused")
	g := newRobotsGuard(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, dialErr
	}))

	resp, err := g.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.test/robots.txt", nil))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, resp.Body.Close()) })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, string(body))
	require.ErrorIs(t, g.takeFallback("shop.test"), dialErr)
	require.NoError(t, g.takeFallback("shop.test"))
}

func TestRobotsGuardPassesPageErrorsThrough(t *testing.T) {
	t.Parallel()

	dialErr := errors.New("dial tcp: connection refused")
	g := newRobotsGuard(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, dialErr
	}))

	_, err := g.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.test/p/1", nil))
	require.ErrorIs(t, err, dialErr)
	require.NoError(t, g.takeFallback("shop.test"))
}

func TestRobotsGuardKeepsRealRobots(t *testing.T) {
	t.Parallel()

	g := newRobotsGuard(roundTripFunc(func(*http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		_, _ = rec.WriteString("User-agent: *\nDisallow: /")
		return rec.Result(), nil
	}))

	resp, err := g.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.test/robots.txt", nil))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, resp.Body.Close()) })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Disallow")
	require.NoError(t, g.takeFallback("shop.test"))
}

func TestRobotsGuardDoesNotMaskCancellation(t *testing.T) {
	t.Parallel()

	g := newRobotsGuard(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, context.Canceled
	}))

	_, err := g.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.test/robots.txt", nil))
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, (*robotsGuard)(nil).takeFallback("shop.test"))
}

// --- fakes ---

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
