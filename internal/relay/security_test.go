package relay

import (
	"net/http"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverOriginGate(t *testing.T) {
	_, ts := newTestRelay(t, func(o *Options) {
		// testextension is the fake extension's own origin.
		o.AllowedExtensionIDs = []string{"goodext", "testextension"}
	})
	dialExtension(t, ts, "?id=p1", nil)

	// Web origins are rejected before the handshake.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/cdp/a"),
		http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Non-allow-listed extensions too.
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "/cdp/b"),
		http.Header{"Origin": {"chrome-extension://badext"}})
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDriverTokenGate(t *testing.T) {
	_, ts := newTestRelay(t, func(o *Options) {
		o.Token = "s3cret"
	})
	dialExtension(t, ts, "?id=p1", nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/cdp/a"), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "/cdp/a?token=wrong"), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/cdp/a?token=s3cret"), nil)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestExtensionOriginGate(t *testing.T) {
	_, ts := newTestRelay(t, func(o *Options) {
		o.AllowedExtensionIDs = []string{"goodext"}
	})

	// No origin: extensions always send one.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/extension"), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "/extension"),
		http.Header{"Origin": {"chrome-extension://badext"}})
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/extension"),
		http.Header{"Origin": {"chrome-extension://goodext"}})
	require.NoError(t, err)
	_ = ws.Close()
}

func TestPrivilegedGate(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("cli ok"))
	})
	_, ts := newTestRelay(t, func(o *Options) {
		o.Token = "s3cret"
		o.CLIHandler = okHandler
	})

	do := func(method, path string, headers map[string]string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, ts.URL+path, strings.NewReader("{}"))
		require.NoError(t, err)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp
	}

	// Cross-origin browser requests are blocked by Sec-Fetch-Site.
	resp := do(http.MethodGet, "/cli/run", map[string]string{
		"Sec-Fetch-Site": "cross-site", "Authorization": "Bearer s3cret",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// POST requires a preflight-forcing content type.
	resp = do(http.MethodPost, "/cli/run", map[string]string{
		"Authorization": "Bearer s3cret", "Content-Type": "text/plain",
	})
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	// Token is required.
	resp = do(http.MethodGet, "/cli/run", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Bearer token, same-origin fetch, JSON POST: allowed.
	resp = do(http.MethodPost, "/cli/run", map[string]string{
		"Sec-Fetch-Site": "same-origin",
		"Authorization":  "Bearer s3cret",
		"Content-Type":   "application/json",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Query token works too.
	resp = do(http.MethodGet, "/cli/run?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoopbackChecks(t *testing.T) {
	assert.True(t, isLoopbackIP("127.0.0.1"))
	assert.True(t, isLoopbackIP("127.0.0.53"))
	assert.True(t, isLoopbackIP("::1"))
	assert.True(t, isLoopbackIP("::ffff:127.0.0.1"))
	assert.False(t, isLoopbackIP("192.168.1.10"))

	assert.True(t, isLoopbackHost("localhost"))
	assert.True(t, isLoopbackHost("127.0.0.1"))
	assert.False(t, isLoopbackHost("0.0.0.0"))
	assert.False(t, isLoopbackHost("example.com"))
}

func TestExtensionIDFromOrigin(t *testing.T) {
	assert.Equal(t, "abc", extensionIDFromOrigin("chrome-extension://abc"))
	assert.Equal(t, "abc", extensionIDFromOrigin("chrome-extension://abc/page.html"))
	assert.Equal(t, "", extensionIDFromOrigin("https://abc"))
}
