package actions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginPage = `<!DOCTYPE html>
<html>
<head><title>Acme Portal</title><script>var tracking = 1;</script></head>
<body>
  <h1>Customer Login</h1>
  <p>Sign in to manage your account.</p>
  <form action="/auth/login" method="post">
    <input type="text" name="username">
    <input type="password" name="password">
    <input type="hidden" name="csrf_token" value="abc">
  </form>
  <a href="/signup">Create account</a>
  <a href="https://status.acme.test/">Status page</a>
  <a href="#top">Back to top</a>
  <a href="javascript:void(0)">Noop</a>
</body>
</html>`

func newPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(loginPage))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBrowserFetchExtractsTitleAndText(t *testing.T) {
	srv := newPageServer(t)
	reg, _ := newCatalog(t, nil)

	result, err := call(t, reg, context.Background(), "browser_action", map[string]string{
		"action": "fetch",
		"url":    srv.URL + "/login",
	})
	require.NoError(t, err)

	m := resultMap(t, result)
	assert.Equal(t, "Acme Portal", m["title"])
	content, _ := m["content"].(string)
	assert.Contains(t, content, "Customer Login")
	assert.Contains(t, content, "Sign in to manage your account.")
	assert.NotContains(t, content, "var tracking", "script bodies must be stripped")
}

func TestBrowserLinksResolvesAndDeduplicates(t *testing.T) {
	srv := newPageServer(t)
	reg, _ := newCatalog(t, nil)

	result, err := call(t, reg, context.Background(), "browser_action", map[string]string{
		"action": "links",
		"url":    srv.URL + "/login",
	})
	require.NoError(t, err)

	m := resultMap(t, result)
	assert.Equal(t, 2, m["count"], "fragment and javascript links are skipped")

	links, _ := m["links"].([]map[string]any)
	require.Len(t, links, 2)
	assert.Equal(t, srv.URL+"/signup", links[0]["href"], "relative links resolve against the page URL")
	assert.Equal(t, "https://status.acme.test/", links[1]["href"])
}

func TestBrowserFormsListInputs(t *testing.T) {
	srv := newPageServer(t)
	reg, _ := newCatalog(t, nil)

	result, err := call(t, reg, context.Background(), "browser_action", map[string]string{
		"action": "forms",
		"url":    srv.URL + "/login",
	})
	require.NoError(t, err)

	m := resultMap(t, result)
	require.Equal(t, 1, m["count"])
	forms, _ := m["forms"].([]map[string]any)
	require.Len(t, forms, 1)
	assert.Equal(t, "POST", forms[0]["method"])
	assert.Equal(t, srv.URL+"/auth/login", forms[0]["action"])

	inputs, _ := forms[0]["inputs"].([]map[string]any)
	require.Len(t, inputs, 3)
	assert.Equal(t, "username", inputs[0]["name"])
	assert.Equal(t, "password", inputs[1]["type"])
	assert.Equal(t, "csrf_token", inputs[2]["name"])
}

func TestBrowserRejectsBadInputs(t *testing.T) {
	srv := newPageServer(t)
	reg, _ := newCatalog(t, nil)
	ctx := context.Background()

	_, err := call(t, reg, ctx, "browser_action", map[string]string{
		"action": "screenshot",
		"url":    srv.URL + "/login",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown browser action")

	_, err = call(t, reg, ctx, "browser_action", map[string]string{
		"action": "fetch",
		"url":    "ftp://example.com/file",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http or https")

	_, err = call(t, reg, ctx, "browser_action", map[string]string{
		"action": "fetch",
		"url":    srv.URL + "/missing",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}
