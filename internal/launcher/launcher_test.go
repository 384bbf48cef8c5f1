package launcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const def = "https://default.example.com/space/h5/home"

func TestValidURL(t *testing.T) {
	cases := map[string]bool{
		"https://example.com":            true,
		"HTTP://Example.com/path?q=1":    true,
		"http://localhost:8080/app":      true,
		"http://LOCALHOST":               true,
		"  https://example.com/x  ":      true,
		"http://192.168.1.10:3000/":      true,
		"":                               false,
		"example.com":                    false,
		"ftp://example.com":              false,
		"https://":                       false,
		"https://intranet/app":           false,
		"http://exa mple.com/%zz":        false,
		"javascript:alert(1)//https://a": false,
	}
	for in, want := range cases {
		assert.Equal(t, want, ValidURL(in), in)
	}
}

func TestValidBaseURL(t *testing.T) {
	base, sub := ValidBaseURL("", def)
	assert.Equal(t, def, base)
	assert.False(t, sub)

	base, sub = ValidBaseURL("not a url", def)
	assert.Equal(t, def, base)
	assert.True(t, sub)

	base, sub = ValidBaseURL(" https://app.example.org/h5 ", def)
	assert.Equal(t, "https://app.example.org/h5", base)
	assert.False(t, sub)
}

func TestBuildURL(t *testing.T) {
	got, err := BuildURL("https://app.example.org/h5", "", "DEFAULT")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.org/h5?AiToken=DEFAULT", got)

	got, err = BuildURL("https://app.example.org/h5?lang=en", "tok&en", "DEFAULT")
	require.NoError(t, err)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "tok&en", u.Query().Get(TokenParam))
	assert.Equal(t, "en", u.Query().Get("lang"))
}

func TestBuildURLKeepsBaseQuery(t *testing.T) {
	got, err := BuildURL("https://app.example.org/h5?z=1&a=%7E2#top", "t+x", "DEFAULT")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.org/h5?z=1&a=%7E2&AiToken=t%2Bx#top", got)

	got, err = BuildURL("https://app.example.org/h5?AiToken=old", "new", "DEFAULT")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.org/h5?AiToken=old&AiToken=new", got)
}

type countingProber struct {
	calls     int
	reachable bool
}

func (p *countingProber) Reachable(context.Context, string) bool {
	p.calls++
	return p.reachable
}

func TestResolveInvalidNeverProbes(t *testing.T) {
	p := &countingProber{reachable: true}
	r := &Resolver{DefaultURL: def, DefaultToken: "T", Prober: p}

	for _, in := range []string{"", "::::", "http://%41:80/", "intranet"} {
		res := r.Resolve(context.Background(), in, "abc")
		assert.Equal(t, def, res.Base, in)
		assert.Equal(t, def+"?AiToken=abc", res.URL, in)
	}
	assert.Zero(t, p.calls)
}

func TestResolveNotices(t *testing.T) {
	r := &Resolver{DefaultURL: def, DefaultToken: "T"}
	assert.Empty(t, r.Resolve(context.Background(), "", "").Notice)
	assert.Equal(t, NoticeInvalidURL, r.Resolve(context.Background(), "nope", "").Notice)

	res := r.Resolve(context.Background(), "https://app.example.org", "")
	assert.Empty(t, res.Notice)
	assert.Equal(t, "https://app.example.org?AiToken=T", res.URL)
}

func TestResolveUnreachable(t *testing.T) {
	p := &countingProber{reachable: false}
	r := &Resolver{DefaultURL: def, DefaultToken: "T", Prober: p}

	res := r.Resolve(context.Background(), "https://down.example.org/app", "x")
	assert.Equal(t, def, res.Base)
	assert.Equal(t, NoticeUnreachableURL, res.Notice)
	assert.Equal(t, 1, p.calls)
}

func TestHTTPProber(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer up.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	p := NewHTTPProber(time.Second, nil)
	p.client.RetryWaitMin = time.Millisecond
	p.client.RetryWaitMax = 5 * time.Millisecond

	assert.True(t, p.Reachable(context.Background(), up.URL))
	assert.False(t, p.Reachable(context.Background(), broken.URL))
}
