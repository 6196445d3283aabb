package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputDrain(t *testing.T) {
	out := &Output{}
	assert.Nil(t, out.Drain())

	_, _ = out.WriteString("a")
	_, _ = fmt.Fprint(out, "b")
	assert.Equal(t, 2, out.Len())
	assert.Equal(t, []byte("ab"), out.Drain())
	assert.Equal(t, 0, out.Len())
	assert.Nil(t, out.Drain(), "drained output is not returned twice")
}

func TestOutputFrom(t *testing.T) {
	out := &Output{}
	ctx := WithOutput(context.Background(), out)
	_, _ = fmt.Fprint(OutputFrom(ctx), "dump")
	assert.Equal(t, "dump", string(out.Drain()))

	w := OutputFrom(context.Background())
	n, err := w.Write([]byte("lost"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestHandlerApp(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(OutputFrom(r.Context()), "debug;")
		w.Header().Set("X-Method", r.Method)
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "hi %s", r.URL.Query().Get("name"))
	})
	a := FromHandler(mux)
	resets := 0
	a.OnReset = func() { resets++ }

	require.NoError(t, a.Initialize(context.Background()))
	a.Reset()
	assert.Equal(t, 1, resets)

	out := &Output{}
	resp, err := a.HandleRequest(&Request{Method: "POST", URL: "/hello?name=bob", Header: http.Header{}}, out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, "POST", resp.Header.Get("X-Method"))
	assert.Equal(t, "hi bob", string(resp.Body))
	assert.Equal(t, "debug;", string(out.Drain()))
}

func TestHandlerAppHost(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("api.example.com/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "api host="+r.Host)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "default host="+r.Host)
	})
	a := FromHandler(mux)

	resp, err := a.HandleRequest(&Request{Method: "GET", URL: "/x", Host: "api.example.com", Header: http.Header{}}, &Output{})
	require.NoError(t, err)
	assert.Equal(t, "api host=api.example.com", string(resp.Body))

	// server variables are the fallback
	resp, err = a.HandleRequest(&Request{Method: "GET", URL: "/x", Server: map[string]string{"HTTP_HOST": "www.example.com"}}, &Output{})
	require.NoError(t, err)
	assert.Equal(t, "default host=www.example.com", string(resp.Body))
}

func TestHandlerAppRender(t *testing.T) {
	resp := FromHandler(http.NotFoundHandler()).Render(&Request{}, errors.New("x"))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.NotEmpty(t, resp.Body)
}

func TestRegistry(t *testing.T) {
	Register("test-app", func() Application { return FromHandler(http.NotFoundHandler()) })

	a, err := New("test-app")
	require.NoError(t, err)
	assert.NotNil(t, a)
	assert.Contains(t, Names(), "test-app")

	_, err = New("nope")
	assert.Error(t, err)
}

func TestRequestContext(t *testing.T) {
	r := &Request{}
	assert.NotNil(t, r.Context())
	type key struct{}
	r2 := r.WithContext(context.WithValue(context.Background(), key{}, 1))
	assert.Equal(t, 1, r2.Context().Value(key{}))
	assert.Nil(t, r.Context().Value(key{}))
}
