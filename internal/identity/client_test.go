package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me", r.URL.Path)
		assert.Equal(t, "Bearer tok-A", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":100,"name":"Alice","avatar":"https://img/a.png"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "https://img/default.png")
	user, err := c.Me(context.Background(), "tok-A")
	require.NoError(t, err)
	assert.Equal(t, int32(100), user.ID)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, "https://img/a.png", user.Avatar)
}

func TestMeDefaultAvatar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":7,"name":"NoFace"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "https://img/default.png")
	user, err := c.Me(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "https://img/default.png", user.Avatar)
}

func TestMeUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Me(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestMeMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":0}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Me(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMeUnreachable(t *testing.T) {
	// Point at a closed port.
	c := NewClient("http://127.0.0.1:1", "", WithTimeout(200*time.Millisecond))
	_, err := c.Me(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestMeCancelled(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	c := NewClient(srv.URL, "")
	_, err := c.Me(ctx, "tok")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	for i := 0; i < 10; i++ {
		_, err := c.Me(context.Background(), "tok")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnreachable)
	}
	// The breaker tripped after five consecutive failures; later calls do
	// not reach the upstream.
	assert.Equal(t, 5, calls)
}

func TestUnauthorizedDoesNotTripBreaker(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	for i := 0; i < 10; i++ {
		_, err := c.Me(context.Background(), "tok")
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.NotErrorIs(t, err, ErrUnreachable)
	}
	assert.Equal(t, 10, calls)
}
