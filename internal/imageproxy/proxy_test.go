package imageproxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiulpin/board-preview/internal/cache"
	"github.com/tiulpin/board-preview/internal/fetch"
)

func newTestProxy(c *cache.Group[Image], maxBody int64) *Proxy {
	return New(Options{
		Getter: fetch.New(fetch.Options{
			UserAgent:    "BoardImageProxy/1.0",
			Referer:      "https://board.example",
			Timeout:      2 * time.Second,
			MaxBodyBytes: maxBody,
		}),
		Cache:         c,
		MaxEntryBytes: 1024,
	})
}

func TestFetchSuccess(t *testing.T) {
	var gotUA, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	img, err := newTestProxy(nil, 0).Fetch(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.ContentType)
	assert.Equal(t, []byte("png-bytes"), img.Data)
	assert.Equal(t, "BoardImageProxy/1.0", gotUA)
	assert.Equal(t, "https://board.example", gotReferer)
}

func TestFetchDefaultsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff})
	}))
	defer srv.Close()

	img, err := newTestProxy(nil, 0).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, DefaultContentType, img.ContentType)
}

func TestFetchPropagatesUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "secret upstream body", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestProxy(nil, 0).Fetch(context.Background(), srv.URL)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.NotContains(t, err.Error(), "secret")
}

func TestFetchErrors(t *testing.T) {
	p := newTestProxy(nil, 0)

	_, err := p.Fetch(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrMissingURL)

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()
	_, err = p.Fetch(context.Background(), target)
	require.Error(t, err)
	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr), "transport failures are not status errors")

	_, err = p.Fetch(context.Background(), "ftp://example.com/a.png")
	assert.Error(t, err)
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	_, err := newTestProxy(nil, 10).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, fetch.ErrBodyTooLarge)
}

func TestFetchMemoisesSmallImagesOnly(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		if r.URL.Path == "/big.png" {
			_, _ = w.Write([]byte(strings.Repeat("b", 2048)))
			return
		}
		_, _ = w.Write([]byte("small"))
	}))
	defer srv.Close()

	p := newTestProxy(cache.New[Image](10, time.Minute), 0)
	for i := 0; i < 2; i++ {
		_, err := p.Fetch(context.Background(), srv.URL+"/small.png")
		require.NoError(t, err)
		_, err = p.Fetch(context.Background(), srv.URL+"/big.png")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, 1, p.CacheLen())
}

func TestFetchSharedDownloadSurvivesFirstCallerLeaving(t *testing.T) {
	var hits atomic.Int32
	arrived := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(arrived)
		}
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "image/gif")
		_, _ = w.Write([]byte("gif"))
	}))
	defer srv.Close()

	p := newTestProxy(cache.New[Image](10, time.Minute), 0)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.Fetch(firstCtx, srv.URL+"/a.gif")
		first <- err
	}()
	<-arrived

	type result struct {
		img Image
		err error
	}
	second := make(chan result, 1)
	go func() {
		img, err := p.Fetch(context.Background(), srv.URL+"/a.gif")
		second <- result{img, err}
	}()

	time.Sleep(100 * time.Millisecond)
	cancelFirst()
	assert.ErrorIs(t, <-first, context.Canceled)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, []byte("gif"), got.img.Data)
	assert.EqualValues(t, 1, hits.Load())
}
