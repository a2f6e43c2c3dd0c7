package rtm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leancloud/swift-sdk-sub001/internal/clock"
	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/rest"
	"github.com/leancloud/swift-sdk-sub001/internal/transport/transporttest"
)

func newRouteServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/route" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"code":101,"error":"no route"}`))
			return
		}
		if r.URL.Query().Get("secure") != "1" {
			t.Errorf("secure = %q", r.URL.Query().Get("secure"))
		}
		hits.Add(1)
		w.Write([]byte(`{"server":"wss://primary.test","secondary":"wss://secondary.test","ttl":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRouterResolve(t *testing.T) {
	var hits atomic.Int32
	srv := newRouteServer(t, &hits)
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	cache := filepath.Join(t.TempDir(), "route.cbor")
	newRouter := func() *Router {
		return NewRouter(RouterConfig{AppID: "app", API: rest.New(srv.URL, nil), CachePath: cache, Clock: clk})
	}
	ctx := context.Background()

	r := newRouter()
	table, err := r.Resolve(ctx)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if table.URL(false) != "wss://primary.test" || table.URL(true) != "wss://secondary.test" {
		t.Fatalf("unexpected table %+v", table)
	}

	t.Run("served from cache", func(t *testing.T) {
		if _, err := newRouter().Resolve(ctx); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if hits.Load() != 1 {
			t.Fatalf("hits = %d, want 1", hits.Load())
		}
	})

	t.Run("expired after ttl", func(t *testing.T) {
		clk.Advance(time.Hour)
		if _, err := r.Resolve(ctx); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if hits.Load() != 2 {
			t.Fatalf("hits = %d, want 2", hits.Load())
		}
	})

	t.Run("invalidated by failures", func(t *testing.T) {
		for i := 0; i < maxContinuousFailures-1; i++ {
			r.RecordFailure()
		}
		r.Resolve(ctx)
		if hits.Load() != 2 {
			t.Fatalf("refetched before reaching the failure limit")
		}
		r.RecordFailure()
		if !r.Cached().Expired(clk.Now()) {
			t.Fatal("expected table to expire")
		}
		r.Resolve(ctx)
		if hits.Load() != 3 {
			t.Fatalf("hits = %d, want 3", hits.Load())
		}
		if r.Cached().ContinuousFailures != 0 {
			t.Fatal("fresh table should start without failures")
		}
	})

	t.Run("clear", func(t *testing.T) {
		r.Clear()
		if r.Cached() != nil {
			t.Fatal("expected empty cache")
		}
		if newRouter().Cached() != nil {
			t.Fatal("cache file should be removed")
		}
	})
}

func TestRouterServerError(t *testing.T) {
	var hits atomic.Int32
	srv := newRouteServer(t, &hits)
	r := NewRouter(RouterConfig{AppID: "app", API: rest.New(srv.URL+"/bad", nil)})
	_, err := r.Resolve(context.Background())
	if !errs.HasCode(err, errs.CodeObjectNotFound) {
		t.Fatalf("err = %v, want object not found", err)
	}
}

func TestRouterFeedsConnection(t *testing.T) {
	var hits atomic.Int32
	srv := newRouteServer(t, &hits)
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	router := NewRouter(RouterConfig{AppID: "app", API: rest.New(srv.URL, nil), Clock: clk})

	d := transporttest.NewDialer(nil)
	d.FailNext(errors.New("refused"))
	c := New(Config{AppID: "app", Router: router, Dialer: d, Clock: clk})
	t.Cleanup(c.Close)

	r := connectPeer(t, c, "alice")
	r.wait(t, "disconnected")
	c.State()
	if router.Cached().ContinuousFailures != 1 {
		t.Fatalf("failures = %d", router.Cached().ContinuousFailures)
	}

	clk.Advance(time.Second)
	r.wait(t, "connected")
	urls := d.URLs()
	if len(urls) != 2 || urls[0] != "wss://primary.test" || urls[1] != "wss://secondary.test" {
		t.Fatalf("dialed %v, want primary then secondary", urls)
	}
	c.State()
	if router.Cached().ContinuousFailures != 0 {
		t.Fatal("success should reset failures")
	}
}
