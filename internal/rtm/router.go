package rtm

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leancloud/swift-sdk-sub001/internal/clock"
	"github.com/leancloud/swift-sdk-sub001/internal/filestore"
	"github.com/leancloud/swift-sdk-sub001/internal/logging"
	"github.com/leancloud/swift-sdk-sub001/internal/rest"
)

// maxContinuousFailures invalidates a cached route table.
const maxContinuousFailures = 10

// RouteTable is the cached answer of route discovery.
type RouteTable struct {
	Primary            string `cbor:"primary" json:"server"`
	Secondary          string `cbor:"secondary,omitempty" json:"secondary,omitempty"`
	TTL                int64  `cbor:"ttl" json:"ttl"`
	CreatedAt          int64  `cbor:"createdAt" json:"-"`
	ContinuousFailures int    `cbor:"continuousFailures" json:"-"`
}

// Expired reports whether the table should be re-resolved.
func (t *RouteTable) Expired(now time.Time) bool {
	if t.ContinuousFailures >= maxContinuousFailures {
		return true
	}
	return now.Unix() >= t.CreatedAt+t.TTL
}

// URL picks the primary or, when requested and available, the secondary
// server.
func (t *RouteTable) URL(secondary bool) string {
	if secondary && t.Secondary != "" {
		return t.Secondary
	}
	return t.Primary
}

// Router resolves and caches the RTM server address of one application.
type Router struct {
	appID     string
	api       *rest.Client
	cachePath string
	clock     clock.Clock
	log       *zap.Logger

	mu     sync.Mutex
	table  *RouteTable
	loaded bool
}

// RouterConfig configures a Router. CachePath may be empty to keep the
// table in memory only.
type RouterConfig struct {
	AppID     string
	RouterURL string
	CachePath string
	API       *rest.Client
	Clock     clock.Clock
	Logger    *zap.Logger
}

// NewRouter builds a Router.
func NewRouter(cfg RouterConfig) *Router {
	api := cfg.API
	if api == nil {
		api = rest.New(cfg.RouterURL, nil)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Router{
		appID:     cfg.AppID,
		api:       api,
		cachePath: cfg.CachePath,
		clock:     clk,
		log:       logging.OrNop(cfg.Logger).Named("router"),
	}
}

// Resolve returns a valid route table, fetching a fresh one when the
// cached table is missing, expired or has failed too often.
func (r *Router) Resolve(ctx context.Context) (*RouteTable, error) {
	r.mu.Lock()
	r.loadLocked()
	if r.table != nil && !r.table.Expired(r.clock.Now()) {
		t := *r.table
		r.mu.Unlock()
		return &t, nil
	}
	r.mu.Unlock()

	body, err := r.api.Get(ctx, "/v1/route", map[string]string{
		"appId":  r.appID,
		"secure": "1",
	}, nil)
	if err != nil {
		return nil, err
	}
	fetched, err := rest.DecodeJSON[RouteTable](body)
	if err != nil {
		return nil, err
	}
	fetched.Primary = strings.TrimSpace(fetched.Primary)
	fetched.CreatedAt = r.clock.Now().Unix()

	r.mu.Lock()
	r.table = fetched
	r.saveLocked()
	t := *fetched
	r.mu.Unlock()

	r.log.Debug("route resolved", zap.String("server", t.Primary), zap.String("secondary", t.Secondary), zap.Int64("ttl", t.TTL))
	return &t, nil
}

// RecordFailure counts a failed connection attempt against the table.
func (r *Router) RecordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked()
	if r.table == nil {
		return
	}
	r.table.ContinuousFailures++
	r.saveLocked()
}

// RecordSuccess resets the failure counter.
func (r *Router) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked()
	if r.table == nil || r.table.ContinuousFailures == 0 {
		return
	}
	r.table.ContinuousFailures = 0
	r.saveLocked()
}

// Clear drops the cached table in memory and on disk.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = nil
	r.loaded = true
	if r.cachePath != "" {
		if err := filestore.Remove(r.cachePath); err != nil {
			r.log.Warn("remove route cache", zap.Error(err))
		}
	}
}

// Cached returns a copy of the cached table, or nil.
func (r *Router) Cached() *RouteTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked()
	if r.table == nil {
		return nil
	}
	t := *r.table
	return &t
}

func (r *Router) loadLocked() {
	if r.loaded {
		return
	}
	r.loaded = true
	if r.cachePath == "" {
		return
	}
	var t RouteTable
	ok, err := filestore.Load(r.cachePath, &t)
	if err != nil {
		r.log.Warn("load route cache", zap.Error(err))
		return
	}
	if ok {
		r.table = &t
	}
}

func (r *Router) saveLocked() {
	if r.cachePath == "" || r.table == nil {
		return
	}
	if err := filestore.Save(r.cachePath, r.table); err != nil {
		r.log.Warn("save route cache", zap.Error(err))
	}
}
