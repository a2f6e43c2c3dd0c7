package realtime

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/leancloud/swift-sdk-sub001/internal/clock"
	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/localcache"
	"github.com/leancloud/swift-sdk-sub001/internal/logging"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
	"github.com/leancloud/swift-sdk-sub001/internal/rest"
	"github.com/leancloud/swift-sdk-sub001/internal/rtm"
	"github.com/leancloud/swift-sdk-sub001/internal/serial"
	"github.com/leancloud/swift-sdk-sub001/internal/transport"
)

// Version is reported in the user agent of session open commands.
const Version = "0.1.0"

const (
	userAgent = "realtime-go/" + Version

	maxClientIDLength = 64
	reservedTag       = "default"

	databaseFile    = "database.sqlite"
	localRecordFile = "local_record"
	routeTableFile  = "route_table"
)

// ============================================================================
// Client
// ============================================================================

// Client is one logical messaging client. All of its state is owned by an
// internal serial queue; events are delivered on a separate event queue
// so handlers may call back into the client.
type Client struct {
	id    string
	appID string
	cfg   clientConfig

	log      *zap.Logger
	clock    clock.Clock
	registry *rtm.Registry
	conn     *rtm.Connection
	api      *rest.Client
	store    *localcache.Store

	q      *serial.Queue
	eventQ *serial.Queue
	events *eventDispatcher
	flight singleflight.Group

	// Owned by q.
	sessionToken           string
	sessionTokenExpiration time.Time
	opening                *openRequest
	openOptions            OpenOptions
	deviceToken            string
	reportedDeviceToken    string
	record                 localRecord
	lastUnreadNotifTime    int64
	fetchingSnapshot       map[string]*Conversation
	receiptTracked         map[string]*Message
	resolving              map[string][]func(*Conversation, error)

	stateMu sync.RWMutex
	state   SessionState

	convMu sync.RWMutex
	convs  map[string]*Conversation

	shutdownOnce sync.Once
}

type clientConfig struct {
	tag            string
	variant        protocol.Variant
	localCache     bool
	storageDir     string
	routerURL      string
	serverURL      string
	apiURL         string
	httpClient     *http.Client
	dialer         transport.Dialer
	commandTimeout time.Duration
	signer         SignatureProvider
	logger         *zap.Logger
	clock          clock.Clock
	registry       *rtm.Registry
	eventExec      func(func())
}

type ClientOption func(*Client)

// WithTag sets the device tag. Opening a session with a tag signs out
// other devices using the same tag. "default" is reserved.
func WithTag(tag string) ClientOption {
	return func(c *Client) { c.cfg.tag = tag }
}

// WithProtocol selects the wire sub-protocol. The default is
// ProtocolUnread.
func WithProtocol(p Protocol) ClientOption {
	return func(c *Client) { c.cfg.variant = p }
}

// WithLocalCache mirrors conversations and message history into a SQLite
// database under the storage directory.
func WithLocalCache(enabled bool) ClientOption {
	return func(c *Client) { c.cfg.localCache = enabled }
}

// WithStorageDir sets where the route table, local record and database
// are kept. Without it nothing is persisted unless the local cache is
// enabled, which then uses the user cache directory.
func WithStorageDir(dir string) ClientOption {
	return func(c *Client) { c.cfg.storageDir = dir }
}

// WithRouterURL sets the route discovery host.
func WithRouterURL(url string) ClientOption {
	return func(c *Client) { c.cfg.routerURL = strings.TrimRight(url, "/") }
}

// WithServerURL dials url directly, skipping route discovery.
func WithServerURL(url string) ClientOption {
	return func(c *Client) { c.cfg.serverURL = url }
}

// WithAPIURL sets the host of the offline notification endpoint. It
// defaults to the router URL.
func WithAPIURL(url string) ClientOption {
	return func(c *Client) { c.cfg.apiURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.cfg.httpClient = client }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d transport.Dialer) ClientOption {
	return func(c *Client) { c.cfg.dialer = d }
}

// WithCommandTimeout bounds every command awaiting a reply.
func WithCommandTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.cfg.commandTimeout = d }
}

func WithSignatureProvider(p SignatureProvider) ClientOption {
	return func(c *Client) { c.cfg.signer = p }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.cfg.logger = l }
}

func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.cfg.clock = clk }
}

func WithRegistry(r *Registry) ClientOption {
	return func(c *Client) { c.cfg.registry = r }
}

// WithEventExecutor runs event handlers through exec instead of the
// client's own event queue. exec must run tasks in submission order to
// keep per-conversation ordering.
func WithEventExecutor(exec func(task func())) ClientOption {
	return func(c *Client) { c.cfg.eventExec = exec }
}

// NewClient creates a client and registers it on the connection shared
// by its application and protocol. The session is opened with Open.
func NewClient(appID, clientID string, opts ...ClientOption) (*Client, error) {
	if l := len(clientID); l == 0 || l > maxClientIDLength {
		return nil, errs.Inconsistency("length of client ID should be in 1...%d", maxClientIDLength)
	}
	if appID == "" {
		return nil, errs.Inconsistency("app ID is required")
	}

	c := &Client{
		id:    clientID,
		appID: appID,
		cfg: clientConfig{
			variant:  protocol.Unread,
			registry: rtm.Default,
		},
		convs:          make(map[string]*Conversation),
		receiptTracked: make(map[string]*Message),
		resolving:      make(map[string][]func(*Conversation, error)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.tag == reservedTag {
		return nil, errs.Inconsistency("%q is a reserved tag", reservedTag)
	}
	if !c.cfg.variant.Valid() {
		return nil, errs.Inconsistency("unknown protocol %q", c.cfg.variant)
	}
	if c.cfg.serverURL == "" && c.cfg.routerURL == "" {
		return nil, errs.Inconsistency("either a router URL or a server URL is required")
	}
	if c.cfg.localCache && c.cfg.storageDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeUnderlying, "locate cache directory")
		}
		c.cfg.storageDir = filepath.Join(dir, "realtime-im")
	}

	c.log = logging.OrNop(c.cfg.logger).Named("client").With(zap.String("app", appID), zap.String("peer", clientID))
	c.clock = c.cfg.clock
	if c.clock == nil {
		c.clock = clock.Real()
	}
	c.registry = c.cfg.registry

	apiURL := c.cfg.apiURL
	if apiURL == "" {
		apiURL = c.cfg.routerURL
	}
	if apiURL != "" {
		c.api = rest.New(apiURL, c.cfg.httpClient)
		c.api.Header = http.Header{"X-LC-Id": []string{appID}}
	}

	var router *rtm.Router
	if c.cfg.serverURL == "" {
		rc := rtm.RouterConfig{
			AppID:     appID,
			RouterURL: c.cfg.routerURL,
			API:       rest.New(c.cfg.routerURL, c.cfg.httpClient),
			Clock:     c.clock,
			Logger:    c.cfg.logger,
		}
		if c.cfg.storageDir != "" {
			rc.CachePath = filepath.Join(c.cfg.storageDir, appID, routeTableFile)
		}
		router = rtm.NewRouter(rc)
	}

	if c.cfg.storageDir != "" {
		if err := c.record.load(c.recordPath()); err != nil {
			c.log.Warn("local record unreadable, starting fresh", zap.Error(err))
			c.record = localRecord{}
		}
	}
	if c.cfg.localCache {
		store, err := localcache.Open(context.Background(), c.clientPath(databaseFile), c.cfg.logger)
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeUnderlying, "open local cache")
		}
		c.store = store
	}

	conn, err := c.registry.Register(rtm.Config{
		AppID:          appID,
		Variant:        c.cfg.variant,
		ServerURL:      c.cfg.serverURL,
		Router:         router,
		Dialer:         c.cfg.dialer,
		Clock:          c.clock,
		Logger:         c.cfg.logger,
		CommandTimeout: c.cfg.commandTimeout,
	}, clientID)
	if err != nil {
		if c.store != nil {
			c.store.Close()
		}
		return nil, err
	}
	c.conn = conn

	c.q = serial.New(func(v any) {
		c.log.Error("panic in client queue", zap.Any("panic", v))
	})
	exec := c.cfg.eventExec
	if exec == nil {
		c.eventQ = serial.New(func(v any) {
			c.log.Error("panic in event queue", zap.Any("panic", v))
		})
		exec = func(task func()) { c.eventQ.Async(task) }
	}
	c.events = newEventDispatcher(exec, c.log)
	return c, nil
}

// ID returns the client ID.
func (c *Client) ID() string { return c.id }

// Tag returns the device tag.
func (c *Client) Tag() string { return c.cfg.tag }

// Protocol returns the wire sub-protocol.
func (c *Client) Protocol() Protocol { return c.cfg.variant }

// State returns the session state.
func (c *Client) State() SessionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s SessionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = s
}

// SetNetworkReachable reports network reachability. Connecting is
// suppressed while unreachable.
func (c *Client) SetNetworkReachable(reachable bool) { c.conn.SetNetworkReachable(reachable) }

// SetForeground reports whether the host application is in the
// foreground. Connecting is suppressed in the background.
func (c *Client) SetForeground(foreground bool) { c.conn.SetForeground(foreground) }

// SetDeviceToken sets the push device token. It is sent on the next open
// and reported right away if the session is open.
func (c *Client) SetDeviceToken(token string) {
	c.q.Async(func() {
		c.deviceToken = token
		if c.isSessionOpened() {
			c.reportDeviceToken()
		}
	})
}

// Shutdown releases the client: the connection registration, the local
// cache and the queues. The client cannot be used afterwards.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.registry.Unregister(c.conn, c.id)
		c.q.Close()
		<-c.q.Done()
		if c.eventQ != nil {
			c.eventQ.Close()
			<-c.eventQ.Done()
		}
		if c.store != nil {
			if err := c.store.Close(); err != nil {
				c.log.Warn("close local cache", zap.Error(err))
			}
		}
	})
}

// ============================================================================
// Internal helpers
// ============================================================================

var errShutdown = errs.Inconsistency("client is shut down")

// await runs start on the internal queue and blocks until it calls done
// or ctx ends. done may be called from any later task; only the first
// call counts.
func await[T any](ctx context.Context, c *Client, start func(done func(T, error))) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	var once sync.Once
	ok := c.q.Async(func() {
		start(func(v T, err error) {
			once.Do(func() { ch <- result{v, err} })
		})
	})
	var zero T
	if !ok {
		return zero, errShutdown
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// awaitErr is await for operations without a result value.
func awaitErr(ctx context.Context, c *Client, start func(done func(error))) error {
	_, err := await(ctx, c, func(done func(struct{}, error)) {
		start(func(err error) { done(struct{}{}, err) })
	})
	return err
}

func (c *Client) isSessionOpened() bool { return c.State() == SessionOpened }

// sendCommand sends cmd once the session is open. cb runs on the internal
// queue; a nil cb makes the command fire-and-forget.
func (c *Client) sendCommand(cmd *protocol.Command, cb func(reply *protocol.Command, err error)) {
	if !c.isSessionOpened() {
		if cb != nil {
			cb(nil, errs.ErrClientNotOpen)
		}
		return
	}
	if cb == nil {
		c.conn.Send(c.id, cmd, nil)
		return
	}
	c.conn.Send(c.id, cmd, rtm.Callback(cb))
}

// sign asks the signature provider for a signature and continues on the
// internal queue. Failures are logged and the command goes out unsigned.
func (c *Client) sign(req SignatureRequest, then func(*Signature)) {
	if c.cfg.signer == nil {
		then(nil)
		return
	}
	go func() {
		sig, err := c.cfg.signer.Sign(context.Background(), req)
		if err != nil {
			c.log.Warn("signature provider failed", zap.String("action", string(req.Action)), zap.Error(err))
			sig = nil
		}
		c.q.Async(func() { then(sig) })
	}()
}

func (c *Client) clientPath(name string) string {
	return filepath.Join(c.cfg.storageDir, c.appID, c.id, name)
}

func (c *Client) recordPath() string { return c.clientPath(localRecordFile) }

func (c *Client) nowMillis() int64 { return c.clock.Now().UnixMilli() }

func validateMemberIDs(ids []string) error {
	for _, id := range ids {
		if l := len(id); l == 0 || l > maxClientIDLength {
			return errs.Inconsistency("length of client ID should be in 1...%d", maxClientIDLength)
		}
	}
	return nil
}
