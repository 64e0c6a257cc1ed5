package dispatcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"stalker-proxy/work/config"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/macpool"
	"stalker-proxy/work/metrics"
	"stalker-proxy/work/restream"
	"stalker-proxy/work/tuner"
	"stalker-proxy/work/types"
	"stalker-proxy/work/utils"
)

// MethodWeb is the session method of browser previews.
const MethodWeb = "web"

// Resolver looks channels up in the catalog.
type Resolver interface {
	Resolve(ctx context.Context, ref types.ChannelRef) (types.Channel, error)
}

// Leaser hands out MAC capacity and records MAC health.
type Leaser interface {
	Acquire(portalID string, exclude ...string) (*macpool.Lease, error)
	MarkFailed(portalID, mac string, cooldown time.Duration)
	MarkHealthy(portalID, mac string)
}

// PortalClient is the part of the portal client used for playback.
type PortalClient interface {
	Authenticate(ctx context.Context, p types.Portal, mac string) (string, error)
	ResolveLink(ctx context.Context, p types.Portal, mac, token, channelID, cmd string) (string, error)
}

// Media turns a portal link into bytes.
type Media interface {
	// Prepare turns the portal's link into the one that will be played and checks it.
	Prepare(ctx context.Context, p types.Portal, link, method string, settings config.Settings) (string, error)
	// Open starts the upstream for method and returns the byte source and its content type.
	Open(ctx context.Context, p types.Portal, link, method string, settings config.Settings) (io.ReadCloser, string, error)
}

// ConfigSource provides settings and portals.
type ConfigSource interface {
	Snapshot() config.Settings
	Portal(id string) (types.Portal, bool)
}

// Request is one play request.
type Request struct {
	Ref      types.ChannelRef
	ClientID string
	Web      bool
}

// Dispatcher runs play requests through the session state machine.
type Dispatcher struct {
	catalog Resolver
	pool    Leaser
	client  PortalClient
	media   Media
	config  ConfigSource
	tuners  *tuner.Tuners

	sessions *xsync.MapOf[string, *Session]
	now      func() time.Time
}

// New creates a dispatcher.
func New(cat Resolver, pool Leaser, client PortalClient, media Media, cfg ConfigSource, tuners *tuner.Tuners) *Dispatcher {
	return &Dispatcher{
		catalog:  cat,
		pool:     pool,
		client:   client,
		media:    media,
		config:   cfg,
		tuners:   tuners,
		sessions: xsync.NewMapOf[string, *Session](),
		now:      time.Now,
	}
}

// Sessions returns the running sessions, oldest first.
func (d *Dispatcher) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, d.sessions.Size())
	d.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s.Info())
		return true
	})
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// attemptResult says how one MAC attempt ended.
type attemptResult int

const (
	attemptRetry attemptResult = iota // try the next candidate
	attemptDone                       // session is over, nothing more to do
)

// Play serves one play request on w. It returns nil once the client got a stream (or
// a redirect) and went away, and one of the package's terminal errors otherwise. Once
// bytes have been written a later error can no longer change the response status.
func (d *Dispatcher) Play(ctx context.Context, req Request, w http.ResponseWriter) error {
	settings := d.config.Snapshot()

	if !d.tuners.Acquire(settings.HDHRTuners) {
		logger.Warn("{dispatcher/dispatcher - Play} All %d tuners busy, rejecting %s from %s", settings.HDHRTuners, req.Ref, req.ClientID)
		metrics.PlayRequests.WithLabelValues(outcomeLabel(ErrTunerBusy)).Inc()
		return ErrTunerBusy
	}
	defer d.tuners.Release()

	sess := newSession(req.ClientID, d.now())
	d.sessions.Store(sess.ID, sess)
	defer d.sessions.Delete(sess.ID)

	err := d.run(ctx, sess, req, settings, w)
	if err != nil {
		sess.setState(StateFailed)
	} else {
		sess.setState(StateCompleted)
	}
	metrics.PlayRequests.WithLabelValues(outcomeLabel(err)).Inc()
	return err
}

func (d *Dispatcher) run(ctx context.Context, sess *Session, req Request, settings config.Settings, w http.ResponseWriter) error {
	sess.setState(StateRequested)
	logger.Info("{dispatcher/dispatcher - run} Client %s requested %s", req.ClientID, req.Ref)

	ch, err := d.catalog.Resolve(ctx, req.Ref)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("{dispatcher/dispatcher - run} Cannot resolve %s: %v", req.Ref, err)
		if errors.Is(err, ErrChannelNotFound) {
			return ErrChannelNotFound
		}
		return ErrUnavailable
	}

	method := settings.StreamMethod
	if req.Web {
		method = MethodWeb
	}
	sess.setMethod(method)

	out := &sessionWriter{ResponseWriter: w, bytes: &sess.bytes}
	p := newPlan(ch)

	for {
		if ctx.Err() != nil {
			return nil
		}

		sess.setState(StateResolving)
		sess.setChannel(p.channel.PortalID, p.channel.PortalName, p.channel.ChannelID, p.channel.Name)

		lease, err := d.pool.Acquire(p.channel.PortalID, p.excluded...)
		if err != nil {
			next, err := d.advance(ctx, p, req)
			if err != nil {
				return err
			}
			if !next {
				logger.Warn("{dispatcher/dispatcher - run} No working source for %s after %d attempts", req.Ref, sess.Info().Attempts)
				return p.terminal()
			}
			continue
		}
		p.acquired = true

		portal, ok := d.config.Portal(p.channel.PortalID)
		if !ok {
			lease.Release()
			p.exclude(lease.MAC)
			continue
		}

		if d.attempt(ctx, sess, p, lease, portal, method, settings, out) == attemptDone {
			return nil
		}
	}
}

// advance moves the plan to the next fallback channel. next is false when the chain
// has ended.
func (d *Dispatcher) advance(ctx context.Context, p *plan, req Request) (bool, error) {
	if req.Web {
		return false, nil
	}

	ref, ok, err := p.fallback()
	if err != nil {
		logger.Error("{dispatcher/dispatcher - advance} Configuration error, fallback chain of %s loops: %v", req.Ref, err)
		return false, ErrFallbackCycle
	}
	if !ok {
		return false, nil
	}

	fb, err := d.catalog.Resolve(ctx, ref)
	if err != nil {
		logger.Warn("{dispatcher/dispatcher - advance} Fallback %s of %s cannot be resolved: %v", ref, p.channel.Ref(), err)
		return false, nil
	}

	logger.Info("{dispatcher/dispatcher - advance} %s exhausted, falling back to %s (%s)", p.channel.Ref(), ref, fb.Name)
	metrics.FallbacksTaken.Inc()
	p.switchTo(fb)
	return true, nil
}

// attempt drives one leased MAC through authentication, link resolution and
// streaming. The lease is released before attempt returns, on every path.
func (d *Dispatcher) attempt(ctx context.Context, sess *Session, p *plan, lease *macpool.Lease, portal types.Portal, method string, settings config.Settings, w *sessionWriter) attemptResult {
	defer lease.Release()

	ch := p.channel
	mac := lease.MAC
	sess.setMAC(mac)

	fail := func(stage string, err error) attemptResult {
		lease.Release()
		if ctx.Err() != nil {
			return attemptDone
		}
		logger.Warn("{dispatcher/dispatcher - attempt} %s failed for %s via MAC %s: %v", stage, ch.Ref(), mac, err)
		d.pool.MarkFailed(portal.ID, mac, settings.MACCooldown)
		metrics.StreamErrors.WithLabelValues(portal.ID, stage).Inc()
		p.exclude(mac)
		sess.setState(StateFailed)
		return attemptRetry
	}

	sess.setState(StateAuthenticating)
	token, err := d.client.Authenticate(ctx, portal, mac)
	if err != nil {
		return fail("auth", err)
	}

	sess.setState(StateLinkResolving)
	linkCtx, cancel := context.WithTimeout(ctx, settings.LinkTimeout)
	link, err := d.client.ResolveLink(linkCtx, portal, mac, token, ch.ChannelID, ch.Cmd)
	if err == nil {
		link, err = d.media.Prepare(linkCtx, portal, link, method, settings)
	}
	cancel()
	if err != nil {
		return fail("link", err)
	}

	if method == config.StreamMethodRedirect {
		sess.setState(StateStreaming)
		logger.Info("{dispatcher/dispatcher - attempt} Redirecting %s to %s", ch.Ref(), utils.ObfuscateURL(link))
		w.Header().Set("Location", link)
		w.WriteHeader(http.StatusFound)
		d.pool.MarkHealthy(portal.ID, mac)
		return attemptDone
	}

	src, contentType, err := d.media.Open(ctx, portal, link, method, settings)
	if err != nil {
		return fail("start", err)
	}

	sess.setState(StateStreaming)
	streaming := false
	defer func() {
		if streaming {
			metrics.ActiveSessions.WithLabelValues(portal.ID).Dec()
		}
	}()

	n, err := restream.Pump(ctx, w, src, restream.PumpOptions{
		StartTimeout: settings.FFmpegTimeout,
		StallTimeout: settings.StallTimeout,
		PortalID:     portal.ID,
		OnFirstByte: func() {
			streaming = true
			metrics.ActiveSessions.WithLabelValues(portal.ID).Inc()
			d.pool.MarkHealthy(portal.ID, mac)
			if !w.started {
				w.Header().Set("Content-Type", contentType)
				w.Header().Set("Cache-Control", "no-cache")
				w.started = true
			}
			logger.Info("{dispatcher/dispatcher - attempt} Streaming %s (%s) to %s via MAC %s", ch.Ref(), ch.Name, sess.ClientID, mac)
		},
	})

	switch {
	case ctx.Err() != nil, errors.Is(err, restream.ErrClientGone):
		logger.Info("{dispatcher/dispatcher - attempt} Client %s left %s after %s", sess.ClientID, ch.Ref(), utils.FormatBytes(n))
		return attemptDone
	case errors.Is(err, restream.ErrNoStart):
		return fail("start", err)
	case errors.Is(err, restream.ErrStalled):
		return fail("stall", err)
	default:
		return fail("upstream", err)
	}
}

// sessionWriter counts the bytes a session delivers and remembers whether the
// response has started.
type sessionWriter struct {
	http.ResponseWriter
	bytes   *atomic.Int64
	started bool
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes.Add(int64(n))
	return n, err
}

func (w *sessionWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
