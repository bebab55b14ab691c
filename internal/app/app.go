// Package app wires the callbridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the provider, audio
// transport, call controller and voice preview from the config, Run serves
// the operations endpoints, the config watcher and the operator console, and
// Shutdown hangs up and releases everything in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithTransport, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/console"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/preview"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/internal/session"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/device"
	"github.com/MrWong99/callbridge/pkg/audio/devmatch"
	"github.com/MrWong99/callbridge/pkg/audio/playback"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// shutdownTimeout bounds the graceful stop of the operations listener.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      atomic.Pointer[config.Config]
	cfgPath  string
	registry *config.Registry
	getenv   func(string) string
	logLevel *slog.LevelVar

	provider    s2s.Provider
	transport   audio.Transport
	listDevices func() ([]devmatch.Device, error)
	synth       preview.Synthesizer
	metrics     *observe.Metrics
	gatherer    prometheus.Gatherer
	matcher     *devmatch.Matcher
	endpoints   audio.Endpoints

	ctrl    *session.Controller
	health  *health.Handler
	watcher *config.Watcher

	previewMu sync.Mutex
	player    *preview.Player

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the registry used to construct the configured provider.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithProvider injects the agent provider instead of creating one from the
// registry.
func WithProvider(p s2s.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithTransport injects the audio transport instead of opening PortAudio
// devices.
func WithTransport(t audio.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithDeviceLister replaces [device.List] for device enumeration.
func WithDeviceLister(fn func() ([]devmatch.Device, error)) Option {
	return func(a *App) { a.listDevices = fn }
}

// WithSynthesizer injects the voice preview synthesiser.
func WithSynthesizer(s preview.Synthesizer) Option {
	return func(a *App) { a.synth = s }
}

// WithGatherer sets the source served on /metrics. Default:
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigFile names the file the config was loaded from. It enables
// [App.Reload] and, when watch.enabled is set, polling for changes.
func WithConfigFile(path string) Option {
	return func(a *App) { a.cfgPath = path }
}

// WithEnv sets the environment lookup used on reload. Default: none.
func WithEnv(getenv func(string) string) Option {
	return func(a *App) { a.getenv = getenv }
}

// WithLogLevel registers the level variable adjusted when the configured log
// level changes on reload.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithConsole attaches the operator console to the given streams. Without
// it Run serves until its context is cancelled.
func WithConsole(in io.Reader, out, errOut io.Writer) Option {
	return func(a *App) {
		a.in, a.out, a.errOut = in, out, errOut
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing is opened
// and no network connection is made until a call starts.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.listDevices == nil {
		a.listDevices = device.List
	}

	// ── 1. Provider ──────────────────────────────────────────────────────
	if err := a.initProvider(); err != nil {
		return nil, fmt.Errorf("app: init provider: %w", err)
	}

	// ── 2. Audio ─────────────────────────────────────────────────────────
	a.initAudio()

	// ── 3. Call controller ───────────────────────────────────────────────
	var ctrlOpts []session.Option
	ctrlOpts = append(ctrlOpts,
		session.WithMetrics(a.metrics),
		session.WithProviderName(cfg.Provider.Name),
	)
	if cfg.Audio.Period > 0 {
		ctrlOpts = append(ctrlOpts, session.WithSchedulerOptions(playback.WithPeriod(cfg.Audio.Period)))
	}
	a.ctrl = session.New(a.provider, a.transport, ctrlOpts...)
	a.ctrl.OnStatus(logStatus)

	// ── 4. Voice preview ─────────────────────────────────────────────────
	if err := a.initPreview(ctx, cfg); err != nil {
		slog.Warn("voice preview unavailable", "err", err)
	}

	// ── 5. Health ────────────────────────────────────────────────────────
	a.health = health.New([]health.Check{
		health.APIKey(cfg.Provider.Name, cfg.Provider.APIKey),
		health.Devices(a.listDevices, a.matcher, a.endpoints),
	}, health.WithInfo(a.healthInfo))

	return a, nil
}

// healthInfo reports the live call state, and the backend in use when
// failover is configured.
func (a *App) healthInfo() map[string]string {
	st := a.ctrl.Status()
	info := map[string]string{
		"call":  st.State.String(),
		"muted": strconv.FormatBool(st.Muted),
	}
	if st.LastError != nil {
		info["last_error"] = st.LastError.Error()
	}
	if f, ok := a.provider.(*resilience.Failover); ok {
		if name := f.Active(); name != "" {
			info["backend"] = name
		}
	}
	return info
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initProvider() error {
	if a.provider != nil {
		return nil
	}
	if a.registry == nil {
		return errors.New("no provider injected and no registry configured")
	}
	cfg := a.cfg.Load()
	entry := cfg.Provider
	p, err := a.registry.CreateS2S(entry)
	if err != nil {
		return err
	}
	slog.Info("provider created", "name", entry.Name, "model", entry.Model)
	if len(entry.Fallbacks) == 0 {
		a.provider = p
		return nil
	}

	fallbacks := make([]resilience.Entry[s2s.Provider], 0, len(entry.Fallbacks))
	for i, fb := range entry.Fallbacks {
		fp, err := a.registry.CreateS2S(fb)
		if err != nil {
			return fmt.Errorf("provider.fallbacks[%d]: %w", i, err)
		}
		fallbacks = append(fallbacks, resilience.Entry[s2s.Provider]{Name: backendName(fb, i+1), Value: fp})
	}
	f := resilience.NewFailover(resilience.BreakerConfig{
		MaxFailures: cfg.Failover.MaxFailures,
		Cooldown:    cfg.Failover.Cooldown,
	}, resilience.Entry[s2s.Provider]{Name: backendName(entry, 0), Value: p}, fallbacks...)
	a.provider = f
	slog.Info("provider failover enabled", "order", f.Backends())
	return nil
}

// backendName labels a chain entry. The position keeps two entries of the
// same provider with different models apart.
func backendName(e config.ProviderEntry, pos int) string {
	if e.Model == "" {
		return fmt.Sprintf("%d:%s", pos, e.Name)
	}
	return fmt.Sprintf("%d:%s/%s", pos, e.Name, e.Model)
}

func (a *App) initAudio() {
	ac := a.cfg.Load().Audio
	a.matcher = devmatch.New(devmatch.WithThreshold(ac.MatchThreshold))
	a.endpoints = Endpoints(ac)
	if a.transport != nil {
		return
	}
	a.transport = device.New(a.endpoints,
		device.WithCaptureFormat(ac.CaptureRate, 1),
		device.WithRenderFormat(ac.RenderRate, ac.Channels),
		device.WithPeriod(ac.Period),
		device.WithMatcher(a.matcher),
	)
	slog.Info("audio endpoints", "capture", displayName(a.endpoints.Capture), "render", displayName(a.endpoints.Render))
}

// initPreview builds the voice preview player. Previews need a Gemini key;
// for other providers they stay disabled unless a synthesiser is injected.
func (a *App) initPreview(ctx context.Context, cfg *config.Config) error {
	synth := a.synth
	if synth == nil {
		if cfg.Provider.Name != config.ProviderGeminiLive {
			return fmt.Errorf("previews need the %s provider", config.ProviderGeminiLive)
		}
		opts := []preview.GenAIOption{
			preview.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
		}
		if base := optString(cfg.Provider.Options, "preview_base_url"); base != "" {
			opts = append(opts, preview.WithBaseURL(base))
		}
		g, err := preview.NewGenAI(ctx, cfg.Provider.APIKey, cfg.Preview.Model, opts...)
		if err != nil {
			return err
		}
		synth = g
		a.synth = g
	}

	var schedOpts []playback.Option
	if cfg.Audio.Period > 0 {
		schedOpts = append(schedOpts, playback.WithPeriod(cfg.Audio.Period))
	}
	player := preview.New(synth, a.transport,
		preview.WithText(cfg.Preview.Text),
		preview.WithCallActive(a.callActive),
		preview.WithSchedulerOptions(schedOpts...),
	)

	a.previewMu.Lock()
	a.player = player
	a.previewMu.Unlock()
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run checks the prerequisites, then serves the operations listener, the
// config watcher and the console until the console exits or ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	a.CheckPrerequisites(ctx)

	cfg := a.cfg.Load()
	if a.cfgPath != "" && cfg.Watch.Enabled {
		opts := []config.WatcherOption{config.WithInterval(cfg.Watch.Interval)}
		if a.getenv != nil {
			opts = append(opts, config.WithEnv(a.getenv))
		}
		w, err := config.NewWatcher(a.cfgPath, a.applyConfig, opts...)
		if err != nil {
			return fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
		slog.Info("watching config for changes", "path", a.cfgPath, "interval", cfg.Watch.Interval)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.ListenAddr; addr != "" && addr != "off" {
		srv := a.opsServer(addr)
		g.Go(func() error { return serve(gctx, srv) })
	}

	if a.in != nil {
		g.Go(func() error {
			defer cancel()
			return console.New(a, a.in, a.out, a.errOut).Run(gctx)
		})
	}

	<-gctx.Done()
	a.StopCall()
	return g.Wait()
}

// CheckPrerequisites runs the readiness checks once and logs every failure.
// It reports whether everything passed; a failure does not stop the
// application because devices may be plugged in later.
func (a *App) CheckPrerequisites(ctx context.Context) bool {
	rep := a.health.Run(ctx)
	for _, name := range rep.Names {
		if err := rep.Failures[name]; err != nil {
			slog.Warn("prerequisite check failed", "check", name, "err", err)
		}
	}
	return rep.OK()
}

// opsServer builds the listener serving health probes and metrics.
func (a *App) opsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              addr,
		Handler:           observe.OpsHandler(a.metrics, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("operations listener started", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: operations listener: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("operations listener shutdown error", "err", err)
	}
	return nil
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// applyConfig is the watcher callback. Call and preview settings take effect
// for the next call or preview; provider, audio and listener changes need a
// restart.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	// Restart-only sections keep their running values.
	next := *new
	next.Server.ListenAddr = old.Server.ListenAddr
	next.Provider = old.Provider
	next.Audio = old.Audio
	next.Watch = old.Watch
	next.Failover = old.Failover
	a.cfg.Store(&next)

	if d.CallChanged {
		slog.Info("call settings updated; they apply to the next call", "changed", d.CallChanges)
	}
	if d.PreviewChanged {
		if err := a.initPreview(context.Background(), &next); err != nil {
			slog.Warn("voice preview unavailable", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Controller returns the call controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown hangs up any active call and runs the closers in reverse order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.ctrl.Disconnect()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		a.transport.Stop()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// Endpoints returns the device names a transport binds to. With a virtual
// cable, empty names select the cable's well-known endpoints; otherwise they
// select the host defaults.
func Endpoints(ac config.AudioConfig) audio.Endpoints {
	ep := audio.Endpoints{Capture: ac.CaptureDevice, Render: ac.RenderDevice}
	if ac.VirtualCable {
		if ep.Capture == "" {
			ep.Capture = devmatch.VirtualCableCapture
		}
		if ep.Render == "" {
			ep.Render = devmatch.VirtualCableRender
		}
	}
	return ep
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logStatus(st session.Status) {
	if st.LastError != nil && st.State == session.StateError {
		slog.Error("call failed", "err", st.LastError)
		return
	}
	slog.Debug("call status", "state", st.State, "speaking", st.AgentSpeaking, "muted", st.Muted)
}

func displayName(name string) string {
	if name == "" {
		return "(host default)"
	}
	return name
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
