package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/LastBotInc/coralie-interview-session/internal/api"
	"github.com/LastBotInc/coralie-interview-session/internal/callapi"
	"github.com/LastBotInc/coralie-interview-session/internal/capability"
	"github.com/LastBotInc/coralie-interview-session/internal/compositor"
	"github.com/LastBotInc/coralie-interview-session/internal/config"
	"github.com/LastBotInc/coralie-interview-session/internal/devices"
	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
	"github.com/LastBotInc/coralie-interview-session/internal/models"
	"github.com/LastBotInc/coralie-interview-session/internal/session"
	"github.com/LastBotInc/coralie-interview-session/internal/store"
	"github.com/LastBotInc/coralie-interview-session/internal/transcribe"
	"github.com/LastBotInc/coralie-interview-session/internal/transport"
	"github.com/LastBotInc/coralie-interview-session/internal/transport/livekit"
)

// Worker runs one interview session from load to end.
type Worker struct {
	cfg *config.Config

	ctrl      *session.Controller
	control   *api.Server
	archive   *store.Archive
	segmenter *capability.Capability[compositor.Segmenter]

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	interrupted atomic.Bool
}

// NewWorker wires the session components from cfg.
func NewWorker(cfg *config.Config) (*Worker, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{cfg: cfg, ctx: ctx, cancel: cancel}

	client := callapi.NewClient(cfg.CallAPIURL, cfg.CallAPIToken)

	var dev transport.Devices = &devices.Synthetic{ToneHz: 440}
	if cfg.Devices == "denied" {
		dev = devices.Denied{}
	}

	// The archive is optional; the session runs without it
	if cfg.DatabaseURL != "" {
		openCtx, openCancel := context.WithTimeout(ctx, 10*time.Second)
		archive, err := store.Open(openCtx, cfg.DatabaseURL)
		openCancel()
		if err != nil {
			logging.Warning(logging.CategoryStore, "transcript archive disabled: %v", err)
		} else {
			w.archive = archive
		}
	}

	if cfg.SegmenterURL != "" {
		w.segmenter = compositor.NewSegmenterCapability(cfg.SegmenterURL)
	}
	comp := compositor.New(compositor.Options{
		Width:     cfg.FrameWidth,
		Height:    cfg.FrameHeight,
		FrameRate: cfg.FrameRate,
		Segmenter: w.segmenter,
	})

	negotiator := &livekit.Negotiator{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
		Identity:  cfg.UserID,
		Name:      cfg.UserName,
	}
	constraints := media.DefaultConstraints()
	constraints.Video.Width = cfg.FrameWidth
	constraints.Video.Height = cfg.FrameHeight
	constraints.Video.FrameRate = cfg.FrameRate

	w.ctrl = session.NewController(session.Options{
		UserID: cfg.UserID,
		API:    client,
		NewTransport: func(roomID string) *transport.Manager {
			return transport.NewManager(transport.Options{
				RoomID:             roomID,
				Devices:            dev,
				Negotiator:         negotiator,
				Constraints:        constraints,
				NegotiationTimeout: cfg.NegotiationTimeout,
				StatsInterval:      cfg.StatsInterval,
			})
		},
		NewTranscriber: w.newTranscriber(client),
		Compositor:     comp,
	})

	if cfg.ControlAddr != "" {
		w.control = api.New(w.ctrl)
		if w.archive != nil {
			w.control.SetArchive(w.archive)
		}
	}

	logging.Info(logging.CategoryApp, "worker initialized call=%s user=%s devices=%s", cfg.CallID, cfg.UserID, cfg.Devices)
	return w, nil
}

func (w *Worker) newTranscriber(client *callapi.Client) func(call *models.CallSession) *transcribe.Pipeline {
	if w.cfg.RecognitionURL == "" {
		logging.Warning(logging.CategoryTranscribe, "RECOGNITION_URL not set, transcription disabled")
		return nil
	}
	return func(call *models.CallSession) *transcribe.Pipeline {
		opts := transcribe.Options{
			CallID:         call.ID,
			Enabled:        call.TranscriptionEnabled,
			Language:       call.TranscriptionLanguage,
			Dialer:         &transcribe.WebSocketDialer{URL: w.cfg.RecognitionURL, Token: w.cfg.CallAPIToken},
			Store:          client,
			ChunkDuration:  w.cfg.ChunkDuration,
			RequireConsent: true,
			SpeakerNames:   map[string]string{w.cfg.UserID: w.cfg.UserName},
		}
		if w.archive != nil {
			opts.Archive = w.archive
		}
		return transcribe.NewPipeline(opts)
	}
}

// Start runs the session and blocks until it ends or a signal arrives.
func (w *Worker) Start() error {
	// Start pprof server if enabled
	if w.cfg.PProfAddr != "" {
		w.wg.Add(1)
		go w.startPProf()
	}

	if w.control != nil {
		w.control.Start(w.cfg.ControlAddr)
	}

	// Handle signals, including during load and join
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	w.wg.Add(2)
	go w.watchSignals(sigChan)
	go w.watchSession()

	runErr := w.run()
	if runErr == nil {
		// Wait for shutdown signal or the session ending on its own
		<-w.ctx.Done()
		logging.Info(logging.CategoryApp, "shutting down")
	} else if w.interrupted.Load() {
		logging.Info(logging.CategoryApp, "interrupted before the session started: %v", runErr)
		runErr = nil
	}

	w.shutdown()
	return runErr
}

// watchSignals cancels the worker context on SIGTERM or SIGINT.
func (w *Worker) watchSignals(sigChan <-chan os.Signal) {
	defer w.wg.Done()
	select {
	case sig := <-sigChan:
		logging.Info(logging.CategoryApp, "received OS shutdown signal=%s, ending session", sig)
		w.interrupted.Store(true)
		w.cancel()
	case <-w.ctx.Done():
	}
}

// run loads and joins the call.
func (w *Worker) run() error {
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.NegotiationTimeout+15*time.Second)
	defer cancel()

	if err := w.ctrl.Load(ctx, w.cfg.CallID); err != nil {
		return fmt.Errorf("load call: %w", err)
	}
	if err := w.ctrl.Join(ctx); err != nil {
		if transport.IsMediaAcquisition(err) {
			logging.Catastrophe(logging.CategoryApp, "capture devices unavailable devices=%s: %v", w.cfg.Devices, err)
		}
		return fmt.Errorf("join call: %w", err)
	}

	w.wg.Add(1)
	go w.monitorTransport(w.ctrl.Transport())
	return nil
}

func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()

	if err := w.ctrl.End(ctx); err != nil {
		logging.Warning(logging.CategoryApp, "failed to end session cleanly: %v", err)
	}

	// Cleanup: cancel context first
	w.cancel()

	if w.control != nil {
		if err := w.control.Shutdown(ctx); err != nil {
			logging.Warning(logging.CategoryApp, "failed to stop control API: %v", err)
		}
	}
	if w.segmenter != nil {
		if err := w.segmenter.Close(); err != nil {
			logging.Warning(logging.CategoryApp, "failed to release segmenter: %v", err)
		}
	}
	if w.archive != nil {
		w.archive.Close()
	}

	// Wait for goroutines with timeout
	shutdownDone := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		logging.Info(logging.CategoryApp, "worker shutdown complete")
	case <-time.After(5 * time.Second):
		logging.Warning(logging.CategoryApp, "worker shutdown timeout, some goroutines may not have exited cleanly")
	}
}

// watchSession logs controller events and stops the worker once the
// session is over.
func (w *Worker) watchSession() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev := <-w.ctrl.Events():
			switch ev.Type {
			case session.EventConsentRequired:
				logging.Info(logging.CategorySession, "waiting for consent decision (POST /v1/consent)")
			case session.EventStateChanged:
				logging.Debug(logging.CategorySession, "state changed state=%s", ev.State)
				if ev.State == session.StateEnded {
					w.cancel()
					return
				}
			}
		}
	}
}

// monitorTransport ends the session when the peer connection drops.
func (w *Worker) monitorTransport(tm *transport.Manager) {
	defer w.wg.Done()
	if tm == nil {
		return
	}

	var last transport.Quality
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-tm.Changes():
			st := tm.State()
			if st.Quality != last {
				last = st.Quality
				logging.Info(logging.CategoryTransport, "connection quality=%s", st.Quality)
			}
			if !st.Connected {
				logging.Warning(logging.CategoryTransport, "peer connection closed, ending session")
				w.cancel()
				return
			}
		}
	}
}

func (w *Worker) startPProf() {
	defer w.wg.Done()

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", func(w http.ResponseWriter, r *http.Request) {
		http.DefaultServeMux.ServeHTTP(w, r)
	})

	server := &http.Server{
		Addr:              w.cfg.PProfAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-w.ctx.Done()
		server.Shutdown(context.Background())
	}()

	logging.Info(logging.CategoryApp, "starting pprof server addr=%s", w.cfg.PProfAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error(logging.CategoryApp, "pprof server error: %v", err)
	}
}
