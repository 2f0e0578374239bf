package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"peercam/config"
	"peercam/host"
	"peercam/metrics"
	"peercam/notify"
	"peercam/serve"
	"peercam/streamer"
	"peercam/transport"
	"peercam/util"
	"peercam/video"
	"peercam/video/sink"
	"peercam/video/source"
)

type flags struct {
	config string
	mode   string
	listen string
	peer   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:          "peercam",
		Short:        "Paired camera: a streamer records or streams, a host watches and triggers",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "", "Config file (.json, .toml or .yaml); watched for changes")
	root.PersistentFlags().StringVar(&f.listen, "listen", "", "HTTP listen address")

	streamerCmd := &cobra.Command{
		Use:   "streamer",
		Short: "Capture from the local camera and serve the peer link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(cmd.Context(), f)
			if err != nil {
				return err
			}
			return runStreamer(cmd.Context(), cfg)
		},
	}
	streamerCmd.Flags().StringVar(&f.mode, "mode", "", "Streaming mode: file, live or hybrid")

	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Connect to a streamer, show its frames and keep its recordings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(cmd.Context(), f)
			if err != nil {
				return err
			}
			return runHost(cmd.Context(), cfg)
		},
	}
	hostCmd.Flags().StringVar(&f.peer, "peer", "", "Streamer peer URL, e.g. ws://streamer:8080/peer")

	root.AddCommand(streamerCmd, hostCmd)
	return root
}

// setup loads the config, watching it until ctx is done, and applies flag
// overrides.
func setup(ctx context.Context, f *flags) (*config.Config, error) {
	if f.config != "" {
		if err := config.Load(ctx, f.config); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := *config.Get()
	if f.mode != "" {
		cfg.Mode = f.mode
	}
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.peer != "" {
		cfg.PeerURL = f.peer
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setLogLevel(cfg.LogLevel)
	config.OnChange(func(c *config.Config) { setLogLevel(c.LogLevel) })
	return &cfg, nil
}

func setLogLevel(s string) {
	lvl, err := log.ParseLevel(s)
	if err != nil {
		log.Warnf("Ignoring log level %q: %v", s, err)
		return
	}
	log.SetLevel(lvl)
}

func runStreamer(ctx context.Context, cfg *config.Config) error {
	mode, err := video.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}

	ffmpegp := cfg.FFmpeg
	if ffmpegp == "" && mode.HasMovie() {
		if ffmpegp, err = util.LocateFFmpeg(); err != nil {
			log.Errorf("Unable to locate ffmpeg binary: %v", err)
			log.Error("FFmpeg is required for saving video files. Either ensure the " +
				"ffmpeg binary is in $PATH, or set the FFMPEG environment variable.")
			return err
		}
		log.Infof("Located ffmpeg binary, %v", ffmpegp)
	}

	backend := &video.SystemBackend{
		Devices: source.Devices{VideoID: cfg.VideoDevice, AudioID: cfg.AudioDevice},
		Camera:  source.CameraOptions{Width: cfg.Width, Height: cfg.Height, FPS: cfg.FPS},
		FFmpeg:  ffmpegp,
	}

	bus := notify.NewBus()
	defer bus.Close()
	ui := notify.NewQueue(64)
	defer ui.Close()

	mjpegServer := sink.NewMJPEGServer()
	live := mjpegServer.NewStream("live")
	defer live.Close()

	peer := transport.NewPeer(nil)
	defer peer.Close()
	out := sink.Fanout{peer, live}

	pipeline := video.NewPipeline(backend, out, cfg.FrameSkip)
	topo, err := pipeline.Configure(mode)
	if err != nil {
		return fmt.Errorf("failed to configure capture: %w", err)
	}
	defer pipeline.Teardown()
	log.Infof("Streaming mode %v: movie output %v, frame output %v", topo.Mode, topo.Movie, topo.Frames)

	scratch, err := video.NewScratchFile(cfg.ScratchDir, cfg.ScratchName)
	if err != nil {
		return err
	}
	rec := video.NewRecorder(pipeline, scratch, out, bus)
	defer rec.Close()

	ctrl := streamer.New(pipeline, rec, peer, bus, ui)
	defer ctrl.Close()
	peer.Handler = ctrl
	peer.OnConnect = ctrl.HostConnected
	peer.OnDisconnect = ctrl.HostDisconnected

	if err := pipeline.Start(); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	defer pipeline.Stop()

	mux := http.NewServeMux()
	mux.Handle("/peer", peer)
	mux.Handle("/mjpeg", mjpegServer)
	mux.Handle("/trigger", ctrl)
	mux.Handle("/reset", &serve.ResetServer{Reset: ctrl.Reset})
	mux.Handle("/status", &serve.StatusServer{Status: func() interface{} { return ctrl.Status() }})
	mux.Handle("/video", serve.NewVideoServer(func() (string, error) {
		if !scratch.Exists() {
			return "", errors.New("no recording")
		}
		return scratch.Path(), nil
	}))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	return serveHTTP(ctx, cfg.Listen, mux, nil)
}

func runHost(ctx context.Context, cfg *config.Config) error {
	mjpegServer := sink.NewMJPEGServer()
	stream := mjpegServer.NewStream("peer")
	defer stream.Close()

	h, err := host.New(cfg.DownloadDir, stream)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/mjpeg", mjpegServer)
	mux.Handle("/trigger", h)
	mux.Handle("/reset", &serve.ResetServer{Reset: h.Reset})
	mux.Handle("/status", &serve.StatusServer{Status: func() interface{} { return h.Status() }})
	mux.Handle("/video", serve.NewVideoServer(h.LastRecording))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	return serveHTTP(ctx, cfg.Listen, mux, func(ctx context.Context) error {
		return h.Run(ctx, cfg.PeerURL)
	})
}

// serveHTTP serves mux, and runs extra alongside it, until ctx is done or
// either fails.
func serveHTTP(ctx context.Context, addr string, mux *http.ServeMux, extra func(context.Context) error) error {
	w := log.StandardLogger().Writer()
	defer w.Close()

	srv := &http.Server{
		Addr:    addr,
		Handler: handlers.CombinedLoggingHandler(w, mux),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Hosting web frontend on %v", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if extra != nil {
		g.Go(func() error { return extra(ctx) })
	}
	return g.Wait()
}
