package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kwv/pointalign/align"
	"github.com/kwv/pointalign/ransac"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config     *align.Config
	MQTTClient *align.MQTTClient
	Publisher  *align.Publisher
	Server     *Server

	// CLI flags shared by every command
	ConfigFile string
	Verbose    bool
	Trace      bool

	Out io.Writer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Config: align.DefaultConfig(),
		Out:    os.Stdout,
	}
}

// LoadConfig reads ConfigFile when set. Without one the defaults stay.
func (a *App) LoadConfig() error {
	if a.ConfigFile == "" {
		return nil
	}
	config, err := align.LoadConfig(a.ConfigFile)
	if err != nil {
		return err
	}
	a.Config = config
	log.Printf("Loaded config from %s", a.ConfigFile)
	return nil
}

// estimatorOptions logs a summary per fit with Verbose, and every trial with
// Trace.
func (a *App) estimatorOptions() []ransac.Option {
	if !a.Verbose && !a.Trace {
		return nil
	}
	opts := []ransac.Option{ransac.WithLogger(log.Default())}
	if a.Trace {
		opts = append(opts, ransac.WithTrialLogging())
	}
	return opts
}

// FitOptions are the inputs of one fit run. Empty paths fall back to the
// config file, a zero RANSAC config keeps the configured estimator.
type FitOptions struct {
	Name    string
	Source  string
	Target  string
	Output  string
	Record  string
	GeoJSON string
	SVG     string
	PNG     string
	RANSAC  ransac.Config
}

// RunFit loads both point sets, fits them and writes every requested output.
func (a *App) RunFit(opts FitOptions) (*align.AlignmentRecord, error) {
	source := firstNonEmpty(opts.Source, a.Config.Source)
	target := firstNonEmpty(opts.Target, a.Config.Target)
	if source == "" || target == "" {
		return nil, errors.New("both source and target point sets are required")
	}

	x, err := align.LoadPointSet(source)
	if err != nil {
		return nil, err
	}
	y, err := align.LoadPointSet(target)
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}

	cfg := a.Config.RANSAC.Merge(opts.RANSAC)
	start := time.Now()
	res, err := align.RobustFit(x, y, cfg, a.estimatorOptions()...)
	if err != nil {
		return nil, fmt.Errorf("fitting %s: %w", name, err)
	}
	rec := align.NewAlignmentRecord(name, res)
	log.Printf("[FIT] %s: %d/%d inliers in %v", name, rec.NumInliers, rec.NumPoints, time.Since(start).Round(time.Millisecond))

	if out := firstNonEmpty(opts.Output, a.Config.Output); out != "" {
		if err := align.SaveTransform(out, res.Params); err != nil {
			return nil, err
		}
		log.Printf("Transform saved to %s", out)
	}
	if out := firstNonEmpty(opts.Record, a.Config.Record); out != "" {
		if err := align.SaveAlignment(out, rec); err != nil {
			return nil, err
		}
		log.Printf("Alignment record saved to %s", out)
	}
	if opts.GeoJSON != "" {
		fc, err := align.ExportGeoJSON(x, y, res)
		if err != nil {
			return nil, err
		}
		if err := align.SaveGeoJSON(opts.GeoJSON, fc); err != nil {
			return nil, err
		}
		log.Printf("GeoJSON saved to %s", opts.GeoJSON)
	}

	renderer := align.NewOverlayRenderer(x, y, res)
	for _, out := range []string{opts.SVG, opts.PNG} {
		if out == "" {
			continue
		}
		if err := writeOverlay(out, renderer); err != nil {
			return nil, err
		}
		log.Printf("Overlay saved to %s", out)
	}

	a.printRecord(rec)
	return rec, nil
}

func (a *App) printRecord(rec *align.AlignmentRecord) {
	fmt.Fprintf(a.Out, "=== %s ===\n", rec.Name)
	fmt.Fprintf(a.Out, "Inliers: %d/%d (threshold %.4g, %d trials, %d skipped)\n",
		rec.NumInliers, rec.NumPoints, rec.Threshold, rec.Trials, rec.Skipped)
	fmt.Fprintf(a.Out, "RMSE: %.6g\n", rec.RMSE)
	fmt.Fprintf(a.Out, "Scale: %.6g\n", rec.Scale)
	fmt.Fprintf(a.Out, "Rotation (w,x,y,z): %.6f %.6f %.6f %.6f\n",
		rec.Rotation[0], rec.Rotation[1], rec.Rotation[2], rec.Rotation[3])
	fmt.Fprintf(a.Out, "Translation: %.6g %.6g %.6g\n", rec.Translation[0], rec.Translation[1], rec.Translation[2])
}

// ApplyOptions select the transform and point set for RunApply. Transform
// takes precedence over Record.
type ApplyOptions struct {
	Transform string
	Record    string
	Points    string
	Output    string
	Inverse   bool
}

// RunApply maps a point set through a saved transform.
func (a *App) RunApply(opts ApplyOptions) error {
	if opts.Points == "" {
		return errors.New("a point set is required")
	}
	points, err := align.LoadPointSet(opts.Points)
	if err != nil {
		return err
	}

	var out align.PointSet
	switch {
	case opts.Transform != "":
		h, err := align.LoadTransform(opts.Transform)
		if err != nil {
			return err
		}
		if opts.Inverse {
			if h, err = h.Inverse(); err != nil {
				return err
			}
		}
		out = h.Apply(points)
	default:
		path := firstNonEmpty(opts.Record, a.Config.Record)
		if path == "" {
			return errors.New("a transform or alignment record is required")
		}
		rec, err := align.LoadAlignment(path)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no alignment record at %s", path)
		}
		sim := rec.Similarity()
		if opts.Inverse {
			sim = sim.Inverse()
		}
		out = sim.Apply(points)
	}

	if opts.Output != "" {
		if err := align.SavePointSet(opts.Output, out); err != nil {
			return err
		}
		log.Printf("Transformed %d points to %s", len(out), opts.Output)
		return nil
	}
	enc := json.NewEncoder(a.Out)
	return enc.Encode(out)
}

// RenderOptions select the record, point sets and output for RunRender.
type RenderOptions struct {
	Record string
	Source string
	Target string
	Output string
}

// RunRender draws the overlay of a saved fit.
func (a *App) RunRender(opts RenderOptions) error {
	path := firstNonEmpty(opts.Record, a.Config.Record)
	if path == "" {
		return errors.New("an alignment record is required")
	}
	if opts.Output == "" {
		return errors.New("an output file is required")
	}

	rec, err := align.LoadAlignment(path)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no alignment record at %s", path)
	}
	x, err := align.LoadPointSet(firstNonEmpty(opts.Source, a.Config.Source))
	if err != nil {
		return err
	}
	y, err := align.LoadPointSet(firstNonEmpty(opts.Target, a.Config.Target))
	if err != nil {
		return err
	}

	if err := writeOverlay(opts.Output, align.NewOverlayRenderer(x, y, rec.FitResult())); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Overlay saved to %s\n", opts.Output)
	return nil
}

// writeOverlay renders to path, choosing PNG or SVG by extension.
func writeOverlay(path string, renderer *align.OverlayRenderer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating overlay directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating overlay file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".png") {
		err = renderer.RenderToPNG(f)
	} else {
		err = renderer.RenderToSVG(f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("rendering overlay %s: %w", path, err)
	}
	return nil
}

// RunService serves the HTTP API, and MQTT when a broker is configured,
// until ctx is cancelled.
func (a *App) RunService(ctx context.Context, port int) error {
	fmt.Fprintln(a.Out, "Starting pointalign service...")

	if port == 0 {
		port = a.Config.GetPort()
	}
	a.Server = NewServer(a.Config.RANSAC, nil, a.estimatorOptions()...)
	a.Server.SetTrialLimit(a.Config.GetMaxRequestTrials())
	a.restoreRecord()

	mqttClient, err := align.InitMQTT(a.Config, a.Server.HandleRequest)
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	if mqttClient != nil {
		a.MQTTClient = mqttClient
		a.Publisher = align.NewPublisher(mqttClient.GetClient(), mqttClient.Config().PublishPrefix)
		a.Server.SetPublisher(a.Publisher)
		fmt.Fprintln(a.Out, "MQTT transform publisher initialized")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           a.Server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[HTTP] Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	a.printServiceInfo(port)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if serveErr != nil {
			serveErr = fmt.Errorf("http server: %w", serveErr)
		}
	}

	fmt.Fprintln(a.Out, "\nShutting down service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[HTTP] Shutdown error: %v", err)
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return serveErr
}

// restoreRecord seeds the server with the configured record, if one exists.
func (a *App) restoreRecord() {
	if a.Config.Record == "" {
		return
	}
	rec, err := align.LoadAlignment(a.Config.Record)
	if err != nil {
		log.Printf("Warning: Failed to load alignment record %s: %v", a.Config.Record, err)
		return
	}
	if rec == nil {
		return
	}

	var x, y align.PointSet
	if a.Config.Source != "" && a.Config.Target != "" {
		if x, err = align.LoadPointSet(a.Config.Source); err == nil {
			y, err = align.LoadPointSet(a.Config.Target)
		}
		if err != nil || len(x) != rec.NumPoints || len(y) != rec.NumPoints {
			log.Printf("Warning: point sets do not match record %s, overlay disabled", rec.Name)
			x, y = nil, nil
		}
	}
	a.Server.Store(rec, x, y)
	log.Printf("Restored alignment %s from %s", rec.Name, a.Config.Record)
}

func (a *App) printServiceInfo(port int) {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")

	if a.MQTTClient != nil {
		cfg := a.MQTTClient.Config()
		fmt.Fprintln(a.Out, "\nMQTT:")
		if cfg.RequestTopic != "" {
			fmt.Fprintf(a.Out, "  Fit requests: %s\n", cfg.RequestTopic)
		}
		fmt.Fprintf(a.Out, "  Publishing to: %s\n", a.Publisher.TransformTopic("{name}"))
	}

	fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", port)
	fmt.Fprintln(a.Out, "  GET  /health                       - Health check")
	fmt.Fprintln(a.Out, "  POST /api/v1/fit                   - Fit a source/target pair")
	fmt.Fprintln(a.Out, "  POST /api/v1/apply                 - Transform points")
	fmt.Fprintln(a.Out, "  GET  /api/v1/transform             - Latest alignment record")
	fmt.Fprintln(a.Out, "  GET  /api/v1/transforms/{name}     - Named alignment record")
	fmt.Fprintln(a.Out, "  GET  /api/v1/overlay.{svg,png}     - Overlay of the latest fit")

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
