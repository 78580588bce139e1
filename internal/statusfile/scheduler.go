package statusfile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"document-bridge/internal/config"
	"document-bridge/internal/files"
	"document-bridge/internal/lease"
	"document-bridge/internal/telemetry"
)

// settleDelay lets a burst of file events finish before a scan starts.
const settleDelay = 2 * time.Second

// Locker keeps scans from overlapping across replicas.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Scheduler scans the input location and processes status files one at a time.
type Scheduler struct {
	processor *Processor
	store     Store
	locker    Locker
	locations config.LocationConfig
	interval  time.Duration
	watch     bool
	timers    *telemetry.TimerRegistry
}

// NewScheduler wires a scheduler. locker may be nil for a single replica.
func NewScheduler(p *Processor, st Store, locker Locker, loc config.LocationConfig, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		processor: p,
		store:     st,
		locker:    locker,
		locations: loc,
		interval:  cfg.Interval,
		watch:     cfg.Watch,
		timers:    telemetry.NewTimerRegistry(telemetry.StatusFileDuration),
	}
}

// Run scans on every tick, and shortly after new files appear when watching,
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if s.watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer w.Close()
		if err := w.Add(s.locations.Input); err != nil {
			return err
		}
		events, watchErrs = w.Events, w.Errors
	}

	settle := time.NewTimer(settleDelay)
	if !settle.Stop() {
		<-settle.C
	}

	s.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.scan(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				settle.Reset(settleDelay)
			}
		case <-settle.C:
			s.scan(ctx)
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			log.Warn().Err(err).Msg("input watcher error")
		}
	}
}

func (s *Scheduler) scan(ctx context.Context) {
	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx)
		if err != nil {
			log.Error().Err(err).Msg("cannot acquire scanner lease")
			return
		}
		if !ok {
			log.Debug().Msg("another replica is scanning")
			return
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lease.ErrNotHeld) {
				log.Warn().Err(err).Msg("cannot release scanner lease")
			}
		}()
	}
	if err := s.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("status file scan failed")
	}
}

// RunOnce processes every file currently in the input location.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "status_file_scan")
	defer span.End()

	entries, err := files.List(s.locations.Input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list input")
		return err
	}
	telemetry.InputDepthGauge.Set(float64(len(entries)))
	span.SetAttributes(attribute.String("input_path", s.locations.Input), attribute.Int("count", len(entries)))
	if len(entries) > 0 {
		log.Info().Int("count", len(entries)).Msg("found files in the input location")
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir {
			log.Debug().Str("file", e.Path).Msg("ignoring directory")
			continue
		}
		if !strings.EqualFold(filepath.Ext(e.Name), ".xml") {
			log.Warn().Str("file", e.Path).Msg("unexpected file in the input location, moving to bin")
			if _, err := files.Move(e.Path, s.locations.Bin); err != nil {
				log.Error().Err(err).Str("file", e.Path).Msg("cannot move file to bin")
			}
			continue
		}
		s.processFile(ctx, e)

		if s.locker != nil {
			if err := s.locker.Extend(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) processFile(ctx context.Context, e files.Entry) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "status_file")
	defer span.End()
	span.SetAttributes(attribute.String("path", e.Path))
	logger := log.With().Str("file", e.Path).Logger()

	start := time.Now()
	res, err := s.processor.Process(ctx, e.Path)
	status := res.Status
	if status == "" {
		status = "unknown"
	}
	s.timers.Since(status, start)
	span.SetAttributes(attribute.String("status", status))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("cannot process status file")
		s.fail(ctx, e, err)
		return
	}
	if res.Outcome == NotYet {
		return
	}

	logger.Info().Int("requests", len(res.Produced)).Msg("status file processed, archiving")
	archived, err := files.Move(e.Path, s.locations.Processed)
	if err != nil {
		// Left in the input location the file would be applied again on the next scan.
		logger.Error().Err(err).Msg("cannot move processed status file")
		s.fail(ctx, e, fmt.Errorf("archive processed status file: %w", err))
		return
	}
	for _, p := range res.Produced {
		if p.ArtifactPath != "" {
			if _, err := files.Move(p.ArtifactPath, s.locations.Processed); err != nil {
				logger.Error().Err(err).Str("document", p.ArtifactPath).Msg("cannot move document file")
			}
		}
		if err := s.store.UpdateStatusFilePath(ctx, p.StatusID, archived); err != nil {
			logger.Error().Err(err).Str("status_id", p.StatusID).Msg("cannot update status file path")
		}
	}
}

func (s *Scheduler) fail(ctx context.Context, e files.Entry, cause error) {
	telemetry.StatusFilesFailed.Inc()
	path, err := files.Move(e.Path, s.locations.Error)
	if err != nil {
		log.Error().Err(err).Str("file", e.Path).Msg("cannot move status file to the error location")
		path = e.Path
	}
	if err := s.store.AddStatusFileError(ctx, e.Name, path, cause.Error()); err != nil {
		log.Error().Err(err).Str("file", e.Name).Msg("cannot record status file error")
	}
}
