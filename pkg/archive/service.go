package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/machinaio/machina/pkg/core"
	"github.com/machinaio/machina/pkg/eventlog"
)

// Config controls when histories are archived and how they are encoded.
type Config struct {
	// Enabled gates all archival writes. Restores always work.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Level is the zlib level (0-9) used when no override is given.
	Level int `yaml:"level" json:"level"`
	// Threshold is the serialized size in bytes below which histories
	// are stored uncompressed.
	Threshold int `yaml:"threshold" json:"threshold"`
	// DaysInactive is how long an instance must be idle before it
	// becomes eligible.
	DaysInactive int `yaml:"days_inactive" json:"days_inactive"`
	// RestoreCooldownHours keeps a freshly restored instance out of the
	// next archival sweep.
	RestoreCooldownHours int `yaml:"restore_cooldown_hours" json:"restore_cooldown_hours"`
	// RetentionDays prunes archive rows older than this. Zero keeps
	// archives forever.
	RetentionDays int `yaml:"archive_retention_days" json:"archive_retention_days"`
}

// DefaultConfig returns the standard archival settings.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Level:                DefaultLevel,
		Threshold:            DefaultThreshold,
		DaysInactive:         30,
		RestoreCooldownHours: 24,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Level < MinLevel || c.Level > MaxLevel {
		return fmt.Errorf("archival level %d out of range [%d, %d]", c.Level, MinLevel, MaxLevel)
	}
	if c.Threshold < 0 {
		return fmt.Errorf("archival threshold cannot be negative")
	}
	if c.DaysInactive < 0 {
		return fmt.Errorf("archival days_inactive cannot be negative")
	}
	if c.RestoreCooldownHours < 0 {
		return fmt.Errorf("archival restore_cooldown_hours cannot be negative")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("archival archive_retention_days cannot be negative")
	}
	return nil
}

// BatchResult counts the outcomes of a batch archival run.
type BatchResult struct {
	Archived int `json:"archived"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Status reports configuration and aggregate counters for operators.
type Status struct {
	Enabled              bool    `json:"enabled"`
	Level                int     `json:"level"`
	Threshold            int     `json:"threshold"`
	DaysInactive         int     `json:"days_inactive"`
	RestoreCooldownHours int     `json:"restore_cooldown_hours"`
	RetentionDays        int     `json:"archive_retention_days"`
	Archives             int64   `json:"archives"`
	ActiveInstances      int64   `json:"active_instances"`
	OriginalBytes        int64   `json:"original_bytes"`
	CompressedBytes      int64   `json:"compressed_bytes"`
	CompressionRatio     float64 `json:"compression_ratio"`
	TotalRestores        int64   `json:"total_restores"`
}

// Service implements the archival lifecycle over a Storage backend.
type Service struct {
	storage Storage
	cfg     Config
	logger  core.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source. Tests use it to step through
// cooldown and retention windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the archival lifecycle to a storage backend.
func NewService(storage Storage, cfg Config, opts ...Option) (*Service, error) {
	if storage == nil {
		return nil, fmt.Errorf("archive: storage cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		storage: storage,
		cfg:     cfg,
		logger:  core.NewNopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ArchiveMachine compresses an instance's history into the archive table
// and prunes its active rows. It returns a nil record without error when
// archival is disabled, the instance is already archived, or it has no
// events.
func (s *Service) ArchiveMachine(ctx context.Context, rootEventID string) (*Record, error) {
	return s.archiveMachine(ctx, rootEventID, s.cfg.Level)
}

// ArchiveMachineAtLevel is ArchiveMachine with a per-call compression
// level override.
func (s *Service) ArchiveMachineAtLevel(ctx context.Context, rootEventID string, level int) (*Record, error) {
	if level < MinLevel || level > MaxLevel {
		return nil, fmt.Errorf("archive: compression level %d out of range [%d, %d]", level, MinLevel, MaxLevel)
	}
	return s.archiveMachine(ctx, rootEventID, level)
}

func (s *Service) archiveMachine(ctx context.Context, rootEventID string, level int) (*Record, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	if rootEventID == "" {
		return nil, fmt.Errorf("archive: root event id cannot be empty")
	}

	if _, err := s.storage.Get(ctx, rootEventID); err == nil {
		return nil, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	events, err := s.storage.LoadActive(ctx, rootEventID)
	if err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	serialized, err := core.JSONEncode(events)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize history: %w", err)
	}
	blob, err := EncodeBlob(serialized, level, s.cfg.Threshold)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		RootEventID:      rootEventID,
		MachineID:        events[0].MachineID,
		EventsData:       blob,
		EventCount:       len(events),
		OriginalSize:     len(serialized),
		CompressedSize:   len(blob),
		CompressionLevel: level,
		ArchivedAt:       s.now().UTC(),
		FirstEventAt:     events[0].CreatedAt,
		LastEventAt:      events[len(events)-1].CreatedAt,
	}

	if err := s.storage.Archive(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"root_event_id":   rootEventID,
		"machine_id":      rec.MachineID,
		"event_count":     rec.EventCount,
		"original_size":   rec.OriginalSize,
		"compressed_size": rec.CompressedSize,
	}).Info("archived machine instance")
	return rec, nil
}

// RestoreMachine decodes an archived history. With keepArchive=true the
// row stays and its restore bookkeeping is updated; otherwise the row is
// deleted after a successful decode.
func (s *Service) RestoreMachine(ctx context.Context, rootEventID string, keepArchive bool) ([]*eventlog.MachineEvent, error) {
	if rootEventID == "" {
		return nil, fmt.Errorf("archive: root event id cannot be empty")
	}
	events, err := s.storage.Restore(ctx, rootEventID, keepArchive, s.now().UTC(), s.decodeRecord)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"root_event_id": rootEventID,
		"event_count":   len(events),
		"keep_archive":  keepArchive,
	}).Info("restored machine instance from archive")
	return events, nil
}

// RestoreAndDelete re-materializes an archived history into the active
// log and removes the archive row. Machines call it when a new event
// arrives for an archived instance.
func (s *Service) RestoreAndDelete(ctx context.Context, rootEventID string) ([]*eventlog.MachineEvent, error) {
	if rootEventID == "" {
		return nil, fmt.Errorf("archive: root event id cannot be empty")
	}
	events, err := s.storage.RestoreAndDelete(ctx, rootEventID, s.decodeRecord)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"root_event_id": rootEventID,
		"event_count":   len(events),
	}).Info("restored machine instance into active log")
	return events, nil
}

// CanReArchive reports whether the post-restore cooldown permits
// archiving the instance again. It does not check whether the instance
// currently has active events.
func (s *Service) CanReArchive(ctx context.Context, rootEventID string) (bool, error) {
	rec, err := s.storage.Get(ctx, rootEventID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if rec.LastRestoredAt == nil {
		return true, nil
	}
	cooldown := time.Duration(s.cfg.RestoreCooldownHours) * time.Hour
	return !s.now().UTC().Before(rec.LastRestoredAt.Add(cooldown)), nil
}

// EligibleInstances lists instances idle past the inactivity window,
// oldest first, excluding archived instances and those inside the
// post-restore cooldown.
func (s *Service) EligibleInstances(ctx context.Context, limit int) ([]string, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -s.cfg.DaysInactive)
	cooldownCutoff := now.Add(-time.Duration(s.cfg.RestoreCooldownHours) * time.Hour)
	return s.storage.Eligible(ctx, cutoff, cooldownCutoff, limit)
}

// BatchArchive archives each id, honouring the cooldown, and counts the
// outcomes.
func (s *Service) BatchArchive(ctx context.Context, rootEventIDs []string) (BatchResult, error) {
	return s.batchArchive(ctx, rootEventIDs, s.cfg.Level)
}

// BatchArchiveAtLevel is BatchArchive with a compression level override.
func (s *Service) BatchArchiveAtLevel(ctx context.Context, rootEventIDs []string, level int) (BatchResult, error) {
	if level < MinLevel || level > MaxLevel {
		return BatchResult{}, fmt.Errorf("archive: compression level %d out of range [%d, %d]", level, MinLevel, MaxLevel)
	}
	return s.batchArchive(ctx, rootEventIDs, level)
}

func (s *Service) batchArchive(ctx context.Context, rootEventIDs []string, level int) (BatchResult, error) {
	var result BatchResult
	for _, id := range rootEventIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		ok, err := s.CanReArchive(ctx, id)
		if err != nil {
			result.Failed++
			s.logger.Warnf("cooldown check for %s failed: %v", id, err)
			continue
		}
		if !ok {
			result.Skipped++
			continue
		}

		rec, err := s.archiveMachine(ctx, id, level)
		switch {
		case err != nil:
			result.Failed++
			s.logger.Warnf("archiving %s failed: %v", id, err)
		case rec == nil:
			result.Skipped++
		default:
			result.Archived++
		}
	}
	return result, nil
}

// ArchiveEligible sweeps up to limit idle instances in one call.
func (s *Service) ArchiveEligible(ctx context.Context, limit int) (BatchResult, error) {
	ids, err := s.EligibleInstances(ctx, limit)
	if err != nil {
		return BatchResult{}, err
	}
	return s.BatchArchive(ctx, ids)
}

// CleanupOldArchives prunes archive rows past the retention window.
// Returns 0 when no retention is configured.
func (s *Service) CleanupOldArchives(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	n, err := s.storage.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Infof("pruned %d archives older than %d days", n, s.cfg.RetentionDays)
	}
	return n, nil
}

// Status reports settings and aggregate counters.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	stats, err := s.storage.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Enabled:              s.cfg.Enabled,
		Level:                s.cfg.Level,
		Threshold:            s.cfg.Threshold,
		DaysInactive:         s.cfg.DaysInactive,
		RestoreCooldownHours: s.cfg.RestoreCooldownHours,
		RetentionDays:        s.cfg.RetentionDays,
		Archives:             stats.ArchiveCount,
		ActiveInstances:      stats.ActiveInstances,
		OriginalBytes:        stats.OriginalBytes,
		CompressedBytes:      stats.CompressedBytes,
		TotalRestores:        stats.TotalRestores,
	}
	if stats.CompressedBytes > 0 {
		st.CompressionRatio = float64(stats.OriginalBytes) / float64(stats.CompressedBytes)
	}
	return st, nil
}

// Close releases the storage backend.
func (s *Service) Close() error {
	return s.storage.Close()
}

func (s *Service) decodeRecord(rec *Record) ([]*eventlog.MachineEvent, error) {
	serialized, err := DecodeBlob(rec.EventsData)
	if err != nil {
		return nil, fmt.Errorf("%w (root %s): %v", ErrCorrupted, rec.RootEventID, err)
	}
	var events []*eventlog.MachineEvent
	if err := core.JSONDecode(serialized, &events); err != nil {
		return nil, fmt.Errorf("%w (root %s): %v", ErrCorrupted, rec.RootEventID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w (root %s): empty history", ErrCorrupted, rec.RootEventID)
	}
	return events, nil
}
