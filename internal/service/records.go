package service

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/kz-records/internal/cache"
	"github.com/kz-records/internal/config"
	"github.com/kz-records/internal/domain"
	"github.com/kz-records/internal/ratelimit"
	"github.com/kz-records/internal/validate"
)

// Row bounds applied before a record is served
const (
	MaxPlayerNameLength = 64
	MaxRunTime          = 999999
	MaxPlace            = 10000
)

var steamIDPattern = regexp.MustCompile(`^7656119[0-9]{10}$`)

// RecordStore is the backing database of maps, runs and players
type RecordStore interface {
	ListMaps(ctx context.Context, prefix string, max int) ([]string, error)
	QueryRecords(ctx context.Context, mapName string, limit int) ([]domain.RecordRow, error)
	QueryStatistics(ctx context.Context) (domain.Statistics, error)
	Ping(ctx context.Context) error
}

// SecurityLogger records rejected map identifiers
type SecurityLogger interface {
	LogInjectionAttempt(ctx context.Context, client domain.Client, raw, reason string)
}

// Notifier is told when a map's records have changed
type Notifier interface {
	NotifyRecordsUpdated(mapName string)
}

// Observer is told about rejections and store failures
type Observer interface {
	RateLimited(boundary string)
	ValidationFailed(reason string)
	StoreError(query string)
}

// RecordsService serves maps, records and statistics through the cache,
// guarding the record store with validation and a rate limit.
type RecordsService struct {
	store    RecordStore
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	security SecurityLogger
	notifier Notifier
	observer Observer
	budget   config.Budget
	display  config.DisplayConfig
	logger   *slog.Logger
}

// Option configures a RecordsService
type Option func(*RecordsService)

// WithNotifier sets the receiver of records_updated notifications
func WithNotifier(n Notifier) Option {
	return func(s *RecordsService) {
		s.notifier = n
	}
}

// WithObserver sets the receiver of rejection and failure counts
func WithObserver(o Observer) Option {
	return func(s *RecordsService) {
		s.observer = o
	}
}

// NewRecordsService creates a new records service. The limiter is used for
// the store budget only.
func NewRecordsService(
	store RecordStore,
	c *cache.Cache,
	limiter *ratelimit.Limiter,
	security SecurityLogger,
	cfg config.Provider,
	logger *slog.Logger,
	opts ...Option,
) *RecordsService {
	s := &RecordsService{
		store:    store,
		cache:    c,
		limiter:  limiter,
		security: security,
		budget:   cfg.Config().RateLimit.Store,
		display:  cfg.Config().Display,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultMap returns the map shown when none is requested
func (s *RecordsService) DefaultMap() string {
	return s.display.DefaultMap
}

// ValidateMap checks a client-supplied map identifier and returns it trimmed.
// Every rejection is written to the security log.
func (s *RecordsService) ValidateMap(ctx context.Context, client domain.Client, raw string) (string, error) {
	reason, ok := validate.Check(raw)
	if !ok {
		s.security.LogInjectionAttempt(ctx, client, raw, string(reason))
		if s.observer != nil {
			s.observer.ValidationFailed(string(reason))
		}
		return "", domain.ErrInvalidMap
	}
	return strings.TrimSpace(raw), nil
}

// MapRecords returns the ranked records of a map. It fails with
// domain.ErrRateLimited when the client is over the store budget and with
// domain.ErrInvalidMap when the identifier is rejected. Store failures are
// not errors; they yield an empty list.
func (s *RecordsService) MapRecords(ctx context.Context, client domain.Client, raw string) ([]domain.LeaderboardRecord, error) {
	if !s.limiter.Admit(client.IP, s.budget.MaxRequests, s.budget.Window) {
		s.logger.Warn("store rate limit exceeded", "ip", client.IP)
		if s.observer != nil {
			s.observer.RateLimited("store")
		}
		return []domain.LeaderboardRecord{}, domain.ErrRateLimited
	}

	mapName, err := s.ValidateMap(ctx, client, raw)
	if err != nil {
		return []domain.LeaderboardRecord{}, err
	}
	if mapName == "" {
		return []domain.LeaderboardRecord{}, nil
	}

	return s.records(ctx, mapName), nil
}

// GetMapRecords is MapRecords with every failure folded into an empty list
func (s *RecordsService) GetMapRecords(ctx context.Context, client domain.Client, mapName string) []domain.LeaderboardRecord {
	records, _ := s.MapRecords(ctx, client, mapName)
	return records
}

// MapInfo summarizes a map's leaderboard. It fails like MapRecords.
func (s *RecordsService) MapInfo(ctx context.Context, client domain.Client, raw string) (domain.MapInfo, error) {
	records, err := s.MapRecords(ctx, client, raw)
	if err != nil {
		return domain.MapInfo{}, err
	}
	return newMapInfo(strings.TrimSpace(raw), records), nil
}

// newMapInfo builds a map summary from its ranked records
func newMapInfo(mapName string, records []domain.LeaderboardRecord) domain.MapInfo {
	info := domain.MapInfo{
		MapName:      mapName,
		HasRecords:   len(records) > 0,
		TotalRecords: len(records),
	}
	if len(records) > 0 {
		top := records[0]
		info.TopRecord = &top
	}
	return info
}

// records reads a validated map's records through the cache
func (s *RecordsService) records(ctx context.Context, mapName string) []domain.LeaderboardRecord {
	key := cache.RecordsKey(mapName)
	return cache.GetOrCompute(ctx, s.cache, key, s.cache.TTLFor(key), func(ctx context.Context) []domain.LeaderboardRecord {
		rows, err := s.store.QueryRecords(ctx, mapName, s.display.RecordsPerPage)
		if err != nil {
			s.storeFailed("records", err)
			return []domain.LeaderboardRecord{}
		}
		return FilterRows(rows)
	})
}

// GetMaps returns the names of playable maps
func (s *RecordsService) GetMaps(ctx context.Context) []string {
	return cache.GetOrCompute(ctx, s.cache, cache.KeyMaps, s.cache.TTLFor(cache.KeyMaps), func(ctx context.Context) []string {
		names, err := s.store.ListMaps(ctx, s.display.MapPrefix, s.display.MaxMaps)
		if err != nil {
			s.storeFailed("maps", err)
			return []string{}
		}

		maps := make([]string, 0, len(names))
		for _, name := range names {
			if validate.MapNameShape(name) {
				maps = append(maps, name)
			}
		}
		return maps
	})
}

// GetStatistics returns aggregate counts; zero on failure
func (s *RecordsService) GetStatistics(ctx context.Context) domain.Statistics {
	return cache.GetOrCompute(ctx, s.cache, cache.KeyStatistics, s.cache.TTLFor(cache.KeyStatistics), func(ctx context.Context) domain.Statistics {
		stats, err := s.store.QueryStatistics(ctx)
		if err != nil {
			s.storeFailed("statistics", err)
			return domain.Statistics{}
		}
		return stats
	})
}

// Available reports whether the record store answers
func (s *RecordsService) Available(ctx context.Context) bool {
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("record store unavailable", "error", err)
		return false
	}
	return true
}

// ClearCache drops every cached entry
func (s *RecordsService) ClearCache(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	s.logger.Info("cache cleared")
	return nil
}

// HandleRunEvents invalidates the records of every map that received a run
// and the statistics entry, then notifies subscribers of each map. Events
// with an invalid map are skipped. It returns the number of maps updated.
func (s *RecordsService) HandleRunEvents(ctx context.Context, events []domain.RunEvent) (int, error) {
	seen := make(map[string]struct{}, len(events))
	var maps []string
	var skipped int

	for _, event := range events {
		reason, ok := validate.Check(event.Map)
		if !ok {
			skipped++
			s.logger.Warn("skipping run event with invalid map",
				"map", event.Map,
				"steam_id", event.SteamID,
				"reason", string(reason),
			)
			continue
		}
		mapName := strings.TrimSpace(event.Map)
		if _, dup := seen[mapName]; dup {
			continue
		}
		seen[mapName] = struct{}{}
		maps = append(maps, mapName)
	}

	if len(maps) == 0 {
		if skipped > 0 {
			return 0, fmt.Errorf("%w: %d run events rejected", domain.ErrInvalidMap, skipped)
		}
		return 0, nil
	}

	for _, mapName := range maps {
		if err := s.cache.Invalidate(ctx, cache.RecordsKey(mapName)); err != nil {
			return 0, fmt.Errorf("invalidating records of %s: %w", mapName, err)
		}
	}
	if err := s.cache.Invalidate(ctx, cache.KeyStatistics); err != nil {
		return 0, fmt.Errorf("invalidating statistics: %w", err)
	}

	if s.notifier != nil {
		for _, mapName := range maps {
			s.notifier.NotifyRecordsUpdated(mapName)
		}
	}

	s.logger.Debug("applied run events", "events", len(events), "maps", len(maps), "skipped", skipped)
	return len(maps), nil
}

// Warm recomputes stale maps, statistics and default map entries. It does
// not consume any client's budget.
func (s *RecordsService) Warm(ctx context.Context) error {
	if !s.Available(ctx) {
		return domain.ErrStoreUnavailable
	}

	maps := s.GetMaps(ctx)
	s.GetStatistics(ctx)

	if validate.MapName(s.display.DefaultMap) {
		s.records(ctx, strings.TrimSpace(s.display.DefaultMap))
	}

	s.logger.Debug("cache warmed", "maps", len(maps))
	return nil
}

func (s *RecordsService) storeFailed(query string, err error) {
	s.logger.Error("record store query failed", "query", query, "error", err)
	if s.observer != nil {
		s.observer.StoreError(query)
	}
}

// FilterRows drops rows that fail the shape checks and converts the rest to
// served records with escaped names.
func FilterRows(rows []domain.RecordRow) []domain.LeaderboardRecord {
	records := make([]domain.LeaderboardRecord, 0, len(rows))
	for _, row := range rows {
		if !steamIDPattern.MatchString(row.SteamID) {
			continue
		}
		if len(row.PlayerName) < 1 || len(row.PlayerName) > MaxPlayerNameLength {
			continue
		}
		if math.IsNaN(row.Time) || math.IsInf(row.Time, 0) || row.Time < 0 || row.Time > MaxRunTime {
			continue
		}
		if row.Place < 1 || row.Place > MaxPlace {
			continue
		}

		var date int64
		if !row.Created.IsZero() {
			date = row.Created.Unix()
		}

		records = append(records, domain.LeaderboardRecord{
			SteamID:       row.SteamID,
			PlayerName:    html.EscapeString(row.PlayerName),
			Time:          row.Time,
			FormattedTime: FormatTime(row.Time),
			Date:          date,
			Place:         int(row.Place),
		})
	}
	return records
}

// FormatTime renders a run time in seconds as m:ss.mmm from the raw
// remainder of seconds mod 60. A remainder that prints as 60.000 carries
// into the minutes.
func FormatTime(seconds float64) string {
	if seconds == 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return "0:00.000"
	}
	minutes := int64(math.Floor(seconds / 60))
	remainder := fmt.Sprintf("%06.3f", math.Mod(seconds, 60))
	if remainder == "60.000" {
		minutes++
		remainder = "00.000"
	}
	return fmt.Sprintf("%d:%s", minutes, remainder)
}
