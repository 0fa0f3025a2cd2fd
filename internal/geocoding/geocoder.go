package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"

	"estimo/server/internal/models"
)

const (
	DefaultAPIURL   = "https://data.geopf.fr/geocodage/search"
	DefaultMinScore = 0.4

	cacheFileName = "geocode_cache.json"
)

type Config struct {
	APIURL      string
	MinScore    float64
	Timeout     time.Duration
	MaxAttempts int
	// CacheDir holds the persisted cache; empty keeps the cache in memory only.
	CacheDir       string
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Geocoder resolves French addresses with the Géoplateforme search API.
type Geocoder struct {
	logger      *logrus.Logger
	apiURL      string
	minScore    float64
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	cacheDir    string
	cache       map[string]models.GeocodingResult
	cacheLock   sync.RWMutex
	saveLock    sync.Mutex
	client      *http.Client
}

// statusError is a non-2xx answer from the API.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func NewGeocoder(logger *logrus.Logger, cfg Config) *Geocoder {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultMinScore
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}

	g := &Geocoder{
		logger:      logger,
		apiURL:      cfg.APIURL,
		minScore:    cfg.MinScore,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.RetryBaseDelay,
		maxDelay:    cfg.RetryMaxDelay,
		cacheDir:    cfg.CacheDir,
		cache:       make(map[string]models.GeocodingResult),
		client:      &http.Client{Timeout: cfg.Timeout},
	}

	if g.cacheDir != "" {
		if err := os.MkdirAll(g.cacheDir, 0755); err != nil {
			logger.WithError(err).Warn("Could not create geocode cache directory")
		}
		g.loadCache()
	}

	return g
}

func (g *Geocoder) loadCache() {
	cacheFile := filepath.Join(g.cacheDir, cacheFileName)
	data, err := os.ReadFile(cacheFile)
	if err != nil {
		g.logger.Warnf("Could not load geocode cache: %v", err)
		return
	}

	g.cacheLock.Lock()
	defer g.cacheLock.Unlock()
	if err := json.Unmarshal(data, &g.cache); err != nil {
		g.logger.Errorf("Failed to parse geocode cache: %v", err)
		return
	}

	g.logger.Infof("Loaded %d cached addresses", len(g.cache))
}

func (g *Geocoder) saveCache() {
	if g.cacheDir == "" {
		return
	}

	// Saves are serialized and replace the file atomically.
	g.saveLock.Lock()
	defer g.saveLock.Unlock()

	g.cacheLock.RLock()
	data, err := json.Marshal(g.cache)
	g.cacheLock.RUnlock()
	if err != nil {
		g.logger.Errorf("Failed to marshal geocode cache: %v", err)
		return
	}

	cacheFile := filepath.Join(g.cacheDir, cacheFileName)
	tmpFile := cacheFile + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		g.logger.Errorf("Failed to save geocode cache: %v", err)
		return
	}
	if err := os.Rename(tmpFile, cacheFile); err != nil {
		g.logger.Errorf("Failed to save geocode cache: %v", err)
		return
	}

	g.logger.Debug("Saved geocode cache to disk")
}

func cacheKey(address, postcode string) string {
	return strings.ToLower(strings.TrimSpace(address)) + "|" + strings.TrimSpace(postcode)
}

// GeocodeBest returns the top-ranked match, or nil when there is none or its
// score is below the minimum.
func (g *Geocoder) GeocodeBest(ctx context.Context, address, postcode string) (*models.GeocodingResult, error) {
	key := cacheKey(address, postcode)

	g.cacheLock.RLock()
	if cached, ok := g.cache[key]; ok {
		g.cacheLock.RUnlock()
		g.logger.WithFields(logrus.Fields{
			"address": address,
			"source":  "cache",
		}).Debug("Found address in cache")
		return &cached, nil
	}
	g.cacheLock.RUnlock()

	results, err := g.Geocode(ctx, address, postcode, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		g.logger.WithField("address", address).Warn("No results found")
		return nil, nil
	}

	best := results[0]
	if best.Score < g.minScore {
		g.logger.WithFields(logrus.Fields{
			"address":   address,
			"score":     best.Score,
			"min_score": g.minScore,
		}).Warn("Best geocoding match below minimum score")
		return nil, nil
	}

	g.cacheLock.Lock()
	g.cache[key] = best
	g.cacheLock.Unlock()
	g.saveCache()

	return &best, nil
}

// Geocode returns up to limit matches ordered by decreasing score.
func (g *Geocoder) Geocode(ctx context.Context, address, postcode string, limit int) ([]models.GeocodingResult, error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("empty address")
	}
	if limit < 1 {
		limit = 5
	}

	params := url.Values{
		"q":     []string{address},
		"limit": []string{strconv.Itoa(limit)},
		"type":  []string{"housenumber"},
	}
	if postcode != "" {
		params.Set("postcode", postcode)
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := g.backoff(attempt - 1)
			g.logger.WithFields(logrus.Fields{
				"address": address,
				"attempt": attempt,
				"delay":   delay.String(),
			}).Info("Retrying geocoding request")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		results, err := g.search(ctx, params)
		if err == nil {
			g.logger.WithFields(logrus.Fields{
				"address": address,
				"results": len(results),
			}).Debug("Geocoded address")
			return results, nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.WithError(err).WithField("address", address).Warn("Geocoding request failed")
	}

	return nil, fmt.Errorf("geocoding request failed: %w", lastErr)
}

// backoff doubles from the base delay on each retry, capped at the max delay.
func (g *Geocoder) backoff(retry int) time.Duration {
	delay := g.baseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= g.maxDelay {
			return g.maxDelay
		}
	}
	if delay > g.maxDelay {
		return g.maxDelay
	}
	return delay
}

func (g *Geocoder) search(ctx context.Context, params url.Values) ([]models.GeocodingResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.URL.RawQuery = params.Encode()
	req.Header.Set("User-Agent", "Estimo Property Estimator/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode}
	}

	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]models.GeocodingResult, 0, len(fc.Features))
	for _, f := range fc.Features {
		point, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		props := f.Properties
		results = append(results, models.GeocodingResult{
			Label:       props.MustString("label", ""),
			Score:       props.MustFloat64("score", 0),
			Latitude:    point.Lat(),
			Longitude:   point.Lon(),
			HouseNumber: props.MustString("housenumber", ""),
			Street:      props.MustString("street", ""),
			Postcode:    props.MustString("postcode", ""),
			City:        props.MustString("city", ""),
			CityCode:    props.MustString("citycode", ""),
			Context:     props.MustString("context", ""),
		})
	}
	return results, nil
}
