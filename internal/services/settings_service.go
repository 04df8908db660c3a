// Package services – SettingsService
//
// SettingsService owns the single settings document: connection endpoint,
// API key and sampling parameters. Stored documents are decoded over the
// defaults, so fields missing from an older document keep their default.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/tbourn/go-llm-chat/internal/domain"
	"github.com/tbourn/go-llm-chat/internal/store"
)

const settingsKey = "settings"

// DefaultSettings returns the built-in settings.
func DefaultSettings() domain.Settings {
	return domain.Settings{
		SelectedModel:  "LM Studio (Local)",
		CustomEndpoint: "http://localhost:1234",
		APIKey:         "",
		Temperature:    0.7,
		MaxTokens:      2048,
		TopP:           0.9,
	}
}

// SettingsPatch is a partial update; nil fields are left unchanged.
type SettingsPatch struct {
	SelectedModel  *string  `json:"selected_model,omitempty"`
	CustomEndpoint *string  `json:"custom_endpoint,omitempty"`
	APIKey         *string  `json:"api_key,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
}

// SettingsService reads and updates the settings document.
type SettingsService struct {
	Store    store.Store
	Defaults domain.Settings

	mu sync.Mutex
}

// NewSettingsService returns a service over st. A zero defaults value uses
// DefaultSettings.
func NewSettingsService(st store.Store, defaults domain.Settings) *SettingsService {
	if defaults == (domain.Settings{}) {
		defaults = DefaultSettings()
	}
	return &SettingsService{Store: st, Defaults: defaults}
}

// Get returns the stored settings merged over the defaults.
func (s *SettingsService) Get(ctx context.Context) (domain.Settings, error) {
	ctx, span := otel.Tracer("services/SettingsService").Start(ctx, "Get")
	defer span.End()

	cur := s.Defaults
	err := store.GetJSON(ctx, s.Store, settingsKey, &cur)
	if errors.Is(err, store.ErrNotFound) {
		return s.Defaults, nil
	}
	if err != nil {
		return s.Defaults, err
	}
	return cur, nil
}

// Current implements SettingsSource. Storage failures fall back to defaults.
func (s *SettingsService) Current(ctx context.Context) domain.Settings {
	cur, err := s.Get(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("settings: using defaults")
	}
	return cur
}

// Update applies p, validates the result and stores it.
func (s *SettingsService) Update(ctx context.Context, p SettingsPatch) (domain.Settings, error) {
	ctx, span := otel.Tracer("services/SettingsService").Start(ctx, "Update")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Get(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	if p.SelectedModel != nil {
		cur.SelectedModel = strings.TrimSpace(*p.SelectedModel)
	}
	if p.CustomEndpoint != nil {
		cur.CustomEndpoint = strings.TrimSpace(*p.CustomEndpoint)
	}
	if p.APIKey != nil {
		cur.APIKey = strings.TrimSpace(*p.APIKey)
	}
	if p.Temperature != nil {
		cur.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		cur.MaxTokens = *p.MaxTokens
	}
	if p.TopP != nil {
		cur.TopP = *p.TopP
	}
	if err := ValidateSettings(cur); err != nil {
		return domain.Settings{}, err
	}
	if err := store.SetJSON(ctx, s.Store, settingsKey, cur); err != nil {
		return domain.Settings{}, err
	}
	return cur, nil
}

// Reset drops the stored document so defaults apply again.
func (s *SettingsService) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Store.Remove(ctx, settingsKey)
}

// ValidateSettings checks ranges and the endpoint URL.
func ValidateSettings(st domain.Settings) error {
	u, err := url.Parse(st.CustomEndpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: custom_endpoint must be an http(s) URL", ErrInvalidSettings)
	}
	if st.Temperature < 0 || st.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be within [0, 2]", ErrInvalidSettings)
	}
	if st.MaxTokens < 1 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidSettings)
	}
	if st.TopP <= 0 || st.TopP > 1 {
		return fmt.Errorf("%w: top_p must be within (0, 1]", ErrInvalidSettings)
	}
	return nil
}

// MaskAPIKey hides all but the edges of a key for display.
func MaskAPIKey(key string) string {
	switch n := len(key); {
	case n == 0:
		return ""
	case n <= 8:
		return "****"
	default:
		return key[:3] + "****" + key[n-4:]
	}
}
