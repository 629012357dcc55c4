// Package policy resolves the organization email policy from settings.
// The policy is read on every call; nothing is cached.
package policy

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nhle/agentmail/internal/model"
	"github.com/nhle/agentmail/internal/settings"
)

// Service reads the current policy from a settings reader.
type Service struct {
	settings settings.Reader
}

// NewService creates a policy service.
func NewService(r settings.Reader) *Service {
	return &Service{settings: r}
}

// GetPolicy returns the current policy. Missing or unrecognized values
// fall back to the defaults; reader failures are returned.
func (s *Service) GetPolicy(ctx context.Context) (model.Policy, error) {
	p := model.DefaultPolicy()

	var err error
	if p.EmailEnabled, err = s.boolSetting(ctx, model.SettingEmailEnabled, p.EmailEnabled); err != nil {
		return model.Policy{}, err
	}
	if p.EmailSendEnabled, err = s.boolSetting(ctx, model.SettingEmailSendEnabled, p.EmailSendEnabled); err != nil {
		return model.Policy{}, err
	}
	if p.AllowExternal, err = s.boolSetting(ctx, model.SettingAllowExternal, p.AllowExternal); err != nil {
		return model.Policy{}, err
	}
	if p.AttachmentMaxMB, err = s.numberSetting(ctx, model.SettingAttachmentMaxMB, p.AttachmentMaxMB); err != nil {
		return model.Policy{}, err
	}
	return p, nil
}

func (s *Service) boolSetting(ctx context.Context, key string, def bool) (bool, error) {
	raw, ok, err := s.settings.Lookup(ctx, key)
	if err != nil {
		return def, fmt.Errorf("reading setting %s: %w", key, err)
	}
	if !ok {
		return def, nil
	}
	return ParseBool(raw, def), nil
}

func (s *Service) numberSetting(ctx context.Context, key string, def float64) (float64, error) {
	raw, ok, err := s.settings.Lookup(ctx, key)
	if err != nil {
		return def, fmt.Errorf("reading setting %s: %w", key, err)
	}
	if !ok {
		return def, nil
	}
	return ParsePositive(raw, def), nil
}

// ParseBool interprets common spellings of on and off. Anything else
// yields def.
func ParseBool(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "y", "on", "enabled":
		return true
	case "false", "0", "no", "n", "off", "disabled":
		return false
	default:
		return def
	}
}

// ParsePositive parses a finite number greater than zero. Anything else
// yields def.
func ParsePositive(raw string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return def
	}
	return v
}
