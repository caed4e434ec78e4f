package eta

import (
	"time"

	"github.com/BearBump/HandOff/internal/models"
)

const (
	ReasonTooWide   = "band_too_wide"
	ReasonElapsed   = "high_bound_elapsed"
	ReasonStaleData = "order_data_stale"
)

type TrustConfig struct {
	MaxWidth time.Duration // default: 20 minutes
	MinLead  time.Duration // default: 2 minutes
	Recency  time.Duration // default: 30 minutes
}

func DefaultTrustConfig() TrustConfig {
	return TrustConfig{
		MaxWidth: 20 * time.Minute,
		MinLead:  2 * time.Minute,
		Recency:  30 * time.Minute,
	}
}

func (c TrustConfig) withDefaults() TrustConfig {
	def := DefaultTrustConfig()
	if c.MaxWidth <= 0 {
		c.MaxWidth = def.MaxWidth
	}
	if c.MinLead < 0 {
		c.MinLead = def.MinLead
	}
	if c.Recency <= 0 {
		c.Recency = def.Recency
	}
	return c
}

type Verdict struct {
	Trustworthy bool   `json:"trustworthy"`
	Reason      string `json:"reason,omitempty"`
}

// Trust decides whether a band anchored at anchor may be shown as a promise.
func Trust(band models.EtaBand, anchor, orderUpdatedAt, now time.Time, cfg TrustConfig) Verdict {
	cfg = cfg.withDefaults()

	if time.Duration(band.Width())*time.Minute > cfg.MaxWidth {
		return Verdict{Reason: ReasonTooWide}
	}
	_, high := ConfidenceTimes(anchor, band)
	if high.Before(now.Add(cfg.MinLead)) {
		return Verdict{Reason: ReasonElapsed}
	}
	if now.Sub(orderUpdatedAt) > cfg.Recency {
		return Verdict{Reason: ReasonStaleData}
	}
	return Verdict{Trustworthy: true}
}

// Display returns the band when it is trustworthy and nil when it must be
// suppressed.
func Display(band models.EtaBand, anchor, orderUpdatedAt, now time.Time, cfg TrustConfig) *models.EtaBand {
	if !Trust(band, anchor, orderUpdatedAt, now, cfg).Trustworthy {
		return nil
	}
	b := band
	return &b
}
