/*
Package config loads the engine configuration from YAML and serves it
hot-reloadable.

PURPOSE:
  Tier thresholds and voucher timing are editable by operators without a
  restart. The Provider re-reads the file when its modification time
  changes (polled by Watch, or on an explicit Reload) and hands out a
  consistent snapshot under a read lock. The tier engine and the
  redemption flows read through the Provider on every call, so an edit
  takes effect on the next operation.

VALIDATION:
  A reload that fails to parse or validate keeps the previous snapshot:
  a broken edit degrades to stale config, never to a crash. The lowest
  tier's min_points is fixed at 0 and rejected otherwise.
*/
package config

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hemolink/loyalty-engine/points"
)

// Config is one parsed snapshot of the configuration file.
type Config struct {
	QRExpiryHours        int           `yaml:"qr_expiry_hours"`
	VoucherRetentionDays int           `yaml:"voucher_retention_days"`
	QRSigningSecret      string        `yaml:"qr_signing_secret"`
	BaseURL              string        `yaml:"base_url"`
	NotifyWebhookURL     string        `yaml:"notify_webhook_url"`
	Tiers                []TierSetting `yaml:"tiers"`
}

type TierSetting struct {
	Name            string `yaml:"name"`
	MinPoints       int64  `yaml:"min_points"`
	DiscountPercent string `yaml:"discount_percent"`
}

// Defaults applied when the file omits a value.
const (
	DefaultQRExpiryHours        = 72
	DefaultVoucherRetentionDays = 7
)

func parse(data []byte) (Config, []points.TierThreshold, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.QRExpiryHours <= 0 {
		cfg.QRExpiryHours = DefaultQRExpiryHours
	}
	if cfg.VoucherRetentionDays <= 0 {
		cfg.VoucherRetentionDays = DefaultVoucherRetentionDays
	}

	thresholds := make([]points.TierThreshold, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		discount := decimal.Zero
		if t.DiscountPercent != "" {
			d, err := decimal.NewFromString(t.DiscountPercent)
			if err != nil {
				return Config{}, nil, fmt.Errorf("parse config: tier %q discount: %w", t.Name, err)
			}
			discount = d
		}
		thresholds = append(thresholds, points.TierThreshold{
			Name:            t.Name,
			MinPoints:       t.MinPoints,
			DiscountPercent: discount,
		})
	}
	sort.Slice(thresholds, func(i, j int) bool { return thresholds[i].MinPoints < thresholds[j].MinPoints })

	if len(thresholds) > 0 && thresholds[0].MinPoints != 0 {
		return Config{}, nil, fmt.Errorf("parse config: lowest tier %q must have min_points 0",
			thresholds[0].Name)
	}
	return cfg, thresholds, nil
}

// =============================================================================
// PROVIDER - Hot-reloadable snapshot
// =============================================================================

// Provider serves the current configuration snapshot. Implements
// points.ThresholdProvider and redemption.Settings.
type Provider struct {
	path string
	log  *zap.Logger

	mu         sync.RWMutex
	cfg        Config
	thresholds []points.TierThreshold
	modTime    time.Time
}

// Load reads the configuration file and returns a Provider serving it.
func Load(path string, log *zap.Logger) (*Provider, error) {
	p := &Provider{path: path, log: log}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the file. On failure the previous snapshot is kept and
// the error returned.
func (p *Provider) Reload() error {
	info, err := os.Stat(p.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	cfg, thresholds, err := parse(data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = cfg
	p.thresholds = thresholds
	p.modTime = info.ModTime()
	p.mu.Unlock()
	return nil
}

// Watch polls the file's modification time and reloads on change, until
// stop is closed. Reload failures are logged; the old snapshot stays live.
func (p *Provider) Watch(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			info, err := os.Stat(p.path)
			if err != nil {
				continue
			}
			p.mu.RLock()
			changed := info.ModTime().After(p.modTime)
			p.mu.RUnlock()
			if !changed {
				continue
			}
			if err := p.Reload(); err != nil {
				p.log.Warn("config reload failed, keeping previous snapshot", zap.Error(err))
			} else {
				p.log.Info("config reloaded", zap.String("path", p.path))
			}
		case <-stop:
			return
		}
	}
}

// Snapshot returns the current parsed configuration.
func (p *Provider) Snapshot() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Thresholds implements points.ThresholdProvider.
func (p *Provider) Thresholds() []points.TierThreshold {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]points.TierThreshold, len(p.thresholds))
	copy(out, p.thresholds)
	return out
}

// VoucherExpiry implements redemption.Settings.
func (p *Provider) VoucherExpiry() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.cfg.QRExpiryHours) * time.Hour
}

// VoucherRetention implements redemption.Settings.
func (p *Provider) VoucherRetention() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.cfg.VoucherRetentionDays) * 24 * time.Hour
}
