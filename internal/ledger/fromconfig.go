package ledger

import (
	"time"

	"chronicle/internal/config"
)

// RatesFromConfig converts configured rate entries into ledger rates.
func RatesFromConfig(cfg *config.Config) []Rate {
	rates := make([]Rate, 0, len(cfg.Ledger.Rates))
	for _, rate := range cfg.Ledger.Rates {
		rates = append(rates, Rate{
			Service:  rate.Service,
			Kind:     rate.Kind,
			Model:    rate.Model,
			UnitCost: rate.UnitCost,
		})
	}
	return rates
}

// QuotasFromConfig converts configured quota entries into ledger quotas.
func QuotasFromConfig(cfg *config.Config) []Quota {
	quotas := make([]Quota, 0, len(cfg.Ledger.Quotas))
	for _, quota := range cfg.Ledger.Quotas {
		quotas = append(quotas, Quota{
			Name:         quota.Name,
			Service:      quota.Service,
			Kind:         quota.Kind,
			Window:       time.Duration(quota.WindowHours) * time.Hour,
			MaxAmount:    quota.MaxAmount,
			MaxCost:      CostFromFloat(quota.MaxCost),
			AlertPercent: quota.AlertPercent,
		})
	}
	return quotas
}
