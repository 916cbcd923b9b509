package maintenance

import (
	"log/slog"
	"time"
)

// Job names.
const (
	JobSweepDelivery = "sweep-delivery"
	JobExpireTenants = "expire-tenants"
)

// DeliverySweeper drops expired credential sessions and idle limiters.
// It is implemented by *delivery.Client.
type DeliverySweeper interface {
	Sweep(staleAfter time.Duration) int
	Sessions() int
}

// TenantExpirer drops expired warm cache entries.
// It is implemented by *tenant.Warm.
type TenantExpirer interface {
	DeleteExpired()
}

// Config selects which jobs run and how often.
type Config struct {
	Interval time.Duration
	// StaleAfter is how long a stream limiter may sit idle before it is
	// dropped.
	StaleAfter time.Duration

	Delivery DeliverySweeper // optional
	Tenants  TenantExpirer   // optional
}

// Register adds the housekeeping jobs for the components present in cfg.
func Register(s *Scheduler, cfg Config) error {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.Delivery != nil {
		if err := s.AddInterval(JobSweepDelivery, cfg.Interval, sweepDelivery, cfg.Delivery, cfg.StaleAfter, s.logger); err != nil {
			return err
		}
	}
	if cfg.Tenants != nil {
		if err := s.AddInterval(JobExpireTenants, cfg.Interval, cfg.Tenants.DeleteExpired); err != nil {
			return err
		}
	}
	return nil
}

func sweepDelivery(d DeliverySweeper, staleAfter time.Duration, logger *slog.Logger) {
	removed := d.Sweep(staleAfter)
	logger.Debug("delivery sweep", "limiters_removed", removed, "sessions", d.Sessions())
}
