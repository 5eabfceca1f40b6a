package syncer

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/summary-archive/internal/logging"
)

// defaultFrequency runs nightly at 03:00 for sources without their own
// cron expression
const defaultFrequency = "0 3 * * *"

// cronParser uses standard 5-field cron expressions (minute, hour, dom,
// month, dow)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler drives periodic syncs from each source's configured frequency
type Scheduler struct {
	dispatcher *Dispatcher
	store      ConfigStore
	logger     *logging.Logger
	cron       *cron.Cron
}

// NewScheduler creates a stopped scheduler
func NewScheduler(dispatcher *Dispatcher, store ConfigStore) *Scheduler {
	return &Scheduler{
		dispatcher: dispatcher,
		store:      store,
		logger:     logging.GetGlobalLogger().WithComponent("SyncScheduler"),
		cron:       cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers a cron entry per enabled source and begins firing them.
// A source with an invalid expression falls back to the nightly default.
func (s *Scheduler) Start(ctx context.Context) error {
	configs, err := s.store.ListEnabledConfigs(ctx)
	if err != nil {
		return err
	}

	for _, cfg := range configs {
		expr := defaultFrequency
		if cfg.SyncFrequency != nil && *cfg.SyncFrequency != "" {
			if _, perr := cronParser.Parse(*cfg.SyncFrequency); perr != nil {
				s.logger.WithFields(map[string]interface{}{
					"sourceKey": cfg.SourceKey,
					"expr":      *cfg.SyncFrequency,
				}).Warn("Invalid sync frequency, using default")
			} else {
				expr = *cfg.SyncFrequency
			}
		}

		sourceKey := cfg.SourceKey
		if _, aerr := s.cron.AddFunc(expr, func() {
			if _, terr := s.dispatcher.TriggerSync(ctx, sourceKey); terr != nil {
				s.logger.WithField("sourceKey", sourceKey).WithError(terr).Warn("Scheduled sync failed")
			}
		}); aerr != nil {
			return aerr
		}

		s.logger.WithFields(map[string]interface{}{
			"sourceKey": sourceKey,
			"expr":      expr,
		}).Info("Scheduled sync registered")
	}

	s.cron.Start()
	return nil
}

// Stop stops firing and waits for in-flight runs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
