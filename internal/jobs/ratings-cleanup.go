package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

type RatingsCleaner interface {
	CleanupAll(ctx context.Context, days int) error
}

// RatingsCleanupJob prunes rating records past the retention window once a
// day across every chat that has rated a response.
type RatingsCleanupJob struct {
	scheduler gocron.Scheduler
	cleaner   RatingsCleaner
	retention int
}

func NewRatingsCleanupJob(cleaner RatingsCleaner, retentionDays int) (*RatingsCleanupJob, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &RatingsCleanupJob{
		scheduler: scheduler,
		cleaner:   cleaner,
		retention: retentionDays,
	}, nil
}

func (j *RatingsCleanupJob) Start() error {
	_, err := j.scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(4, 0, 0))),
		gocron.NewTask(j.run),
	)
	if err != nil {
		return fmt.Errorf("failed to register cleanup job: %w", err)
	}
	j.scheduler.Start()
	return nil
}

func (j *RatingsCleanupJob) Stop() error {
	return j.scheduler.Shutdown()
}

func (j *RatingsCleanupJob) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logrus.WithField("retention_days", j.retention).Info("running ratings cleanup")
	if err := j.cleaner.CleanupAll(ctx, j.retention); err != nil {
		logrus.WithError(err).Error("ratings cleanup failed")
	}
}
