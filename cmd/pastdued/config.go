package main

import (
	"fmt"
	"time"

	"gymbot-backend/internal/clubos"
	"gymbot-backend/internal/components/telemetry"
	"gymbot-backend/internal/credentials"
	"gymbot-backend/lib/configuration"
	"gymbot-backend/lib/configutil"

	"github.com/robfig/cron/v3"
)

type Config struct {
	ClubOS      clubos.Config          `json:"clubos"`
	Credentials credentials.Config     `json:"credentials"`
	Database    configuration.Database `json:"database"`
	Telemetry   telemetry.Config       `json:"telemetry"`

	// Members are the member ids swept on every run.
	Members []string `json:"members"`
	Workers int      `json:"workers"`
	// Schedule is a standard 5 field cron spec, an empty schedule only sweeps with -sweep.
	Schedule string `json:"schedule"`

	Port        int    `json:"port"`
	AccessToken string `json:"access_token"`

	PerfStatsInterval configutil.Duration `json:"perf_stats_interval"`
}

func (c *Config) Validate() error {
	if c.ClubOS.BaseUrl == "" {
		return fmt.Errorf("clubos.base_url is required")
	}
	if c.Schedule != "" {
		_, err := cron.ParseStandard(c.Schedule)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.PerfStatsInterval == 0 {
		c.PerfStatsInterval = configutil.Duration(time.Minute)
	}
	return nil
}
