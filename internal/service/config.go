package service

import (
	"time"

	"github.com/CZERTAINLY/TaskRunner/internal/model"
	"github.com/CZERTAINLY/TaskRunner/internal/task"
)

type Config struct {
	// MaxConcurrent limits running workers, zero means no limit. Tasks over
	// the limit stay QUEUED.
	MaxConcurrent int
	// TimeoutUnit is the length of one timeoutMinutes unit.
	TimeoutUnit time.Duration
	// CancelTimeout bounds how long a cancellation waits for the worker.
	CancelTimeout time.Duration
	// KillGrace is the time between SIGTERM and SIGKILL of a cancelled worker.
	KillGrace      time.Duration
	PublishTimeout time.Duration
	MaxOutput      int64
	Topics         model.Topics
}

func DefaultConfig() Config {
	return ConfigFromModel(model.DefaultConfig())
}

func ConfigFromModel(cfg model.Config) Config {
	svc := cfg.Service
	return Config{
		MaxConcurrent:  svc.MaxConcurrent,
		TimeoutUnit:    svc.TimeoutUnit,
		CancelTimeout:  svc.CancelTimeout,
		KillGrace:      svc.KillGrace,
		PublishTimeout: svc.PublishTimeout,
		MaxOutput:      svc.MaxOutput,
		Topics:         cfg.Transport.Topics,
	}
}

// withDefaults fills the zero fields.
func (c Config) withDefaults() Config {
	d := model.DefaultConfig()
	if c.MaxConcurrent < 0 {
		c.MaxConcurrent = 0
	}
	if c.TimeoutUnit <= 0 {
		c.TimeoutUnit = d.Service.TimeoutUnit
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = d.Service.CancelTimeout
	}
	if c.KillGrace < 0 {
		c.KillGrace = task.DefaultKillGrace
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.Service.PublishTimeout
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = task.DefaultMaxOutput
	}
	if c.Topics.Requests == "" {
		c.Topics.Requests = d.Transport.Topics.Requests
	}
	if c.Topics.Responses == "" {
		c.Topics.Responses = d.Transport.Topics.Responses
	}
	if c.Topics.Cancellations == "" {
		c.Topics.Cancellations = d.Transport.Topics.Cancellations
	}
	return c
}
