package service

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/TaskRunner/internal/model"
	"github.com/CZERTAINLY/TaskRunner/internal/task"
)

const svcConfig = `
service:
  max_concurrent: 4
  timeout_unit: 1s
  cancel_timeout: 2s
  kill_grace: 0s
  publish_timeout: 3s
  max_output: 1024
transport:
  topics:
    requests: req
    responses: resp
    cancellations: cancel
`

func TestConfigFromModel(t *testing.T) {
	// viper reads TASKRUNNER_* variables, keep the environment stable
	cfg, err := model.LoadConfig(strings.NewReader(svcConfig))
	require.NoError(t, err)

	svc := ConfigFromModel(cfg)
	require.Equal(t, Config{
		MaxConcurrent:  4,
		TimeoutUnit:    time.Second,
		CancelTimeout:  2 * time.Second,
		KillGrace:      0,
		PublishTimeout: 3 * time.Second,
		MaxOutput:      1024,
		Topics: model.Topics{
			Requests:      "req",
			Responses:     "resp",
			Cancellations: "cancel",
		},
	}, svc)
	require.Equal(t, svc, svc.withDefaults())
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.Zero(t, cfg.MaxConcurrent)
	require.Equal(t, time.Minute, cfg.TimeoutUnit)
	require.Equal(t, task.DefaultKillGrace, cfg.KillGrace)
	require.Equal(t, int64(task.DefaultMaxOutput), cfg.MaxOutput)
	require.Equal(t, "taskrunner.requests", cfg.Topics.Requests)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    Config
		then     func(t *testing.T, cfg Config)
	}{
		{
			scenario: "zero",
			given:    Config{},
			then: func(t *testing.T, cfg Config) {
				d := DefaultConfig()
				d.KillGrace = 0
				require.Equal(t, d, cfg)
			},
		},
		{
			scenario: "negative",
			given:    Config{MaxConcurrent: -1, KillGrace: -time.Second, MaxOutput: -1},
			then: func(t *testing.T, cfg Config) {
				require.Zero(t, cfg.MaxConcurrent)
				require.Equal(t, task.DefaultKillGrace, cfg.KillGrace)
				require.Equal(t, int64(task.DefaultMaxOutput), cfg.MaxOutput)
			},
		},
		{
			scenario: "partial topics",
			given:    Config{Topics: model.Topics{Responses: "out"}},
			then: func(t *testing.T, cfg Config) {
				require.Equal(t, "taskrunner.requests", cfg.Topics.Requests)
				require.Equal(t, "out", cfg.Topics.Responses)
				require.Equal(t, "taskrunner.cancellations", cfg.Topics.Cancellations)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			tc.then(t, tc.given.withDefaults())
		})
	}
}
