package planmodel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_RoundTrip(t *testing.T) {
	d := FromStd(90*time.Second + 250*time.Millisecond)
	assert.Equal(t, uint64(90), d.Secs)
	assert.Equal(t, uint32(250000000), d.Nanos)
	assert.Equal(t, 90*time.Second+250*time.Millisecond, d.ToStd())
}

func TestExecutionPlan_AllTasksAndLookup(t *testing.T) {
	plan := ExecutionPlan{
		TotalTasks: 2,
		Hosts:      []string{"localhost"},
		Plays: []Play{
			{
				ID:    "play-1",
				Hosts: []string{"localhost"},
				Batches: []Batch{
					{
						ID:    "batch-1",
						Hosts: []string{"localhost"},
						Tasks: []Task{
							{ID: "t1", Module: "debug", Hosts: []string{"localhost"}},
							{ID: "t2", Module: "debug", Hosts: []string{"localhost"}, Dependencies: []string{"t1"}},
						},
					},
				},
			},
		},
	}

	all := plan.AllTasks()
	require.Len(t, all, 2)

	task, ok := plan.TaskByID("t2")
	require.True(t, ok)
	assert.Equal(t, []string{"t1"}, task.Dependencies)

	_, ok = plan.TaskByID("missing")
	assert.False(t, ok)
}

func TestExecutionPlan_JSONRoundTrip(t *testing.T) {
	plan := ExecutionPlan{
		Metadata: Metadata{
			RustleDeployVersion: "0.5.0",
			PlanningOptions:     PlanningOptions{Forks: 5, BinaryThreshold: 3, Strategy: StrategyLinear},
		},
		Hosts:      []string{"localhost"},
		TotalTasks: 1,
		Plays: []Play{{
			ID:    "p1",
			Hosts: []string{"localhost"},
			Batches: []Batch{{
				ID:    "b1",
				Hosts: []string{"localhost"},
				Tasks: []Task{{ID: "t1", Module: "debug", Hosts: []string{"localhost"}, Args: map[string]interface{}{"msg": "hi"}}},
			}},
		}},
	}

	data, err := json.Marshal(plan)
	require.NoError(t, err)

	var decoded ExecutionPlan
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, plan.TotalTasks, decoded.TotalTasks)
	assert.Equal(t, plan.Plays[0].Batches[0].Tasks[0].ID, decoded.Plays[0].Batches[0].Tasks[0].ID)
}

func TestDefaultDeploymentConfig(t *testing.T) {
	cfg := DefaultDeploymentConfig()
	assert.Equal(t, uint64(300), cfg.ExecutionTimeout.Secs)
	assert.Equal(t, uint64(30), cfg.ReportInterval.Secs)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.CleanupOnCompletion)
}
