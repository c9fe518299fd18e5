package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/config"
	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

func TestBuildRules_DefaultsEnablePointsOnly(t *testing.T) {
	rules, err := buildRules(config.DefaultConfig().Rewards)
	require.NoError(t, err)

	require.Len(t, rules, 1)
	assert.Equal(t, "points", rules[0].ID)
	assert.Equal(t, loyalty.BasisPoints, rules[0].Basis)
	assert.Equal(t, int64(50), rules[0].Interval)
	assert.Equal(t, "20", rules[0].Percentage.String())
	assert.Equal(t, 90*24*time.Hour, rules[0].Validity)
}

func TestBuildRules_Errors(t *testing.T) {
	_, err := buildRules(config.RewardsConfig{Rules: []config.RuleConfig{
		{ID: "bad", Basis: "points", Enabled: true, Interval: 50, Percentage: "twenty", Validity: time.Hour},
	}})
	assert.Error(t, err)

	_, err = buildRules(config.RewardsConfig{Rules: []config.RuleConfig{
		{ID: "bad", Basis: "visits", Enabled: true, Interval: 50, Percentage: "20", Validity: time.Hour},
	}})
	assert.Error(t, err)
}

func TestNewApp_MemoryStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "memory"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	ctx := context.Background()
	res, err := a.service.OnClinicRegistrationCompleted(ctx, loyalty.Registration{
		Email: "jane@example.com", FirstName: "Jane", LastName: "Doe", RegistrationID: "r1", Points: 50,
	})
	require.NoError(t, err)
	require.Len(t, res.Issued, 1)
	assert.True(t, strings.HasPrefix(res.Issued[0].Code, "RIDE-"))

	families, err := a.registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "loyalty_transactions_total")
}

func TestNewApp_SQLiteStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Path = t.TempDir() + "/loyalty.db"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, a.ping)
	assert.NoError(t, a.ping(context.Background()))
	assert.NoError(t, a.Close())
}

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "loyalty-server version "+Version)
}
