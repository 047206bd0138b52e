package connect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/servicesync/internal/logger"
)

func fastPolicy() Policy {
	return Policy{
		Timeout:        500 * time.Millisecond,
		RetryInterval:  5 * time.Millisecond,
		MaxWait:        20 * time.Millisecond,
		AttemptTimeout: 50 * time.Millisecond,
		WarnThreshold:  1,
	}
}

func TestWithRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "test", "addr", fastPolicy(), logger.Nop(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_TimesOut(t *testing.T) {
	boom := errors.New("down")
	p := fastPolicy()
	p.Timeout = 40 * time.Millisecond

	err := WithRetry(context.Background(), "test", "addr", p, logger.Nop(), func(context.Context) error {
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"zero timeout", func(p *Policy) { p.Timeout = 0 }},
		{"zero retry interval", func(p *Policy) { p.RetryInterval = 0 }},
		{"zero max wait", func(p *Policy) { p.MaxWait = 0 }},
		{"zero attempt timeout", func(p *Policy) { p.AttemptTimeout = 0 }},
		{"negative warn threshold", func(p *Policy) { p.WarnThreshold = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fastPolicy()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}

	assert.NoError(t, fastPolicy().Validate())
}
