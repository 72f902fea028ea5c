package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transientFail(err error) (error, ErrorCategory) {
	return err, ErrorCategoryTransient
}

func TestExecuteWithCategoryAllowsWhileClosed(t *testing.T) {
	b := NewBreaker("test", DefaultConfig())
	err := b.ExecuteWithCategory(func() (error, ErrorCategory) { return nil, ErrorCategoryTransient })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, b.state)
}

func TestExecuteWithCategoryTripsAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	b := NewBreaker("test", cfg)

	_ = b.ExecuteWithCategory(func() (error, ErrorCategory) { return transientFail(errors.New("boom")) })
	assert.Equal(t, StateClosed, b.state)
	_ = b.ExecuteWithCategory(func() (error, ErrorCategory) { return transientFail(errors.New("boom")) })
	assert.Equal(t, StateOpen, b.state)

	err := b.ExecuteWithCategory(func() (error, ErrorCategory) { return nil, ErrorCategoryTransient })
	assert.True(t, IsCircuitOpen(err))
}

func TestExecuteWithCategoryHalfOpenAfterBackoffElapses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.InitialBackoff = 10 * time.Millisecond
	b := NewBreaker("test", cfg)

	_ = b.ExecuteWithCategory(func() (error, ErrorCategory) { return transientFail(errors.New("boom")) })
	require.Equal(t, StateOpen, b.state)

	time.Sleep(20 * time.Millisecond)
	err := b.ExecuteWithCategory(func() (error, ErrorCategory) { return nil, ErrorCategoryTransient })
	assert.NoError(t, err)
}

func TestExecuteWithCategoryClosesAfterSuccessThresholdInHalfOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 2
	cfg.InitialBackoff = time.Millisecond
	b := NewBreaker("test", cfg)

	_ = b.ExecuteWithCategory(func() (error, ErrorCategory) { return transientFail(errors.New("boom")) })
	time.Sleep(5 * time.Millisecond)

	_ = b.ExecuteWithCategory(func() (error, ErrorCategory) { return nil, ErrorCategoryTransient })
	assert.Equal(t, StateHalfOpen, b.state)
	_ = b.ExecuteWithCategory(func() (error, ErrorCategory) { return nil, ErrorCategoryTransient })
	assert.Equal(t, StateClosed, b.state)
}

func TestExecuteWithCategorySingleFailureInHalfOpenReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.InitialBackoff = time.Millisecond
	b := NewBreaker("test", cfg)

	_ = b.ExecuteWithCategory(func() (error, ErrorCategory) { return transientFail(errors.New("boom")) })
	time.Sleep(5 * time.Millisecond)

	_ = b.ExecuteWithCategory(func() (error, ErrorCategory) { return transientFail(errors.New("still broken")) })
	assert.Equal(t, StateOpen, b.state)
}

func TestExecuteWithCategoryIgnoresNonTransientCategories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	b := NewBreaker("test", cfg)

	_ = b.ExecuteWithCategory(func() (error, ErrorCategory) {
		return errors.New("malformed lookup"), ErrorCategoryInvalid
	})
	assert.Equal(t, StateClosed, b.state)
}

func TestExecuteWithCategoryRateLimitTripsImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 5
	b := NewBreaker("test", cfg)

	_ = b.ExecuteWithCategory(func() (error, ErrorCategory) {
		return errors.New("429 too many requests"), ErrorCategoryRateLimit
	})
	assert.Equal(t, StateOpen, b.state)
}

func TestCategorizeErrorClassifiesKnownPatterns(t *testing.T) {
	assert.Equal(t, ErrorCategoryRateLimit, CategorizeError(errors.New("429 too many requests")))
	assert.Equal(t, ErrorCategoryInvalid, CategorizeError(errors.New("no such host")))
	assert.Equal(t, ErrorCategoryFatal, CategorizeError(errors.New("403 forbidden")))
	assert.Equal(t, ErrorCategoryTransient, CategorizeError(errors.New("connection reset")))
	assert.Equal(t, ErrorCategoryTransient, CategorizeError(nil))
}
