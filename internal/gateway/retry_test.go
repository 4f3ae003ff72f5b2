package gateway

import (
	"net/http"
	"testing"
	"time"
)

func TestBackoff_DelayForAttempt(t *testing.T) {
	b := Backoff{Initial: 500 * time.Millisecond, Factor: 2.0, Max: 30 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, 1 * time.Second},
		{3, 2 * time.Second},
		{10, 30 * time.Second}, // capped
		{0, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := b.delayForAttempt(tc.attempt); got != tc.want {
			t.Errorf("delayForAttempt(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoff_ZeroInitialMeansNoDelay(t *testing.T) {
	b := Backoff{}
	if got := b.delayForAttempt(3); got != 0 {
		t.Fatalf("delayForAttempt = %v, want 0", got)
	}
}

func TestRetryableStatus(t *testing.T) {
	retryable := []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable}
	for _, s := range retryable {
		if !retryableStatus(s) {
			t.Errorf("retryableStatus(%d) = false, want true", s)
		}
	}

	fatal := []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound}
	for _, s := range fatal {
		if retryableStatus(s) {
			t.Errorf("retryableStatus(%d) = true, want false", s)
		}
	}
}
