package crypto

import (
	"sync"
	"testing"
	"time"
)

func TestTimeProvider_Default(t *testing.T) {
	t.Parallel()

	dp := DefaultTimeProvider{}

	before := time.Now()
	now := dp.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Error("DefaultTimeProvider.Now() should return current time")
	}

	pastTime := time.Now().Add(-time.Hour)
	since := dp.Since(pastTime)
	if since < time.Hour || since > time.Hour+time.Second {
		t.Errorf("DefaultTimeProvider.Since() returned unexpected duration: %v", since)
	}
}

func TestMockTimeProvider(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockTimeProvider(start)

	if !mock.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", mock.Now(), start)
	}

	mock.Advance(90 * time.Minute)
	if got := mock.Since(start); got != 90*time.Minute {
		t.Errorf("Since() = %v, want 90m", got)
	}

	later := start.Add(48 * time.Hour)
	mock.Set(later)
	if !mock.Now().Equal(later) {
		t.Errorf("Set() did not take effect")
	}
}

func TestMockTimeProviderConcurrent(t *testing.T) {
	t.Parallel()

	mock := NewMockTimeProvider(time.Unix(0, 0))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mock.Advance(time.Second)
			_ = mock.Now()
		}()
	}
	wg.Wait()

	if got := mock.Since(time.Unix(0, 0)); got != 50*time.Second {
		t.Errorf("Since() = %v, want 50s", got)
	}
}
