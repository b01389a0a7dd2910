package workers

import (
	"context"
	"testing"
	"time"

	"github.com/ftahirops/idlekeepd/model"
)

func TestSetIntensityClampsPercent(t *testing.T) {
	p := New(model.IntensityBaseline, -10, 500)
	if got := p.intensity.Load(); got != 0 {
		t.Fatalf("baseline pct should clamp to 0, got %d", got)
	}
	p.SetIntensity(model.IntensityHigh, -10, 500)
	if got := p.intensity.Load(); got != 100 {
		t.Fatalf("high pct should clamp to 100, got %d", got)
	}
}

func TestPauseSetsPausedFlag(t *testing.T) {
	p := New(model.IntensityHigh, 20, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	p.Pause(true)
	time.Sleep(20 * time.Millisecond)
	if !p.paused.Load() {
		t.Fatalf("expected paused flag to be observed")
	}
}

func TestStopReturnsPromptly(t *testing.T) {
	p := New(model.IntensityBaseline, 20, 35)
	p.Start(context.Background())
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return promptly")
	}
}
