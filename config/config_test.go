package config

import (
	"context"
	"testing"
)

func TestDefaultsParse(t *testing.T) {
	d := defaults()
	if d.DailyCap <= 0 {
		t.Fatalf("expected positive daily cap, got %d", d.DailyCap)
	}
	if d.MinDispatchDelayMS <= 0 || d.MaxDispatchDelayMS <= d.MinDispatchDelayMS {
		t.Fatalf("expected max > min dispatch delay, got %d/%d", d.MinDispatchDelayMS, d.MaxDispatchDelayMS)
	}
	if d.JobConcurrencyGapMS < 2000 {
		t.Fatalf("job concurrency gap must be at least 2000ms, got %d", d.JobConcurrencyGapMS)
	}
}

type fakeStore struct {
	data map[string]any
}

func (f *fakeStore) GetConfig(_ context.Context) (map[string]any, error) { return f.data, nil }
func (f *fakeStore) SetConfig(_ context.Context, data map[string]any) error {
	f.data = data
	return nil
}

func TestLoadSeedsDefaultsWhenEmpty(t *testing.T) {
	fs := &fakeStore{}
	g, err := Load(context.Background(), fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fs.data == nil {
		t.Fatal("expected defaults to be persisted")
	}
	if g.Get().DailyCap != defaults().DailyCap {
		t.Fatalf("expected loaded cap to match default")
	}
}

func TestSetPersistsAndUpdates(t *testing.T) {
	fs := &fakeStore{}
	g, err := Load(context.Background(), fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	updated := g.Get()
	updated.DailyCap = 5
	if err := g.Set(context.Background(), updated); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if g.Get().DailyCap != 5 {
		t.Fatalf("expected DailyCap=5, got %d", g.Get().DailyCap)
	}
	if fs.data["daily_cap"].(float64) != 5 {
		t.Fatalf("expected persisted daily_cap=5, got %v", fs.data["daily_cap"])
	}
}
