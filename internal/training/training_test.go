package training

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/fundguard/internal/anomaly"
	"github.com/opensource-finance/fundguard/internal/bus"
	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/features"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const sampleCSV = `goal,amount_raised,created_at,updates_count,donations_count,refunds_count,images_count,videos_count,payout_country,user_account_age_days,user_total_campaigns,payment_sources_count,email_domain,country
5000,1200,2025-05-01T00:00:00Z,3,20,1,2,1,US,400,2,1,gmail.com,US
1000,100,2025-05-20T00:00:00Z,0,4,0,0,0,GB,30,1,1,,GB
250000,0,2025-05-31T00:00:00Z,0,0,0,0,0,NG,2,9,4,mailinator.com,US
`

func newTestTrainer(store *anomaly.ArtifactStore) *Trainer {
	tr := NewTrainer(domain.TrainingConfig{NumTrees: 25, SampleSize: 64, Seed: 42}, store)
	tr.now = func() time.Time { return now }
	return tr
}

func TestReadCSV(t *testing.T) {
	pairs, err := ReadCSV(strings.NewReader(sampleCSV), now)
	if err != nil {
		t.Fatalf("ReadCSV failed: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(pairs))
	}

	c, u := pairs[0].Campaign, pairs[0].User
	if c["goal"] != 5000.0 || c["donations_count"] != int64(20) {
		t.Errorf("unexpected campaign %v", c)
	}
	if n, _ := c.Len("images"); n != 2 {
		t.Errorf("expected 2 images, got %d", n)
	}
	if c["video_url"] != "y" {
		t.Errorf("expected video_url for videos_count 1")
	}
	if u["total_campaigns"] != int64(2) || u["payment_sources_count"] != int64(1) || u["email"] != "gmail.com" {
		t.Errorf("unexpected user %v", u)
	}
	if age, ok := features.AccountAgeDays(u, now); !ok || age != 400 {
		t.Errorf("expected synthesized age 400, got %d (%v)", age, ok)
	}

	if pairs[1].User["email"] != DefaultEmail {
		t.Errorf("missing email_domain should default, got %v", pairs[1].User["email"])
	}
	if _, ok := pairs[1].Campaign["video_url"]; ok {
		t.Error("videos_count 0 should leave video_url unset")
	}
}

func TestReadCSVErrors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
		want error
	}{
		{"empty", "", ErrEmptyDataset},
		{"header only", "goal,amount_raised\n", ErrEmptyDataset},
		{"bad number", "goal\nlots\n", ErrMalformedRow},
		{"negative count", "images_count\n-2\n", ErrMalformedRow},
		{"fractional count", "donations_count\n2.5\n", ErrMalformedRow},
		{"ragged", "goal,amount_raised\n1\n", ErrMalformedRow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadCSV(strings.NewReader(tt.csv), now); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRowToPairAge(t *testing.T) {
	tests := []struct {
		name    string
		row     map[string]string
		wantAge int64
		wantSet bool
	}{
		{"default age", map[string]string{}, 9999, true},
		{"explicit created_at", map[string]string{"user_created_at": "2025-05-25T12:00:00Z", "user_account_age_days": "500"}, 7, true},
		{"unreadable age", map[string]string{"user_account_age_days": "old"}, 0, false},
		{"integral float count", map[string]string{"user_account_age_days": "3", "updates_count": "4.0"}, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, u, err := RowToPair(tt.row, now)
			if err != nil {
				t.Fatalf("RowToPair failed: %v", err)
			}
			_, has := u["created_at"]
			if has != tt.wantSet {
				t.Fatalf("created_at set = %v, want %v", has, tt.wantSet)
			}
			if !has {
				return
			}
			if age, _ := features.AccountAgeDays(u, now); age != tt.wantAge {
				t.Errorf("expected age %d, got %d", tt.wantAge, age)
			}
		})
	}
}

func TestTrainPublishes(t *testing.T) {
	ctx := context.Background()
	fs, err := anomaly.NewFileStore(filepath.Join(t.TempDir(), "models"))
	if err != nil {
		t.Fatal(err)
	}
	store := anomaly.NewArtifactStore(fs, "")

	pairs, _ := ReadCSV(strings.NewReader(sampleCSV), now)
	a, err := newTestTrainer(store).Train(ctx, pairs)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if a.Version != "isof_20250601120000" {
		t.Errorf("unexpected version %s", a.Version)
	}
	if a.NumSamples != 3 || len(a.Forest.Trees) != 25 {
		t.Errorf("unexpected artifact shape: %d samples, %d trees", a.NumSamples, len(a.Forest.Trees))
	}
	if a.SchemaFingerprint != anomaly.Fingerprint(features.Names()) {
		t.Error("artifact must carry the feature schema fingerprint")
	}

	d := anomaly.NewDetector(store, features.Names())
	if err := d.Load(ctx); err != nil {
		t.Fatalf("published artifact should load: %v", err)
	}
	if d.Info().Version != a.Version {
		t.Errorf("detector loaded %s, want %s", d.Info().Version, a.Version)
	}
}

func TestTrainEmptyKeepsCurrentModel(t *testing.T) {
	ctx := context.Background()
	fs, _ := anomaly.NewFileStore(t.TempDir())
	store := anomaly.NewArtifactStore(fs, "")

	pairs, _ := ReadCSV(strings.NewReader(sampleCSV), now)
	first, err := newTestTrainer(store).Train(ctx, pairs)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := newTestTrainer(store).Train(ctx, nil); !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}

	current, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if current.Version != first.Version {
		t.Errorf("failed run replaced the model: %s", current.Version)
	}
}

func TestTrainDeterministic(t *testing.T) {
	pairs, _ := ReadCSV(strings.NewReader(sampleCSV), now)
	a1, _ := newTestTrainer(nil).Train(context.Background(), pairs)
	a2, _ := newTestTrainer(nil).Train(context.Background(), pairs)

	probe := features.ComputeAt(pairs[2].Campaign, pairs[2].User, now).Vector.Ordered(features.Names())
	s1, _ := a1.Forest.Score(probe)
	s2, _ := a2.Forest.Score(probe)
	if s1 != s2 {
		t.Errorf("same data and seed should train identical models: %v vs %v", s1, s2)
	}
}

type staticResolver map[string]domain.Record

func (r staticResolver) ResolveUser(_ context.Context, c domain.Record) domain.Record {
	id, _ := c["creator_id"].(string)
	return r[id]
}

type memRepo struct {
	domain.Repository
	campaigns map[string]domain.Record
}

func (m *memRepo) ForEachCampaign(_ context.Context, fn func(string, domain.Record) error) error {
	for id, c := range m.campaigns {
		if err := fn(id, c); err != nil {
			return err
		}
	}
	return nil
}

func TestFromStore(t *testing.T) {
	repo := &memRepo{campaigns: map[string]domain.Record{
		"c1": {"creator_id": "u1", "goal": 100},
		"c2": {"creator_id": "u2", "goal": 200},
	}}
	users := staticResolver{"u1": {"email": "a@b.com"}}

	pairs, err := FromStore(context.Background(), repo, users)
	if err != nil {
		t.Fatalf("FromStore failed: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(pairs))
	}
	resolved := 0
	for _, p := range pairs {
		if p.User != nil {
			resolved++
		}
	}
	if resolved != 1 {
		t.Errorf("expected one resolved creator, got %d", resolved)
	}
}

func TestAnnounce(t *testing.T) {
	ctx := context.Background()
	b := bus.NewChannelBus(10)
	defer b.Close()

	got := make(chan *domain.Message, 1)
	_, _ = b.Subscribe(ctx, domain.TopicModelPublished, func(_ context.Context, m *domain.Message) error {
		got <- m
		return nil
	})

	a := &anomaly.Artifact{Version: "isof_20250601120000", SchemaFingerprint: "abc", NumSamples: 3}
	if err := Announce(ctx, b, a); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	select {
	case m := <-got:
		if !strings.Contains(string(m.Payload), `"version":"isof_20250601120000"`) {
			t.Errorf("unexpected payload %s", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for announcement")
	}
}
