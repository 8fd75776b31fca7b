package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mcpgov/pkg/apierr"
	"mcpgov/pkg/models"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func strPtr(s string) *string { return &s }

func TestStoreUpsertKeepsFirstRegistrationOrder(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"m-b", "m-a", "m-c"} {
				m, _ := Normalize(models.RegisteredModel{ModelID: id})
				if err := s.Put(ctx, m); err != nil {
					t.Fatalf("put %s: %v", id, err)
				}
			}
			updated, _ := Normalize(models.RegisteredModel{ModelID: "m-b", Name: strPtr("Bravo"), Tags: []string{"nlp"}, Metadata: map[string]any{"owner": "ml"}})
			if err := s.Put(ctx, updated); err != nil {
				t.Fatalf("update: %v", err)
			}
			got, err := s.List(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 3 || got[0].ModelID != "m-b" || got[1].ModelID != "m-a" || got[2].ModelID != "m-c" {
				t.Fatalf("unexpected order %+v", got)
			}
			if got[0].Name == nil || *got[0].Name != "Bravo" || got[0].Tags[0] != "nlp" || got[0].Metadata["owner"] != "ml" {
				t.Fatalf("update not applied: %+v", got[0])
			}
			if got[1].Name != nil || got[1].Tags == nil || got[1].Metadata == nil {
				t.Fatalf("unexpected defaults %+v", got[1])
			}
		})
	}
}

func TestStoresAreIsolated(t *testing.T) {
	a, b := NewMemoryStore(), NewMemoryStore()
	if err := a.Put(context.Background(), models.RegisteredModel{ModelID: "m"}); err != nil {
		t.Fatal(err)
	}
	if got, _ := b.List(context.Background()); len(got) != 0 {
		t.Fatalf("instances must not share state, got %+v", got)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	x := &RedisStore{Client: client, Prefix: "x:"}
	y := &RedisStore{Client: client, Prefix: "y:"}
	if err := x.Put(context.Background(), models.RegisteredModel{ModelID: "m"}); err != nil {
		t.Fatal(err)
	}
	if got, _ := y.List(context.Background()); len(got) != 0 {
		t.Fatalf("prefixes must isolate, got %+v", got)
	}
}

func TestMemoryStoreConcurrentPuts(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Put(context.Background(), models.RegisteredModel{ModelID: []string{"a", "b", "c"}[i%3]})
		}(i)
	}
	wg.Wait()
	if got, _ := s.List(context.Background()); len(got) != 3 {
		t.Fatalf("expected 3 models, got %d", len(got))
	}
}

func TestNormalize(t *testing.T) {
	if _, err := Normalize(models.RegisteredModel{}); apierr.CodeOf(err) != "invalid_model_id" {
		t.Fatalf("expected invalid_model_id, got %v", err)
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()
	s := NewRedisStore(client)
	if err := s.Put(context.Background(), models.RegisteredModel{ModelID: "m"}); err == nil {
		t.Fatal("expected put error")
	}
	if _, err := s.List(context.Background()); err == nil {
		t.Fatal("expected list error")
	}
}
