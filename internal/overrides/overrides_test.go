package overrides

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "overrides.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, ok, err := store.Get(ctx, KeyModelID); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, KeyModelID, "whisper-tiny.en"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, KeyModelID, "whisper-base.en"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, ok, err := store.Get(ctx, KeyModelID)
	if err != nil || !ok || value != "whisper-base.en" {
		t.Fatalf("unexpected get result %q ok=%v err=%v", value, ok, err)
	}
	all, err := store.List(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("unexpected list %v err=%v", all, err)
	}
	if err := store.Delete(ctx, KeyModelID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, KeyModelID); ok {
		t.Fatal("expected key deleted")
	}
}

func TestFlagsIgnoredInProduction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Set(ctx, KeyModelID, " whisper-small ")
	_ = store.Set(ctx, KeyForceCloudUnsupported, "true")

	dev := Flags{Store: store}
	if dev.ModelID(ctx) != "whisper-small" {
		t.Fatalf("expected trimmed override, got %q", dev.ModelID(ctx))
	}
	if !dev.ForceCloudUnsupported(ctx) {
		t.Fatal("expected forced fallback in development")
	}

	prod := Flags{Store: store, Production: true}
	if prod.ModelID(ctx) != "" || prod.ForceCloudUnsupported(ctx) {
		t.Fatal("expected overrides ignored in production")
	}
}

func TestFlagsRejectGarbageBool(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Set(ctx, KeyForceCloudUnsupported, "sometimes")
	if (Flags{Store: store}).ForceCloudUnsupported(ctx) {
		t.Fatal("expected unparsable flag to read as false")
	}
	if !ValidKey(KeyModelID) || ValidKey("nope") {
		t.Fatal("unexpected key validation result")
	}
}
