package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ledger_sync/internal/domain"
)

func setupTestDB(t *testing.T) *Storage {
	s, err := NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func TestUpsertAndGetAsset(t *testing.T) {
	s := setupTestDB(t)

	asset := &domain.AssetInfo{
		Denom:       "uatom",
		Native:      true,
		FirstSeenAt: time.Now(),
	}

	// 1. Create
	if err := s.UpsertAsset(asset); err != nil {
		t.Fatalf("UpsertAsset failed: %v", err)
	}

	// 2. Get
	fetched, err := s.GetAsset("uatom")
	if err != nil {
		t.Fatalf("GetAsset failed: %v", err)
	}
	if fetched == nil {
		t.Fatal("fetched asset is nil")
	}
	if !fetched.Native {
		t.Error("expected native asset")
	}

	missing, err := s.GetAsset("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for unknown denom, got %v, %v", missing, err)
	}
}

func TestRecordAssets_OnlyNewRows(t *testing.T) {
	s := setupTestDB(t)

	n, err := s.RecordAssets([]string{"uatom", "uusdc", ""}, "uatom")
	if err != nil {
		t.Fatalf("RecordAssets failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 new assets, got %d", n)
	}

	first, _ := s.GetAsset("uatom")

	n, err = s.RecordAssets([]string{"uatom", "ufoo"}, "uatom")
	if err != nil {
		t.Fatalf("RecordAssets failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 new asset, got %d", n)
	}

	again, _ := s.GetAsset("uatom")
	if !again.FirstSeenAt.Equal(first.FirstSeenAt) {
		t.Error("FirstSeenAt must not change for known assets")
	}

	denoms, err := s.AssetDenoms()
	if err != nil {
		t.Fatalf("AssetDenoms failed: %v", err)
	}
	want := []string{"uatom", "ufoo", "uusdc"}
	if len(denoms) != len(want) {
		t.Fatalf("denoms = %v, want %v", denoms, want)
	}
	for i := range want {
		if denoms[i] != want[i] {
			t.Errorf("denoms[%d] = %s, want %s", i, denoms[i], want[i])
		}
	}
}

func TestDeleteAsset(t *testing.T) {
	s := setupTestDB(t)
	s.RecordAssets([]string{"ufoo"}, "uatom")

	if err := s.DeleteAsset("ufoo"); err != nil {
		t.Fatalf("DeleteAsset failed: %v", err)
	}

	fetched, err := s.GetAsset("ufoo")
	if err != nil {
		t.Fatalf("GetAsset after delete failed: %v", err)
	}
	if fetched != nil {
		t.Error("expected asset to be deleted, but found record")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := setupTestDB(t)

	if err := s.SaveConfig(domain.SettingWalletAddress, "cosmos1a"); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	// overwrite
	if err := s.SaveConfig(domain.SettingWalletAddress, "cosmos1b"); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	v, err := s.GetConfig(domain.SettingWalletAddress)
	if err != nil || v != "cosmos1b" {
		t.Errorf("GetConfig = %q, %v", v, err)
	}

	m, err := s.LoadConfigMap()
	if err != nil {
		t.Fatalf("LoadConfigMap failed: %v", err)
	}
	if len(m) != 1 || m[domain.SettingWalletAddress] != "cosmos1b" {
		t.Errorf("unexpected config map: %v", m)
	}

	if _, err := s.GetConfig(domain.SettingRPCURL); !errors.Is(err, domain.ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}
}
