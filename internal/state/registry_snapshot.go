package state

import (
	"context"
	"encoding/json"
	"strings"
)

const RegistrySnapshotKey = "registry:snapshot"

// RegistrySnapshot is the persisted allow-list and oracle wiring. Addresses
// and feed ids are hex strings.
type RegistrySnapshot struct {
	Owner          string            `json:"owner"`
	PythOracle     string            `json:"pyth_oracle"`
	Allowed        []AllowedPair     `json:"allowed"`
	ChainlinkFeeds map[uint32]string `json:"chainlink_feeds"`
	PythFeeds      map[uint32]string `json:"pyth_feeds"`
	UpdatedAtMS    int64             `json:"updated_at_ms"`
}

type AllowedPair struct {
	AssetID      uint32 `json:"asset_id"`
	DataSourceID uint8  `json:"data_source_id"`
}

func LoadRegistrySnapshot(ctx context.Context, store Store) (RegistrySnapshot, bool, error) {
	if store == nil {
		return RegistrySnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, RegistrySnapshotKey)
	if err != nil {
		return RegistrySnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return RegistrySnapshot{}, false, nil
	}
	var snapshot RegistrySnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return RegistrySnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveRegistrySnapshot(ctx context.Context, store Store, snapshot RegistrySnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, RegistrySnapshotKey, string(payload))
}
