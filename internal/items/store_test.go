package items

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoroai/kokoro/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "equipment.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAddAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item, err := s.Add(ctx, "red umbrella", "accessory", "a bright red umbrella", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, 1, item.Quantity)
	assert.False(t, item.Equipped)

	got, err := s.Get(ctx, "red umbrella")
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, "accessory", got.Category)
}

func TestAddExistingBumpsQuantity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Add(ctx, "coin", "currency", "", 3)
	require.NoError(t, err)
	second, err := s.Add(ctx, "coin", "", "", 2)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 5, second.Quantity)
}

func TestAddRejectsEmptyName(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Add(context.Background(), "  ", "", "", 1)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestRemovePartialAndFull(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "coin", "currency", "", 5)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "coin", 2))
	got, err := s.Get(ctx, "coin")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quantity)

	require.NoError(t, s.Remove(ctx, "coin", 0)) // zero means all
	_, err = s.Get(ctx, "coin")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// idempotent on a missing name
	assert.NoError(t, s.Remove(ctx, "coin", 1))
}

func TestEquipDisplacesSlotOccupant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "red umbrella", "accessory", "", 1)
	require.NoError(t, err)
	_, err = s.Add(ctx, "blue umbrella", "accessory", "", 1)
	require.NoError(t, err)

	_, err = s.Equip(ctx, "red umbrella", "hand")
	require.NoError(t, err)
	_, err = s.Equip(ctx, "blue umbrella", "hand")
	require.NoError(t, err)

	equipped, err := s.EquippedMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"hand": "blue umbrella"}, equipped)

	red, err := s.Get(ctx, "red umbrella")
	require.NoError(t, err)
	assert.False(t, red.Equipped)
	assert.Empty(t, red.Slot)
}

func TestUnequipClearsSlot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "hat", "clothing", "", 1)
	require.NoError(t, err)
	_, err = s.Equip(ctx, "hat", "head")
	require.NoError(t, err)

	item, err := s.Unequip(ctx, "hat")
	require.NoError(t, err)
	assert.False(t, item.Equipped)
	assert.Empty(t, item.Slot)

	equipped, err := s.EquippedMap(ctx)
	require.NoError(t, err)
	assert.Empty(t, equipped)
}

func TestEquipRequiresSlotAndExistingItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Equip(ctx, "ghost", "hand")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.Add(ctx, "hat", "", "", 1)
	require.NoError(t, err)
	_, err = s.Equip(ctx, "hat", "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestUpdateLeavesUnsetFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "lantern", "tool", "old lantern", 1)
	require.NoError(t, err)

	item, err := s.Update(ctx, "lantern", "", "polished lantern", 0)
	require.NoError(t, err)
	assert.Equal(t, "tool", item.Category)
	assert.Equal(t, "polished lantern", item.Description)
	assert.Equal(t, 1, item.Quantity)
}

func TestRenameKeepsIdentityAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	orig, err := s.Add(ctx, "old sword", "weapon", "", 1)
	require.NoError(t, err)

	renamed, err := s.Rename(ctx, "old sword", "new sword")
	require.NoError(t, err)
	assert.Equal(t, orig.ID, renamed.ID)

	_, err = s.Get(ctx, "old sword")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	got, err := s.Get(ctx, "new sword")
	require.NoError(t, err)
	assert.Equal(t, orig.ID, got.ID)

	history, err := s.History(ctx, "old sword", 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "rename", history[0].Action)
	assert.Equal(t, "to new sword", history[0].Detail)
}

func TestRenameRejectsCollision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "a", "", "", 1)
	require.NoError(t, err)
	_, err = s.Add(ctx, "b", "", "", 1)
	require.NoError(t, err)

	_, err = s.Rename(ctx, "a", "b")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestSearchMatchesNameCategoryDescription(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "red umbrella", "accessory", "keeps the rain off", 1)
	require.NoError(t, err)
	_, err = s.Add(ctx, "lantern", "tool", "", 1)
	require.NoError(t, err)

	byName, err := s.Search(ctx, "umbrella")
	require.NoError(t, err)
	require.Len(t, byName, 1)

	byDescription, err := s.Search(ctx, "RAIN")
	require.NoError(t, err)
	require.Len(t, byDescription, 1)

	all, err := s.Search(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestHistoryNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "hat", "", "", 1)
	require.NoError(t, err)
	_, err = s.Equip(ctx, "hat", "head")
	require.NoError(t, err)
	_, err = s.Unequip(ctx, "hat")
	require.NoError(t, err)

	history, err := s.History(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "unequip", history[0].Action)
	assert.Equal(t, "equip", history[1].Action)
	assert.Equal(t, "add", history[2].Action)
}

func TestStatsCountsCategories(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "hat", "clothing", "", 1)
	require.NoError(t, err)
	_, err = s.Add(ctx, "scarf", "clothing", "", 1)
	require.NoError(t, err)
	_, err = s.Add(ctx, "pebble", "", "", 1)
	require.NoError(t, err)
	_, err = s.Equip(ctx, "hat", "head")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Equipped)
	assert.Equal(t, map[string]int{"clothing": 2, "uncategorized": 1}, stats.PerCategory)
}
