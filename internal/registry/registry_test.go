package registry_test

import (
	"errors"
	"testing"
	"time"

	"framehand/internal/registry"
)

// testClock returns a deterministic clock advancing one second per call.
func testClock() func() time.Time {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

// newTestRegistry creates a registry with a small recency list and a
// deterministic clock.
func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	restore := registry.SetNowFunc(testClock())
	t.Cleanup(restore)
	return registry.New(registry.Config{RecentCapacity: 5}, registry.Options{})
}

func el(id, typ, name string) registry.Element {
	return registry.Element{ID: id, Type: typ, Name: name}
}

func mustRegister(t *testing.T, r *registry.Registry, els ...registry.Element) {
	t.Helper()
	for _, e := range els {
		if err := r.Register(e); err != nil {
			t.Fatalf("Register(%q) failed: %v", e.ID, err)
		}
	}
}

func strPtr(s string) *string { return &s }

// ─── Register ────────────────────────────────────────────────────────────────

func TestRegister_StampsTimestamps(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, el("tc-01", "top_chord", "north chord"))

	got, ok := r.Get("tc-01")
	if !ok {
		t.Fatal("Get(tc-01) = not found")
	}
	if got.CreatedAt.IsZero() || got.ModifiedAt.IsZero() {
		t.Errorf("timestamps not stamped: created=%v modified=%v", got.CreatedAt, got.ModifiedAt)
	}
	if !got.ModifiedAt.Equal(got.CreatedAt) {
		t.Errorf("fresh element: ModifiedAt = %v, want CreatedAt %v", got.ModifiedAt, got.CreatedAt)
	}
}

func TestRegister_EmptyIDRejected(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(el("  ", "beam", ""))
	if !errors.Is(err, registry.ErrInvalidID) {
		t.Errorf("Register with blank id: err = %v, want ErrInvalidID", err)
	}
}

func TestRegister_DuplicateRejectedWithoutMutation(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, el("b-1", "beam", "main beam"))
	before, _ := r.Get("b-1")

	dup := el("b-1", "timber_beam", "impostor")
	err := r.Register(dup)
	if !errors.Is(err, registry.ErrAlreadyExists) {
		t.Fatalf("duplicate Register: err = %v, want ErrAlreadyExists", err)
	}

	// Nothing may have changed: record, type index, recency.
	after, _ := r.Get("b-1")
	if after.Type != before.Type || after.Name != before.Name {
		t.Errorf("duplicate Register mutated the record: %+v", after)
	}
	if ids := r.FindByType("timber_beam", 0); len(ids) != 0 {
		t.Errorf("duplicate Register leaked into type index: %v", ids)
	}
	st := r.Stats()
	if st.Total != 1 {
		t.Errorf("Stats.Total = %d, want 1", st.Total)
	}
	if recent := r.FindRecent(0); len(recent) != 1 || recent[0] != "b-1" {
		t.Errorf("recency after duplicate = %v, want [b-1]", recent)
	}
}

// ─── Get / Update ────────────────────────────────────────────────────────────

func TestGet_ReturnsCopy(t *testing.T) {
	r := newTestRegistry(t)
	e := el("b-1", "beam", "main beam")
	e.Properties = map[string]string{"material": "glulam"}
	e.Location = &registry.Point{X: 1, Y: 2}
	mustRegister(t, r, e)

	got, _ := r.Get("b-1")
	got.Properties["material"] = "steel"
	got.Location.X = 99

	again, _ := r.Get("b-1")
	if again.Properties["material"] != "glulam" {
		t.Errorf("mutating returned Properties leaked into the store")
	}
	if again.Location.X != 1 {
		t.Errorf("mutating returned Location leaked into the store")
	}
}

func TestUpdate_PartialFields(t *testing.T) {
	r := newTestRegistry(t)
	e := el("b-1", "beam", "main beam")
	e.Properties = map[string]string{"material": "pine", "status": "draft"}
	mustRegister(t, r, e)

	updated, err := r.Update("b-1", registry.Update{
		Description: strPtr("primary floor beam"),
		Properties:  map[string]string{"material": "glulam", "status": ""},
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Name != "main beam" {
		t.Errorf("Name changed by unrelated update: %q", updated.Name)
	}
	if updated.Description != "primary floor beam" {
		t.Errorf("Description = %q", updated.Description)
	}
	if updated.Properties["material"] != "glulam" {
		t.Errorf("Properties[material] = %q, want glulam", updated.Properties["material"])
	}
	if _, ok := updated.Properties["status"]; ok {
		t.Errorf("empty-value property was not deleted: %v", updated.Properties)
	}
	if !updated.ModifiedAt.After(updated.CreatedAt) {
		t.Errorf("ModifiedAt not bumped: %v vs %v", updated.ModifiedAt, updated.CreatedAt)
	}
}

func TestUpdate_TypeChangeMaintainsIndex(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, el("b-1", "beam", ""))

	if _, err := r.Update("b-1", registry.Update{Type: strPtr("timber_beam")}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ids := r.FindByType("timber_beam", 0); len(ids) != 1 || ids[0] != "b-1" {
		t.Errorf("new type bucket = %v, want [b-1]", ids)
	}
	// The old exact bucket must be gone; "beam" now substring-matches the
	// new type instead.
	st := r.Stats()
	if st.ByType["beam"] != 0 {
		t.Errorf("old type bucket still populated: %v", st.ByType)
	}
}

func TestUpdate_NameChangeMaintainsIndex(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, el("b-1", "beam", "old name"))

	if _, err := r.Update("b-1", registry.Update{Name: strPtr("new name")}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ids := r.Resolve("new name"); len(ids) != 1 || ids[0] != "b-1" {
		t.Errorf("Resolve(new name) = %v, want [b-1]", ids)
	}
	if ids := r.Resolve("old name"); len(ids) != 0 {
		t.Errorf("Resolve(old name) = %v, want empty", ids)
	}
}

func TestUpdate_NameIndexFallsBackToSurvivor(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r,
		el("p-1", "panel", "gable wall"),
		el("p-2", "panel", "gable wall"),
	)

	// p-2 holds the name slot; renaming it must hand the slot to p-1.
	if _, err := r.Update("p-2", registry.Update{Name: strPtr("gable wall upper")}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if ids := r.Resolve("gable wall"); len(ids) == 0 || ids[0] != "p-1" {
		t.Errorf("Resolve(gable wall) = %v, want p-1 first", ids)
	}
}

func TestRemove_NameIndexFallsBackToSurvivor(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r,
		el("p-1", "panel", "gable wall"),
		el("p-2", "panel", "gable wall"),
	)

	if !r.Remove("p-2") {
		t.Fatal("Remove(p-2) = false")
	}
	if ids := r.Resolve("gable wall"); len(ids) != 1 || ids[0] != "p-1" {
		t.Errorf("Resolve(gable wall) after removal = %v, want [p-1]", ids)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Update("ghost", registry.Update{Description: strPtr("x")})
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Update(ghost): err = %v, want ErrNotFound", err)
	}
}

// ─── FindByType / FindRecent ─────────────────────────────────────────────────

func TestFindByType_ExactBeforeSubstring(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r,
		el("b-1", "beam", ""),
		el("tb-1", "timber_beam", ""),
	)

	// Exact bucket exists and is non-empty: substring must not widen it.
	if ids := r.FindByType("beam", 0); len(ids) != 1 || ids[0] != "b-1" {
		t.Errorf("FindByType(beam) = %v, want [b-1]", ids)
	}
}

func TestFindByType_SubstringNewestFirst(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r,
		el("e1", "top_chord", ""),
		el("e2", "bottom_chord", ""),
	)

	got := r.FindByType("chord", 0)
	if len(got) != 2 || got[0] != "e2" || got[1] != "e1" {
		t.Errorf("FindByType(chord) = %v, want [e2 e1]", got)
	}
}

func TestFindByType_LimitAndMiss(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r,
		el("e1", "top_chord", ""),
		el("e2", "bottom_chord", ""),
	)

	if got := r.FindByType("chord", 1); len(got) != 1 || got[0] != "e2" {
		t.Errorf("FindByType(chord, 1) = %v, want [e2]", got)
	}
	if got := r.FindByType("girder", 0); len(got) != 0 {
		t.Errorf("FindByType(girder) = %v, want empty", got)
	}
}

func TestFindRecent_OrderAndLimit(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, el("a", "beam", ""), el("b", "beam", ""), el("c", "beam", ""))

	if got := r.FindRecent(0); len(got) != 3 || got[0] != "c" || got[2] != "a" {
		t.Errorf("FindRecent(0) = %v, want [c b a]", got)
	}
	if got := r.FindRecent(2); len(got) != 2 || got[0] != "c" {
		t.Errorf("FindRecent(2) = %v, want [c b]", got)
	}

	// An update moves the element to the front.
	if _, err := r.Update("a", registry.Update{Description: strPtr("touched")}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got := r.FindRecent(1); got[0] != "a" {
		t.Errorf("FindRecent after update = %v, want a first", got)
	}
}

// ─── Recency eviction ────────────────────────────────────────────────────────

func TestEviction_OnlyAffectsRecencyList(t *testing.T) {
	restore := registry.SetNowFunc(testClock())
	t.Cleanup(restore)
	r := registry.New(registry.Config{RecentCapacity: 3}, registry.Options{})

	mustRegister(t, r,
		el("a", "beam", ""),
		el("b", "beam", ""),
		el("c", "beam", ""),
		el("d", "beam", ""),
	)

	recent := r.FindRecent(0)
	if len(recent) != 3 {
		t.Fatalf("recency list length = %d, want 3", len(recent))
	}
	for _, id := range recent {
		if id == "a" {
			t.Errorf("oldest id still on recency list: %v", recent)
		}
	}

	// The evicted element is still fully retrievable.
	if _, ok := r.Get("a"); !ok {
		t.Error("evicted element vanished from the catalog")
	}
	found := r.FindByType("beam", 0)
	if len(found) != 4 {
		t.Errorf("FindByType(beam) = %v, want all 4 ids", found)
	}
}

// ─── Touch / Remove / Clear / Stats ──────────────────────────────────────────

func TestTouch_MovesToFrontWithoutTimestampChange(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, el("a", "beam", ""), el("b", "beam", ""))
	before, _ := r.Get("a")

	if !r.Touch("a") {
		t.Fatal("Touch(a) = false, want true")
	}
	if got := r.FindRecent(1); got[0] != "a" {
		t.Errorf("after Touch, FindRecent = %v, want a first", got)
	}
	after, _ := r.Get("a")
	if !after.ModifiedAt.Equal(before.ModifiedAt) {
		t.Errorf("Touch changed ModifiedAt: %v -> %v", before.ModifiedAt, after.ModifiedAt)
	}
	if r.Touch("ghost") {
		t.Error("Touch(ghost) = true, want false")
	}
}

func TestRemove_CleansEverything(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, el("a", "beam", "main beam"))

	if !r.Remove("a") {
		t.Fatal("Remove(a) = false")
	}
	if _, ok := r.Get("a"); ok {
		t.Error("removed element still retrievable")
	}
	if ids := r.FindByType("beam", 0); len(ids) != 0 {
		t.Errorf("type index still holds removed id: %v", ids)
	}
	if ids := r.FindRecent(0); len(ids) != 0 {
		t.Errorf("recency still holds removed id: %v", ids)
	}
	if r.Remove("a") {
		t.Error("second Remove(a) = true, want false")
	}
}

func TestClearAndStats(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r,
		el("a", "beam", ""),
		el("b", "beam", ""),
		el("c", "top_chord", ""),
	)

	st := r.Stats()
	if st.Total != 3 || st.ByType["beam"] != 2 || st.ByType["top_chord"] != 1 {
		t.Errorf("Stats = %+v", st)
	}
	if st.RecentCount != 3 || st.RecentCapacity != 5 {
		t.Errorf("Stats recency = %d/%d, want 3/5", st.RecentCount, st.RecentCapacity)
	}

	r.Clear()
	st = r.Stats()
	if st.Total != 0 || st.RecentCount != 0 || len(st.ByType) != 0 {
		t.Errorf("Stats after Clear = %+v", st)
	}
}

// ─── Restore ─────────────────────────────────────────────────────────────────

func TestRestore_RebuildsIndexesAndRecency(t *testing.T) {
	r := newTestRegistry(t)
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	els := []registry.Element{
		{ID: "old", Type: "beam", CreatedAt: base, ModifiedAt: base},
		{ID: "new", Type: "beam", CreatedAt: base, ModifiedAt: base.Add(time.Hour)},
		{ID: "", Type: "beam"}, // skipped
	}

	r.Restore(els)

	if st := r.Stats(); st.Total != 2 {
		t.Fatalf("Stats.Total = %d, want 2", st.Total)
	}
	if got := r.FindRecent(0); len(got) != 2 || got[0] != "new" || got[1] != "old" {
		t.Errorf("FindRecent after Restore = %v, want [new old]", got)
	}
	if ids := r.FindByType("beam", 0); len(ids) != 2 {
		t.Errorf("type index after Restore = %v", ids)
	}
}
