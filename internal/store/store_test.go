package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContainerUpsertPreservesCreatedAtAndImageID(t *testing.T) {
	s := testStore(t)

	first := ContainerAttribution{
		ContainerID: "c1", UserName: "alice", UID: 1001,
		ImageID: "sha256:img", SizeBytes: 100,
	}
	if err := s.SetContainerAttribution(first); err != nil {
		t.Fatal(err)
	}
	got, err := s.ContainerAttribution("c1")
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not stamped on insert")
	}
	created := got.CreatedAt

	// Re-attribute with a new size and no image id.
	update := ContainerAttribution{
		ContainerID: "c1", UserName: "alice", UID: 1001, SizeBytes: 250,
	}
	if err := s.SetContainerAttribution(update); err != nil {
		t.Fatal(err)
	}
	got, _ = s.ContainerAttribution("c1")
	if got.SizeBytes != 250 {
		t.Errorf("SizeBytes = %d", got.SizeBytes)
	}
	if got.ImageID != "sha256:img" {
		t.Errorf("ImageID = %q, want preserved", got.ImageID)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed on upsert")
	}
}

func TestUpdateContainerSizeMissingRowIsNoop(t *testing.T) {
	s := testStore(t)
	if err := s.UpdateContainerSize("nope", 500); err != nil {
		t.Fatal(err)
	}
	got, _ := s.ContainerAttribution("nope")
	if got != nil {
		t.Error("no-op update created a row")
	}
}

func TestReconcileContainersDeletesAbsent(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := s.SetContainerAttribution(ContainerAttribution{ContainerID: id, UID: 1001}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.ReconcileContainers(map[string]bool{"c2": true})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if got, _ := s.ContainerAttribution("c2"); got == nil {
		t.Error("live row deleted")
	}
	if got, _ := s.ContainerAttribution("c1"); got != nil {
		t.Error("dead row survived")
	}

	// Idempotent: a second pass with the same set removes nothing.
	removed, err = s.ReconcileContainers(map[string]bool{"c2": true})
	if err != nil || removed != 0 {
		t.Errorf("second pass removed = %d, %v", removed, err)
	}
}

func TestImageAttributionFirstSeenKeepsOwner(t *testing.T) {
	s := testStore(t)
	if err := s.SetImageAttribution(ImageAttribution{
		ImageID: "sha256:i1", UserName: "alice", UID: 1001, SizeBytes: 100,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetImageAttribution(ImageAttribution{
		ImageID: "sha256:i1", UserName: "bob", UID: 1002, SizeBytes: 300,
	}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.ImageAttribution("sha256:i1")
	if got.UID != 1001 || got.UserName != "alice" {
		t.Errorf("owner rewritten: %+v", got)
	}
	if got.SizeBytes != 300 {
		t.Errorf("size not refreshed: %d", got.SizeBytes)
	}
}

func TestLayerAttributionFirstWriterWins(t *testing.T) {
	s := testStore(t)

	inserted, err := s.SetLayerAttribution(LayerAttribution{
		LayerID: "sha256:l1", UID: 1001, UserName: "alice", SizeBytes: 50, Method: MethodPull,
	})
	if err != nil || !inserted {
		t.Fatalf("first write: inserted=%v err=%v", inserted, err)
	}

	inserted, err = s.SetLayerAttribution(LayerAttribution{
		LayerID: "sha256:l1", UID: 1002, UserName: "bob", SizeBytes: 999, Method: MethodBuild,
	})
	if err != nil {
		t.Fatalf("second write must not error: %v", err)
	}
	if inserted {
		t.Error("second write reported inserted")
	}

	got, _ := s.LayerAttribution("sha256:l1")
	if got.UID != 1001 || got.SizeBytes != 50 || got.Method != MethodPull {
		t.Errorf("first writer overwritten: %+v", got)
	}
}

func TestReconcileLayers(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"sha256:a", "sha256:b"} {
		if _, err := s.SetLayerAttribution(LayerAttribution{LayerID: id, UID: 1001}); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := s.ReconcileLayers(map[string]bool{"sha256:a": true})
	if err != nil || removed != 1 {
		t.Fatalf("removed = %d, %v", removed, err)
	}
	if got, _ := s.LayerAttribution("sha256:b"); got != nil {
		t.Error("dead layer survived")
	}
}

func TestVolumeLabelOverridesContainerSource(t *testing.T) {
	s := testStore(t)

	if err := s.SetVolumeAttribution(VolumeAttribution{
		VolumeName: "data", UserName: "alice", UID: 1001, SizeBytes: 10, Source: SourceContainer,
	}); err != nil {
		t.Fatal(err)
	}

	// Label source wins over an existing container-sourced row.
	if err := s.SetVolumeAttribution(VolumeAttribution{
		VolumeName: "data", UserName: "bob", UID: 1002, SizeBytes: 20, Source: SourceLabel,
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.VolumeAttribution("data")
	if got.UID != 1002 || got.Source != SourceLabel {
		t.Errorf("label did not override: %+v", got)
	}

	// A later container-sourced write only refreshes size.
	if err := s.SetVolumeAttribution(VolumeAttribution{
		VolumeName: "data", UserName: "carol", UID: 1003, SizeBytes: 30, Source: SourceContainer,
	}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.VolumeAttribution("data")
	if got.UID != 1002 || got.Source != SourceLabel {
		t.Errorf("container write rewrote owner: %+v", got)
	}
	if got.SizeBytes != 30 {
		t.Errorf("size not refreshed: %d", got.SizeBytes)
	}
}

func TestVolumeSurvivesWithoutReconcile(t *testing.T) {
	s := testStore(t)
	if err := s.SetVolumeAttribution(VolumeAttribution{
		VolumeName: "orphan", UID: 1001, Source: SourceContainer,
	}); err != nil {
		t.Fatal(err)
	}
	// Container reconciliation does not touch volumes.
	if _, err := s.ReconcileContainers(map[string]bool{}); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.VolumeAttribution("orphan"); got == nil {
		t.Error("dangling volume lost its owner")
	}
}

func TestUserQuotaLimits(t *testing.T) {
	s := testStore(t)

	if err := s.SetUserQuotaLimit(1001, 1000); err != nil {
		t.Fatal(err)
	}
	if err := s.SetUserQuotaLimit(1002, 2000); err != nil {
		t.Fatal(err)
	}

	got, err := s.UserQuotaLimit(1001)
	if err != nil || got != 1000 {
		t.Fatalf("limit = %d, %v", got, err)
	}
	if got, _ := s.UserQuotaLimit(9999); got != 0 {
		t.Errorf("unset limit = %d, want 0", got)
	}

	all, err := s.AllUserQuotaLimits()
	if err != nil || len(all) != 2 {
		t.Fatalf("all = %v, %v", all, err)
	}

	// Zero removes the limit.
	if err := s.SetUserQuotaLimit(1001, 0); err != nil {
		t.Fatal(err)
	}
	all, _ = s.AllUserQuotaLimits()
	if _, ok := all[1001]; ok {
		t.Error("zero limit still listed")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := testStore(t)

	if got, _ := s.LoadSetting("docker_events_last_ts"); got != "" {
		t.Errorf("missing setting = %q", got)
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	if err := s.SaveSetting("docker_events_last_ts", ts); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadSetting("docker_events_last_ts")
	if err != nil || got != ts {
		t.Errorf("setting = %q, %v", got, err)
	}
}
