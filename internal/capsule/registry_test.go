package capsule

import (
	"testing"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/simpleaide/internal/errors"
)

func newTestRegistry(t *testing.T) (*Registry, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/repo/keep.txt", []byte("keep\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return NewRegistry(fsys, "/capsules", Policy{}, nil), fsys
}

func TestRegistry_OpenIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)

	a, err := reg.Open("run-1", "/repo")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	b, err := reg.Open("run-1", "/repo/")
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if a != b {
		t.Error("Open() should return the same capsule for the same run")
	}
	if a.OverlayRoot() != "/capsules/run-1" || a.RunID() != "run-1" || a.RepoPath() != "/repo" {
		t.Errorf("capsule = %s %s %s", a.RunID(), a.RepoPath(), a.OverlayRoot())
	}

	if _, err := reg.Open("run-1", "/other"); err == nil {
		t.Error("Open() with a different repository should fail")
	}
}

func TestRegistry_OpenValidates(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		if _, err := reg.Open(id, "/repo"); !errors.IsValidation(err) {
			t.Errorf("Open(%q) error = %v, want validation error", id, err)
		}
	}
	if _, err := reg.Open("run-1", ""); !errors.IsValidation(err) {
		t.Errorf("Open() without repo error = %v, want validation error", err)
	}
}

func TestRegistry_ReopenRestoresOverlay(t *testing.T) {
	reg, fsys := newTestRegistry(t)
	c, err := reg.Open("run-1", "/repo")
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, c, "src/new.go", "package src\n")
	if err := c.Delete("keep.txt"); err != nil {
		t.Fatal(err)
	}

	// A fresh registry over the same filesystem models a restarted process.
	reopened, err := NewRegistry(fsys, "/capsules", Policy{}, nil).Open("run-1", "/repo")
	if err != nil {
		t.Fatalf("Open() after restart error = %v", err)
	}
	want := []Change{
		{Path: "keep.txt", Kind: ChangeDeleted},
		{Path: "src/new.go", Kind: ChangeAdded},
	}
	got := reopened.Changes()
	if len(got) != len(want) {
		t.Fatalf("Changes() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Changes()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if _, ok, err := reopened.Read("keep.txt"); err != nil || ok {
		t.Errorf("Read(keep.txt) = %v, %v; want deleted", ok, err)
	}
}

func TestRegistry_GetAndClose(t *testing.T) {
	reg, fsys := newTestRegistry(t)

	var notFound *errors.NotFoundError
	if _, err := reg.Get("run-1"); !errors.As(err, &notFound) {
		t.Errorf("Get() error = %v, want NotFoundError", err)
	}

	for _, id := range []string{"run-b", "run-a"} {
		if _, err := reg.Open(id, "/repo"); err != nil {
			t.Fatal(err)
		}
	}
	if got := reg.Runs(); len(got) != 2 || got[0] != "run-a" || got[1] != "run-b" {
		t.Errorf("Runs() = %v", got)
	}
	if _, err := reg.Get("run-a"); err != nil {
		t.Errorf("Get() error = %v", err)
	}

	if err := reg.Close("run-a"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := reg.Close("run-a"); !errors.As(err, &notFound) {
		t.Errorf("second Close() error = %v, want NotFoundError", err)
	}
	if err := reg.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	if len(reg.Runs()) != 0 {
		t.Error("CloseAll() should forget every capsule")
	}
	if exists, _ := afero.DirExists(fsys, "/capsules/run-b"); exists {
		t.Error("CloseAll() should remove overlays")
	}
}
