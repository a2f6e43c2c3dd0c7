package filestore

import (
	"os"
	"path/filepath"
	"testing"
)

type record struct {
	LastPatch  int64  `cbor:"lastPatch"`
	LastServer int64  `cbor:"lastServer"`
	Note       string `cbor:"note,omitempty"`
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app", "alice", "record")

	var got record
	ok, err := Load(path, &got)
	if err != nil || ok {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}

	want := record{LastPatch: 10, LastServer: 20}
	if err := Save(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	ok, err = Load(path, &got)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary file left behind")
	}

	if err := Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record")
	os.WriteFile(path, []byte{0xff}, 0o600)

	var got record
	if _, err := Load(path, &got); err == nil {
		t.Fatal("expected decode error")
	}
}
