package tunshare

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestKeyWatcherReloadsOnChange(t *testing.T) {
	dir, err := ioutil.TempDir("", "keywatch")
	if err != nil {
		t.Fatalf("TempDir failed: %s", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "id_ed25519")
	if err := ioutil.WriteFile(path, []byte("key-v1"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}

	kw, err := NewKeyWatcher(NewLogger("test", LogLevelError), path)
	if err != nil {
		t.Fatalf("NewKeyWatcher failed: %s", err)
	}
	defer kw.Close()

	if got := kw.Key(); string(got) != "key-v1" {
		t.Fatalf("Key() = %q, want key-v1", got)
	}

	if err := ioutil.WriteFile(path, []byte("key-v2"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if string(kw.Key()) == "key-v2" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Key() = %q, want key-v2 after rewrite", kw.Key())
}

func TestKeyWatcherMissingFile(t *testing.T) {
	_, err := NewKeyWatcher(NewLogger("test", LogLevelError), "/nonexistent/id_rsa")
	if err == nil {
		t.Fatal("NewKeyWatcher succeeded on a missing file, want error")
	}
}
