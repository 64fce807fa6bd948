package tunshare

import (
	"io/ioutil"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// KeyWatcher keeps the private key material for a tunnel fresh. The key
// file is read once up front and re-read whenever the file changes, so a
// key rotated on disk is used by the next connect attempt without
// restarting the tunnel.
type KeyWatcher struct {
	logger  Logger
	path    string
	watcher *fsnotify.Watcher

	lock sync.Mutex
	key  []byte
}

// NewKeyWatcher loads the key file at path and begins watching it for
// changes. The containing directory is watched rather than the file
// itself, so atomic rename-style rotations are seen too.
func NewKeyWatcher(logger Logger, path string) (*KeyWatcher, error) {
	logger = logger.Fork("KeyWatcher(%s)", path)
	key, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, logger.Errorf("Unable to read key file: %s", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, logger.Errorf("Unable to create fs watcher: %s", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, logger.Errorf("Unable to watch key file directory: %s", err)
	}
	kw := &KeyWatcher{
		logger:  logger,
		path:    path,
		watcher: watcher,
		key:     key,
	}
	go kw.watchLoop()
	return kw, nil
}

// Key returns the most recently loaded key material
func (kw *KeyWatcher) Key() []byte {
	kw.lock.Lock()
	defer kw.lock.Unlock()
	return kw.key
}

// Close stops watching the key file
func (kw *KeyWatcher) Close() error {
	return kw.watcher.Close()
}

func (kw *KeyWatcher) watchLoop() {
	for {
		select {
		case ev, ok := <-kw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(kw.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			key, err := ioutil.ReadFile(kw.path)
			if err != nil {
				kw.logger.WLogf("Key file changed but could not be re-read: %s", err)
				continue
			}
			kw.lock.Lock()
			kw.key = key
			kw.lock.Unlock()
			kw.logger.ILogf("Reloaded key material")
		case err, ok := <-kw.watcher.Errors:
			if !ok {
				return
			}
			kw.logger.WLogf("Watcher error: %s", err)
		}
	}
}
