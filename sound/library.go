package sound

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoSound is returned when a cue has no file on disk.
var ErrNoSound = errors.New("sound not found")

var extensions = []string{"wav", "ogg", "mp3"}

// Sound is a cached audio file.
type Sound struct {
	Name string // path relative to the library root, without extension
	Type string // MIME type, e.g. audio/ogg
	Data []byte
}

// Library resolves cue names to files under Dir. A cue that names a directory
// picks one of its files at random on every lookup.
type Library struct {
	Dir string

	mu    sync.Mutex
	cache map[string]*Sound
}

func NewLibrary(dir string) *Library {
	return &Library{Dir: dir, cache: make(map[string]*Sound)}
}

func (l *Library) Get(name string) (*Sound, error) {
	if strings.Contains(name, "..") {
		return nil, fmt.Errorf("%w: %q", ErrNoSound, name)
	}
	entries, err := os.ReadDir(filepath.Join(l.Dir, name))
	if err == nil {
		var files []string
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
			}
		}
		if len(files) > 0 {
			return l.file(name + "/" + files[rand.IntN(len(files))])
		}
	}
	return l.file(name)
}

func (l *Library) file(name string) (*Sound, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.cache[name]; ok {
		return s, nil
	}
	for _, ext := range extensions {
		data, err := os.ReadFile(filepath.Join(l.Dir, name+"."+ext))
		if err != nil {
			continue
		}
		s := &Sound{Name: name, Type: "audio/" + ext, Data: data}
		l.cache[name] = s
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoSound, name)
}
