package console

import (
	"io"
	"sync"

	"github.com/zond/protogame"
)

// Fanout copies script console output to every attached writer. Writers that fail
// are dropped.
type Fanout struct {
	mu      sync.Mutex
	writers map[io.Writer]bool
}

func (f *Fanout) Push(w io.Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writers == nil {
		f.writers = map[io.Writer]bool{}
	}
	f.writers[w] = true
}

func (f *Fanout) Drop(w io.Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.writers, w)
}

func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writers)
}

func (f *Fanout) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	errs := protogame.Errs{}
	for w := range f.writers {
		if _, err := w.Write(b); err != nil {
			delete(f.writers, w)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return len(b), protogame.WithStack(errs)
	}
	return len(b), nil
}
