// Package lock guarantees that at most one worker drives a given
// recommendation at a time, within a process and across processes.
package lock

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLockHeld is returned when another worker already holds the id.
var ErrLockHeld = errors.New("lock held")

// DefaultStaleAfter is how long a lock file may go without a heartbeat
// before it is presumed abandoned by a crashed process.
const DefaultStaleAfter = 30 * time.Minute

// Locker hands out per-id locks. The in-process set catches goroutines of the
// same process; an O_EXCL lock file under dir catches other processes.
//
// A held lock file is touched every staleAfter/3 so a long run never looks
// abandoned. Each file records an owner token and only its owner removes it.
type Locker struct {
	dir        string
	staleAfter time.Duration

	mu   sync.Mutex
	held map[string]struct{}
}

// New creates a Locker keeping lock files in dir. A zero staleAfter uses
// DefaultStaleAfter.
func New(dir string, staleAfter time.Duration) *Locker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Locker{dir: dir, staleAfter: staleAfter, held: make(map[string]struct{})}
}

func (l *Locker) path(id string) string {
	return filepath.Join(l.dir, id+".lock")
}

func (l *Locker) heartbeatEvery() time.Duration {
	if d := l.staleAfter / 3; d > time.Millisecond {
		return d
	}
	return time.Millisecond
}

// Acquire takes the lock for id. The returned release func is idempotent.
// A lock already held returns an error wrapping ErrLockHeld.
func (l *Locker) Acquire(id string) (func(), error) {
	l.mu.Lock()
	if _, ok := l.held[id]; ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is being processed by this process", ErrLockHeld, id)
	}
	l.held[id] = struct{}{}
	l.mu.Unlock()

	token := uuid.NewString()
	if err := l.acquireFile(id, token); err != nil {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.heartbeat(l.path(id), token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			removeOwned(l.path(id), token)
			l.mu.Lock()
			delete(l.held, id)
			l.mu.Unlock()
		})
	}, nil
}

func (l *Locker) acquireFile(id, token string) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}
	path := l.path(id)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n%s\n%s\n", os.Getpid(), token, time.Now().UTC().Format(time.RFC3339))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return fmt.Errorf("write lock file: %w", werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock file: %w", err)
		}

		o, fresh, ok := l.inspect(path)
		if !ok {
			continue // removed between open and read; retry
		}
		if fresh {
			return fmt.Errorf("%w: %s is locked by %s", ErrLockHeld, id, o.String())
		}
		// Break the stale lock only if it still belongs to the owner we judged.
		removeOwned(path, o.token)
	}
	return fmt.Errorf("%w: %s", ErrLockHeld, id)
}

// heartbeat refreshes the lock file's mtime until stop closes. It stops
// early if the file no longer carries token.
func (l *Locker) heartbeat(path, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(l.heartbeatEvery())
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			o, err := readOwner(path)
			if err != nil || o.token != token {
				return
			}
			now := time.Now()
			if err := os.Chtimes(path, now, now); err != nil {
				return
			}
		}
	}
}

// inspect reads the lock file at path. ok is false when the file is gone.
func (l *Locker) inspect(path string) (o owner, fresh, ok bool) {
	info, err := os.Stat(path)
	if err != nil {
		return owner{}, false, false
	}
	o, err = readOwner(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return owner{}, false, false
	}
	return o, time.Since(info.ModTime()) < l.staleAfter, true
}

// Held reports whether a lock file currently exists for id and is not stale.
func (l *Locker) Held(id string) bool {
	info, err := os.Stat(l.path(id))
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < l.staleAfter
}

type owner struct {
	pid   int
	token string
}

func (o owner) String() string {
	if o.pid == 0 {
		return "another process"
	}
	return "pid " + strconv.Itoa(o.pid)
}

// readOwner parses "pid\ntoken\n...". Files written without a token yield
// an empty token.
func readOwner(path string) (owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return owner{}, err
	}
	var o owner
	sc := bufio.NewScanner(bytes.NewReader(data))
	if sc.Scan() {
		o.pid, _ = strconv.Atoi(sc.Text())
	}
	if sc.Scan() {
		o.token = sc.Text()
	}
	return o, nil
}

// removeOwned deletes path only while it still carries token.
func removeOwned(path, token string) {
	o, err := readOwner(path)
	if err != nil || o.token != token {
		return
	}
	os.Remove(path)
}
