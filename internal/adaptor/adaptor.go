package adaptor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrVersionNotFound is returned when a pinned version has been discarded
// or never existed.
var ErrVersionNotFound = errors.New("adaptor version not found")

// VersionID identifies a committed matrix. IDs increase monotonically,
// starting at 1 for the initial identity matrix.
type VersionID uint64

// Version pairs a committed matrix with its id and commit time.
type Version struct {
	ID          VersionID
	Matrix      *Matrix
	CommittedAt time.Time
}

// Adaptor holds the currently committed transform and a bounded window of
// prior versions for in-flight reads and rollback.
//
// Readers load the active version through an atomic pointer and never block
// on commits; a commit builds the new version fully, then switches the
// pointer in one step.
type Adaptor struct {
	current atomic.Pointer[Version]

	mu    sync.Mutex // serializes commits and guards prior
	prior []*Version
	grace int
}

// New creates an adaptor whose first committed version is the identity
// matrix of the given dimension. grace is the number of prior versions
// retained after each commit.
func New(dim, grace int) *Adaptor {
	if grace < 0 {
		grace = 0
	}
	a := &Adaptor{grace: grace}
	a.current.Store(&Version{
		ID:          1,
		Matrix:      NewIdentity(dim),
		CommittedAt: time.Now(),
	})
	return a
}

// Restore creates an adaptor from a persisted matrix and version id.
func Restore(m *Matrix, id VersionID, grace int) *Adaptor {
	a := New(m.Dim(), grace)
	a.current.Store(&Version{
		ID:          id,
		Matrix:      m,
		CommittedAt: time.Now(),
	})
	return a
}

// Current returns the active committed version.
func (a *Adaptor) Current() *Version {
	return a.current.Load()
}

// Apply transforms the embedding with the currently committed matrix.
func (a *Adaptor) Apply(v []float32) ([]float32, error) {
	return a.current.Load().Matrix.Apply(v)
}

// ApplyVersion transforms the embedding with an explicitly pinned version,
// for reproducible evaluation. Returns ErrVersionNotFound if the version
// has aged out of the grace window.
func (a *Adaptor) ApplyVersion(v []float32, id VersionID) ([]float32, error) {
	if cur := a.current.Load(); cur.ID == id {
		return cur.Matrix.Apply(v)
	}

	a.mu.Lock()
	var pinned *Version
	for _, p := range a.prior {
		if p.ID == id {
			pinned = p
			break
		}
	}
	a.mu.Unlock()

	if pinned == nil {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, id)
	}
	return pinned.Matrix.Apply(v)
}

// Commit atomically publishes a new matrix as the active version and
// returns its version id. The previous version remains retrievable by id
// until it ages out of the grace window.
func (a *Adaptor) Commit(m *Matrix) (VersionID, error) {
	cur := a.current.Load()
	if m.Dim() != cur.Matrix.Dim() {
		return 0, fmt.Errorf("matrix dimension %d does not match adaptor dimension %d", m.Dim(), cur.Matrix.Dim())
	}
	if !m.IsFinite() {
		return 0, errors.New("refusing to commit matrix with non-finite weights")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Re-load under the lock: another commit may have won the race.
	cur = a.current.Load()
	next := &Version{
		ID:          cur.ID + 1,
		Matrix:      m,
		CommittedAt: time.Now(),
	}

	a.prior = append(a.prior, cur)
	if len(a.prior) > a.grace {
		a.prior = a.prior[len(a.prior)-a.grace:]
	}

	a.current.Store(next)
	return next.ID, nil
}
