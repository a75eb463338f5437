// Package pim implements the host-side runtime for offloading element-wise
// modular arithmetic and NTT workloads onto a set of independent
// processing-in-memory compute units. Each unit owns a private memory bank;
// the runtime partitions logical arrays across the units, keeps a host
// mirror coherent with unit memory, and drives multi-stage algorithms that
// need cross-unit data exchange between kernel launches.
package pim

import "errors"

// Word is the native fixed-width word of the compute units. All unit memory
// traffic moves in Words.
type Word = uint64

// WordSize is the size of one Word in bytes.
const WordSize = 8

var (
	// ErrNotInitialized is returned when a Vector or dispatch operation runs
	// against a manager with no active compute units.
	ErrNotInitialized = errors.New("pim: manager not initialized")

	// ErrClosed is returned for transfer or execution attempts after Close.
	ErrClosed = errors.New("pim: manager closed")

	// ErrSizeMismatch is returned when a scatter or gather is handed a
	// buffer count different from the active unit count.
	ErrSizeMismatch = errors.New("pim: buffer count does not match unit count")

	// ErrNeedsCodec is returned when a Vector of a non-word element type has
	// no serializer or deserializer configured.
	ErrNeedsCodec = errors.New("pim: serializer/deserializer required for non-word element type")

	// ErrNoShards is returned when an operation resolves indices against a
	// vector with no allocated shards.
	ErrNoShards = errors.New("pim: vector has no shards allocated")
)

// Transport is the connection to the compute units. It is not internally
// thread-safe; the Manager serializes every call through one mutex.
//
// Implementations: SimDevice (in-process simulator). A hardware driver
// binding satisfies the same contract.
type Transport interface {
	// Units returns the number of compute units behind this transport.
	Units() int

	// Load installs the named kernel program on every unit. Called lazily by
	// the manager before the first transfer or execution.
	Load(program string) error

	// Scatter copies buffer i into unit i's memory at off. Callers pass
	// exactly one buffer per unit.
	Scatter(perUnit [][]Word, off uint32) error

	// Gather reads bytes from every unit at off into out[unit].
	Gather(out [][]Word, bytes, off uint32) error

	// PushArgs broadcasts one encoded argument record to every unit's
	// control memory.
	PushArgs(record []byte) error

	// Exec triggers execution on every unit and blocks until all units
	// complete. There are no partial-completion semantics.
	Exec() error
}
