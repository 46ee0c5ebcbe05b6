package model

// CoordinationRecord is the small persisted state used to serialize
// first-writer-wins decisions across processes racing on one shared store.
// It is created by the first writer to touch a new store and consulted by
// every subsequent writer, under the advisory lock, before any mutation.
type CoordinationRecord struct {
	// Exists is set once a writer has created (or authorized-overwritten)
	// the store, so racing writers skip the delete-and-recreate step.
	Exists bool `json:"exists"`

	// Error, when non-empty, is a fatal decision one writer has persisted
	// for all racers: every subsequent writer fails with the same error
	// instead of racing the filesystem to a different outcome.
	Error string `json:"error,omitempty"`
}
