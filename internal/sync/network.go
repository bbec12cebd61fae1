package sync

// NetworkSource reports connectivity and emits online/offline transitions.
// The engine tolerates its absence: with a nil source it assumes the network
// is available.
type NetworkSource interface {
	// Online reports current connectivity.
	Online() bool

	// AddListener registers a transition callback and returns its removal
	// function.
	AddListener(fn func(online bool)) (remove func())
}
