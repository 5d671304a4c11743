package clients

// Repo defines the registered client store operations.
type Repo interface {
	// Register stores a new client registration and assigns its ID.
	Register(name string, redirectURIs []string) (*Client, error)

	// Get returns the client, or ErrClientNotFound.
	Get(clientID string) (*Client, error)
}
