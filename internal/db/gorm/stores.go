package gorm

// Stores bundles all per-table stores backed by one connection and satisfies
// the db.Store aggregate interface.
type Stores struct {
	*ItemStore
	*JobStore
	*EmbeddingStore
	*ConversationStore
	*RepoStore
}

// NewStores wires every store onto the shared connection.
func NewStores(store *Store) *Stores {
	return &Stores{
		ItemStore:         NewItemStore(store),
		JobStore:          NewJobStore(store),
		EmbeddingStore:    NewEmbeddingStore(store),
		ConversationStore: NewConversationStore(store),
		RepoStore:         NewRepoStore(store),
	}
}
