// Package store holds the in-memory interfaces.KeyStore, the validation
// shared by every store implementation, and a retrying decorator for stores
// backed by a network service.
//
// Durable implementations live in the postgres and redis subpackages. All of
// them pass the storetest suite:
//
//	storetest.Run(t, func(t *testing.T) interfaces.KeyStore {
//		return store.WithRetry(store.NewMemory(), store.DefaultRetryOptions())
//	})
package store
