package memory

import (
	"testing"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/registry/storage"
)

func TestInMemoryRegistryStore(t *testing.T) {
	suite := &storage.TestSuite{
		NewStore: func() (storage.RegistryStore, error) {
			return NewInMemoryRegistryStore(), nil
		},
	}
	suite.Run(t)
}
