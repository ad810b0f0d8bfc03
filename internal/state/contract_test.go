package state_test

import (
	"testing"

	"github.com/amonks/workcell/internal/state"
	"github.com/amonks/workcell/internal/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return state.NewStore(t.TempDir())
	})
}
