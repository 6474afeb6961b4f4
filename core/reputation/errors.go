package reputation

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// JSON-RPC codes of ERC-7769
	CodeReputation        = -32504
	CodeInsufficientStake = -32505
)

// Error is returned by CheckReputation when an entity may not add more ops
type Error struct {
	Code    int
	Entity  EntityType
	Address common.Address
	Status  Status
}

func (e *Error) Error() string {
	if e.Code == CodeInsufficientStake {
		return fmt.Sprintf("%s %s is unstaked and must stake minimum to use more mempool", e.Entity, e.Address.Hex())
	}
	return fmt.Sprintf("%s %s is %s", e.Entity, e.Address.Hex(), e.Status)
}
