package driver

import (
	"github.com/NotCoffee418/wmbus_parser/pkg/mbus"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

const NameGeneric = "mbus"

// decodeGeneric keeps every understood record under its default name.
func decodeGeneric(apl []byte) (*Result, error) {
	return decodeRecords(apl, func(mbus.DataRecord, *types.DecodedRecord) bool {
		return true
	}), nil
}
