package config

import (
	"fmt"
	"strings"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// TableFlags is a bitset of optional output tables. The zero value selects
// every table.
type TableFlags uint64

const (
	FlagObjects TableFlags = 1 << iota
	FlagCurrentObjects
	FlagFungibleAssetActivities
	FlagFungibleAssetMetadata
	FlagCurrentFungibleAssetBalances
	FlagFungibleAssetToCoinMappings
)

var tableFlags = map[string]TableFlags{
	model.TableObjects:                     FlagObjects,
	model.TableCurrentObjects:              FlagCurrentObjects,
	model.TableFungibleAssetActivities:     FlagFungibleAssetActivities,
	model.TableFungibleAssetMetadata:       FlagFungibleAssetMetadata,
	model.TableCurrentFungibleAssetBalance: FlagCurrentFungibleAssetBalances,
	model.TableFungibleAssetToCoinMappings: FlagFungibleAssetToCoinMappings,
}

// ParseTableFlags converts table names into a flag set.
func ParseTableFlags(names []string) (TableFlags, error) {
	var flags TableFlags
	for _, name := range names {
		flag, ok := tableFlags[strings.TrimSpace(name)]
		if !ok {
			return 0, fmt.Errorf("%w: unknown table %q", ErrInvalidConfig, name)
		}
		flags |= flag
	}
	return flags, nil
}

// IsEmpty reports whether no table was selected, which means all tables.
func (f TableFlags) IsEmpty() bool {
	return f == 0
}

// Allows reports whether rows for table should be written. Tables without a
// flag are always written.
func (f TableFlags) Allows(table string) bool {
	if f.IsEmpty() {
		return true
	}
	flag, ok := tableFlags[table]
	if !ok {
		return true
	}
	return f&flag != 0
}
