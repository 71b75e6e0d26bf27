package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Move resource and event type strings read by the transforms.
const (
	typeObjectCore         = "0x1::object::ObjectCore"
	typeUntransferable     = "0x1::object::Untransferable"
	typeObjectGroup        = "0x1::object::ObjectGroup"
	typeFungibleStore      = "0x1::fungible_asset::FungibleStore"
	typeConcurrentBalance  = "0x1::fungible_asset::ConcurrentFungibleBalance"
	typeFAMetadata         = "0x1::fungible_asset::Metadata"
	typeFASupply           = "0x1::fungible_asset::Supply"
	typeFAConcurrentSupply = "0x1::fungible_asset::ConcurrentSupply"
	typePairedCoinType     = "0x1::coin::PairedCoinType"
	typeDepositEvent       = "0x1::fungible_asset::Deposit"
	typeWithdrawEvent      = "0x1::fungible_asset::Withdraw"
	typeFrozenEvent        = "0x1::fungible_asset::Frozen"
	typeFeeStatement       = "0x1::transaction_fee::FeeStatement"
	typeGasFeeEvent        = "0x1::aptos_coin::GasFeeEvent"
	aptosCoinType          = "0x1::aptos_coin::AptosCoin"
	aptosMetadataAddress   = "0xa"
	deletedOwnerUnknown    = "Unknown"
	gasFeeEventIndex       = -1
)

type objectCore struct {
	AllowUngatedTransfer bool   `json:"allow_ungated_transfer"`
	GuidCreationNum      string `json:"guid_creation_num"`
	Owner                string `json:"owner"`
}

type objectRef struct {
	Inner string `json:"inner"`
}

type fungibleStore struct {
	Metadata objectRef `json:"metadata"`
	Balance  string    `json:"balance"`
	Frozen   bool      `json:"frozen"`
}

type aggregator struct {
	Value    string `json:"value"`
	MaxValue string `json:"max_value"`
}

type concurrentBalance struct {
	Balance aggregator `json:"balance"`
}

type faMetadata struct {
	Name       string `json:"name"`
	Symbol     string `json:"symbol"`
	Decimals   int32  `json:"decimals"`
	IconURI    string `json:"icon_uri"`
	ProjectURI string `json:"project_uri"`
}

type optionalValue struct {
	Vec []string `json:"vec"`
}

type faSupply struct {
	Current string        `json:"current"`
	Maximum optionalValue `json:"maximum"`
}

type faConcurrentSupply struct {
	Current aggregator `json:"current"`
}

type typeInfo struct {
	AccountAddress string `json:"account_address"`
	ModuleName     string `json:"module_name"`
	StructName     string `json:"struct_name"`
}

// CoinType renders the type as "{address}::{module}::{struct}".
func (t typeInfo) CoinType() (string, error) {
	module, err := decodeMoveName(t.ModuleName)
	if err != nil {
		return "", err
	}
	name, err := decodeMoveName(t.StructName)
	if err != nil {
		return "", err
	}
	return t.AccountAddress + "::" + module + "::" + name, nil
}

type pairedCoinType struct {
	Type typeInfo `json:"type"`
}

type storeAmountEvent struct {
	Store  string `json:"store"`
	Amount string `json:"amount"`
}

type frozenEvent struct {
	Store  string `json:"store"`
	Frozen bool   `json:"frozen"`
}

type feeStatement struct {
	TotalChargeGasUnits   string `json:"total_charge_gas_units"`
	StorageFeeRefundOctas string `json:"storage_fee_refund_octas"`
}

func (f feeStatement) totalGasUnits() (uint64, error) {
	return strconv.ParseUint(f.TotalChargeGasUnits, 10, 64)
}

func decodeResource[T any](typeStr string, data json.RawMessage, version uint64) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("version %d: failed to decode %s: %w", version, typeStr, err)
	}
	return out, nil
}
