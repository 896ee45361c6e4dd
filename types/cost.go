package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostType labels one line of a message's cost breakdown.
type CostType string

const (
	CostTypeExecution              CostType = "EXECUTION"
	CostTypeStorage                CostType = "STORAGE"
	CostTypeVolumeImmutable        CostType = "EXECUTION_VOLUME_INMUTABLE"
	CostTypeVolumePersistent       CostType = "EXECUTION_VOLUME_PERSISTENT"
	CostTypeInstanceVolumeRootfs   CostType = "EXECUTION_INSTANCE_VOLUME_ROOTFS"
	CostTypeProgramVolumeCode      CostType = "EXECUTION_PROGRAM_VOLUME_CODE"
	CostTypeProgramVolumeRuntime   CostType = "EXECUTION_PROGRAM_VOLUME_RUNTIME"
	CostTypeProgramVolumeData      CostType = "EXECUTION_PROGRAM_VOLUME_DATA"
	CostTypeVolumeDiscount         CostType = "EXECUTION_VOLUME_DISCOUNT"
)

// ProductPriceType selects the pricing entry a message is billed under.
type ProductPriceType string

const (
	ProductPriceTypeStorage             ProductPriceType = "storage"
	ProductPriceTypeProgram             ProductPriceType = "program"
	ProductPriceTypeProgramPersistent   ProductPriceType = "program_persistent"
	ProductPriceTypeInstance            ProductPriceType = "instance"
	ProductPriceTypeInstanceConfidential ProductPriceType = "instance_confidential"
	ProductPriceTypeInstanceGpuStandard ProductPriceType = "instance_gpu_standard"
	ProductPriceTypeInstanceGpuPremium  ProductPriceType = "instance_gpu_premium"
	ProductPriceTypeWeb3Hosting         ProductPriceType = "web3_hosting"
)

// AccountCost is one row of a message's cost breakdown, in token units.
type AccountCost struct {
	ID          int64           `db:"id"`
	Owner       string          `db:"owner"`
	ItemHash    string          `db:"item_hash"`
	Type        CostType        `db:"type"`
	Name        string          `db:"name"`
	Ref         *string         `db:"ref"`
	PaymentType PaymentType     `db:"payment_type"`
	CostHold    decimal.Decimal `db:"cost_hold"`
	CostStream  decimal.Decimal `db:"cost_stream"`
	CostCredit  decimal.Decimal `db:"cost_credit"`
}

// Balance is a per-address token balance scraped from a chain.
type Balance struct {
	Address    string          `db:"address"`
	Chain      Chain           `db:"chain"`
	Dapp       *string         `db:"dapp"`
	Balance    decimal.Decimal `db:"balance"`
	EthHeight  int64           `db:"eth_height"`
	LastUpdate time.Time       `db:"last_update"`
}

// CreditHistory is one immutable row of the credit ledger. Positive
// amounts are distributions or incoming transfers, negative amounts are
// expenses or outgoing transfers.
type CreditHistory struct {
	CreditRef        string     `db:"credit_ref"`
	CreditIndex      int        `db:"credit_index"`
	Address          string     `db:"address"`
	Amount           int64      `db:"amount"`
	Price            *string    `db:"price"`
	BonusAmount      *int64     `db:"bonus_amount"`
	TxHash           *string    `db:"tx_hash"`
	Token            *string    `db:"token"`
	Chain            *Chain     `db:"chain"`
	Provider         *string    `db:"provider"`
	Origin           *string    `db:"origin"`
	OriginRef        *string    `db:"origin_ref"`
	PaymentMethod    *string    `db:"payment_method"`
	ExpirationDate   *time.Time `db:"expiration_date"`
	MessageTimestamp time.Time  `db:"message_timestamp"`
	LastUpdate       time.Time  `db:"last_update"`
}

// CreditBalance caches the FIFO evaluation of an address's ledger.
type CreditBalance struct {
	Address    string    `db:"address"`
	Balance    int64     `db:"balance"`
	LastUpdate time.Time `db:"last_update"`
}
