package models

import "time"

// Coin is the reference row for one upstream currency. ID is the upstream
// identifier, never generated locally.
type Coin struct {
	ID        int64      `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Name      string     `json:"name" gorm:"size:255;not null"`
	Symbol    string     `json:"symbol" gorm:"size:25;not null;index"`
	Slug      string     `json:"slug" gorm:"size:50;not null;uniqueIndex"`
	MaxSupply *int64     `json:"max_supply"`
	DateAdded *time.Time `json:"date_added"`

	// Associations
	Markets   []Market   `json:"markets,omitempty" gorm:"foreignKey:CoinID"`
	Quotes    []Quote    `json:"quotes,omitempty" gorm:"foreignKey:CoinID"`
	Tags      []Tag      `json:"tags,omitempty" gorm:"foreignKey:CoinID"`
	Platforms []Platform `json:"platforms,omitempty" gorm:"foreignKey:PlatformID"`
}

func (Coin) TableName() string {
	return "coin"
}

// Platform marks coin ID as a token issued on the chain of coin PlatformID.
type Platform struct {
	ID           int64  `json:"id" gorm:"primaryKey;autoIncrement:false"`
	PlatformID   int64  `json:"platform_id" gorm:"index;not null"`
	TokenAddress []byte `json:"token_address" gorm:"size:255;uniqueIndex"`
}

func (Platform) TableName() string {
	return "platform"
}
