package models

// TagReference is the shared tag vocabulary. Names are stored lower-cased.
type TagReference struct {
	ID   uint   `json:"id" gorm:"primaryKey"`
	Name string `json:"name" gorm:"size:100;not null;uniqueIndex"`

	Tags []Tag `json:"-" gorm:"foreignKey:TagID"`
}

func (TagReference) TableName() string {
	return "tag_ref"
}

// Tag links a coin to a tag reference. A pair is linked at most once.
type Tag struct {
	ID     uint  `json:"id" gorm:"primaryKey"`
	CoinID int64 `json:"coin_id" gorm:"not null;uniqueIndex:idx_tag_coin_tag,priority:1"`
	TagID  uint  `json:"tag_id" gorm:"not null;uniqueIndex:idx_tag_coin_tag,priority:2;index"`
}

func (Tag) TableName() string {
	return "tag"
}
