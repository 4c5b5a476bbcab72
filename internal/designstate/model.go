package designstate

// Record is one saved editor design state for an asset. Several records may
// exist per asset; the one with the greatest UpdatedAtMs (then ID) is current.
type Record struct {
	ID          uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	AssetID     uint64 `gorm:"column:asset_id;not null;index:idx_design_states_asset_updated,priority:1"`
	State       string `gorm:"column:state;type:text;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;index:idx_design_states_asset_updated,priority:2"`
}

// TableName keeps the design state table name stable.
func (Record) TableName() string {
	return "design_states"
}
