package model

import (
	"time"
)

// Study 一次超参搜索：同一搜索空间、同一 trial 上限的一组 trial，按名字区分
type Study struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// 多个 study 可以共用同一个数据库文件
	Name string `gorm:"type:varchar(255);not null;uniqueIndex" json:"name"`
	// maximize / minimize
	Direction string `gorm:"type:varchar(20);not null" json:"direction"`
	// 优化的指标名（如 acc）
	Metric string `gorm:"type:varchar(100)" json:"metric"`
}
