package model

import (
	"time"
)

// TrialState trial 的生命周期状态
type TrialState string

const (
	TrialRunning  TrialState = "RUNNING"
	TrialComplete TrialState = "COMPLETE"
	TrialPruned   TrialState = "PRUNED"
	TrialFail     TrialState = "FAIL"
)

// Finished 是否已结束（非 RUNNING）
func (s TrialState) Finished() bool {
	return s != TrialRunning
}

// Trial 一次采样得到的配置及其目标值
type Trial struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	StudyID uint `gorm:"not null;index;uniqueIndex:idx_study_number" json:"study_id"`
	// study 内从 0 开始的编号，在锁住 study 行的事务里分配
	Number int `gorm:"uniqueIndex:idx_study_number" json:"number"`

	State TrialState `gorm:"type:varchar(20);not null;index" json:"state"`
	Value *float64   `json:"value"`

	// 执行该 trial 的 worker（进程级 uuid）和主机名
	WorkerID string `gorm:"type:varchar(64);index" json:"worker_id"`
	Hostname string `gorm:"type:varchar(255)" json:"hostname"`

	ConfigPath string `gorm:"type:varchar(1000)" json:"config_path"`
	FailReason string `gorm:"type:text" json:"fail_reason,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	HeartbeatAt *time.Time `gorm:"index" json:"heartbeat_at"`

	Params             []TrialParam             `gorm:"constraint:OnDelete:CASCADE" json:"params,omitempty"`
	IntermediateValues []TrialIntermediateValue `gorm:"constraint:OnDelete:CASCADE" json:"intermediate_values,omitempty"`
	UserAttrs          []TrialUserAttr          `gorm:"constraint:OnDelete:CASCADE" json:"user_attrs,omitempty"`
}

// TrialParam 参数取值，Value 为内部表示（类别参数存下标），Distribution 为分布的 JSON
type TrialParam struct {
	ID           uint    `gorm:"primarykey" json:"-"`
	TrialID      uint    `gorm:"not null;uniqueIndex:idx_trial_param" json:"-"`
	Name         string  `gorm:"type:varchar(255);not null;uniqueIndex:idx_trial_param" json:"name"`
	Value        float64 `json:"value"`
	Distribution string  `gorm:"type:text;not null" json:"distribution"`
}

// TrialIntermediateValue 训练过程中上报的中间指标（用于剪枝）
type TrialIntermediateValue struct {
	ID      uint    `gorm:"primarykey" json:"-"`
	TrialID uint    `gorm:"not null;uniqueIndex:idx_trial_step" json:"-"`
	Step    int     `gorm:"not null;uniqueIndex:idx_trial_step" json:"step"`
	Value   float64 `json:"value"`
}

// TrialUserAttr 用户属性，值为 JSON
type TrialUserAttr struct {
	ID      uint `gorm:"primarykey" json:"-"`
	TrialID uint `gorm:"not null;uniqueIndex:idx_trial_attr" json:"-"`
	// 注意：key 是 MySQL 保留关键字，需要在 gorm tag 中指定列名
	Key   string `gorm:"column:attr_key;type:varchar(255);not null;uniqueIndex:idx_trial_attr" json:"key"`
	Value string `gorm:"type:text" json:"value"`
}

// TrialRung SuccessiveHalving 剪枝器记录的每一级（rung）的指标
type TrialRung struct {
	ID      uint    `gorm:"primarykey" json:"-"`
	StudyID uint    `gorm:"not null;index:idx_study_rung" json:"-"`
	Rung    int     `gorm:"not null;index:idx_study_rung;uniqueIndex:idx_trial_rung" json:"rung"`
	TrialID uint    `gorm:"not null;uniqueIndex:idx_trial_rung" json:"-"`
	Value   float64 `json:"value"`
}
