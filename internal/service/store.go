package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hpsweep/internal/model"
	"hpsweep/internal/searchspace"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrStudyNotFound = errors.New("study not found")
	ErrTrialNotFound = errors.New("trial not found")
	ErrStudyExists   = errors.New("study already exists")
)

// Store 封装 study/trial 在共享数据库中的读写。多个 worker 进程通过同一个数据库协作，
// 本进程不持有任何跨 worker 的状态。
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB 返回底层连接
func (s *Store) DB() *gorm.DB {
	return s.db
}

// CreateStudy 创建 study；loadIfExists 为 true 时同名 study 已存在则直接返回它
func (s *Store) CreateStudy(ctx context.Context, name, direction, metric string, loadIfExists bool) (*model.Study, error) {
	existing, err := s.GetStudy(ctx, name)
	switch {
	case err == nil && loadIfExists:
		return existing, nil
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrStudyExists, name)
	case !errors.Is(err, ErrStudyNotFound):
		return nil, err
	}

	study := &model.Study{Name: name, Direction: direction, Metric: metric}
	if err := s.db.WithContext(ctx).Create(study).Error; err != nil {
		// 另一个 worker 可能刚刚创建了同名 study（唯一索引冲突），再查一次
		if loadIfExists {
			if existing, getErr := s.GetStudy(ctx, name); getErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("创建 study 失败: %w", err)
	}
	return study, nil
}

func (s *Store) GetStudy(ctx context.Context, name string) (*model.Study, error) {
	var study model.Study
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&study).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrStudyNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("查询 study 失败: %w", err)
	}
	return &study, nil
}

func (s *Store) ListStudies(ctx context.Context) ([]model.Study, error) {
	var studies []model.Study
	if err := s.db.WithContext(ctx).Order("id").Find(&studies).Error; err != nil {
		return nil, fmt.Errorf("查询 study 列表失败: %w", err)
	}
	return studies, nil
}

// CreateTrial 新建一个 RUNNING 状态的 trial，编号 = study 中已有的 trial 数量。
// 先锁住 study 行（SELECT ... FOR UPDATE）再计数，同一 study 的 CreateTrial 因此串行执行；
// SQLite 不支持行锁，由 _txlock=immediate 的写事务串行化。(study_id, number) 上另有唯一索引兜底。
func (s *Store) CreateTrial(ctx context.Context, studyID uint, workerID, hostname string) (*model.Trial, error) {
	now := time.Now()
	trial := &model.Trial{
		StudyID:     studyID,
		State:       model.TrialRunning,
		WorkerID:    workerID,
		Hostname:    hostname,
		StartedAt:   now,
		HeartbeatAt: &now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var study model.Study
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").First(&study, studyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStudyNotFound
			}
			return err
		}
		var n int64
		if err := tx.Model(&model.Trial{}).Where("study_id = ?", studyID).Count(&n).Error; err != nil {
			return err
		}
		trial.Number = int(n)
		return tx.Create(trial).Error
	})
	if err != nil {
		return nil, fmt.Errorf("创建 trial 失败: %w", err)
	}
	return trial, nil
}

func (s *Store) SetParam(ctx context.Context, trialID uint, name string, internal float64, dist searchspace.Distribution) error {
	distJSON, err := searchspace.Marshal(dist)
	if err != nil {
		return err
	}
	row := model.TrialParam{TrialID: trialID, Name: name, Value: internal, Distribution: string(distJSON)}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("保存参数 %s 失败: %w", name, err)
	}
	return nil
}

func (s *Store) ReportIntermediate(ctx context.Context, trialID uint, step int, value float64) error {
	row := model.TrialIntermediateValue{TrialID: trialID, Step: step, Value: value}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trial_id"}, {Name: "step"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("保存中间指标失败: %w", err)
	}
	return nil
}

func (s *Store) SetUserAttr(ctx context.Context, trialID uint, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化属性 %s 失败: %w", key, err)
	}
	row := model.TrialUserAttr{TrialID: trialID, Key: key, Value: string(data)}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trial_id"}, {Name: "attr_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("保存属性 %s 失败: %w", key, err)
	}
	return nil
}

func (s *Store) SetConfigPath(ctx context.Context, trialID uint, path string) error {
	return s.db.WithContext(ctx).Model(&model.Trial{}).
		Where("id = ?", trialID).
		Update("config_path", path).Error
}

// FinishTrial 结束一个 RUNNING 的 trial；已经结束的 trial（比如被判定心跳超时）不会被覆盖
func (s *Store) FinishTrial(ctx context.Context, trialID uint, state model.TrialState, value *float64, reason string) error {
	if !state.Finished() {
		return fmt.Errorf("不能把 trial 结束为 %s", state)
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.Trial{}).
		Where("id = ? AND state = ?", trialID, model.TrialRunning).
		Updates(map[string]interface{}{
			"state":        state,
			"value":        value,
			"fail_reason":  reason,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("更新 trial 状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id=%d 不是 RUNNING 状态", ErrTrialNotFound, trialID)
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, trialID uint) error {
	return s.db.WithContext(ctx).Model(&model.Trial{}).
		Where("id = ? AND state = ?", trialID, model.TrialRunning).
		Update("heartbeat_at", time.Now()).Error
}

// FailStaleTrials 把心跳超时的 RUNNING trial 标记为 FAIL（对应 worker 已经崩溃或被杀掉）
func (s *Store) FailStaleTrials(ctx context.Context, studyID uint, grace time.Duration) (int64, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.Trial{}).
		Where("study_id = ? AND state = ? AND heartbeat_at < ?", studyID, model.TrialRunning, now.Add(-grace)).
		Updates(map[string]interface{}{
			"state":        model.TrialFail,
			"fail_reason":  "stale heartbeat",
			"completed_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("清理超时 trial 失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CountTrials 统计 study 的 trial 数量，states 为空时统计全部状态
func (s *Store) CountTrials(ctx context.Context, studyID uint, states ...model.TrialState) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&model.Trial{}).Where("study_id = ?", studyID)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("统计 trial 失败: %w", err)
	}
	return n, nil
}

// ListTrials 按编号返回 trial（含参数、中间指标、属性），states 为空时返回全部
func (s *Store) ListTrials(ctx context.Context, studyID uint, states ...model.TrialState) ([]model.Trial, error) {
	var trials []model.Trial
	q := s.db.WithContext(ctx).
		Preload("Params").
		Preload("IntermediateValues", func(db *gorm.DB) *gorm.DB { return db.Order("step") }).
		Preload("UserAttrs").
		Where("study_id = ?", studyID)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	if err := q.Order("number").Find(&trials).Error; err != nil {
		return nil, fmt.Errorf("查询 trial 失败: %w", err)
	}
	return trials, nil
}

func (s *Store) GetTrial(ctx context.Context, studyID uint, number int) (*model.Trial, error) {
	var trial model.Trial
	err := s.db.WithContext(ctx).
		Preload("Params").
		Preload("IntermediateValues", func(db *gorm.DB) *gorm.DB { return db.Order("step") }).
		Preload("UserAttrs").
		Where("study_id = ? AND number = ?", studyID, number).
		First(&trial).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: number=%d", ErrTrialNotFound, number)
	}
	if err != nil {
		return nil, fmt.Errorf("查询 trial 失败: %w", err)
	}
	return &trial, nil
}

// BestTrial 返回目标值最优的 COMPLETE trial
func (s *Store) BestTrial(ctx context.Context, study *model.Study) (*model.Trial, error) {
	order := "value DESC"
	if study.Direction == "minimize" {
		order = "value ASC"
	}
	var trial model.Trial
	err := s.db.WithContext(ctx).
		Preload("Params").
		Preload("UserAttrs").
		Where("study_id = ? AND state = ? AND value IS NOT NULL", study.ID, model.TrialComplete).
		Order(order).Order("number").
		First(&trial).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: study %s 还没有完成的 trial", ErrTrialNotFound, study.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("查询最优 trial 失败: %w", err)
	}
	return &trial, nil
}

func (s *Store) SetRung(ctx context.Context, studyID, trialID uint, rung int, value float64) error {
	row := model.TrialRung{StudyID: studyID, TrialID: trialID, Rung: rung, Value: value}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "rung"}, {Name: "trial_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("保存 rung 失败: %w", err)
	}
	return nil
}

// RungValues 返回 study 在某一级 rung 上记录的全部指标，exclude 指定的 trial 除外
func (s *Store) RungValues(ctx context.Context, studyID uint, rung int, exclude uint) ([]float64, error) {
	var values []float64
	err := s.db.WithContext(ctx).Model(&model.TrialRung{}).
		Where("study_id = ? AND rung = ? AND trial_id <> ?", studyID, rung, exclude).
		Pluck("value", &values).Error
	if err != nil {
		return nil, fmt.Errorf("查询 rung 失败: %w", err)
	}
	return values, nil
}
