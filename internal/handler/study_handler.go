package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"hpsweep/internal/model"
	"hpsweep/internal/service"

	"github.com/gin-gonic/gin"
)

// StudyHandler 只读的 study/trial 查询接口
type StudyHandler struct {
	store *service.Store
}

func NewStudyHandler(store *service.Store) *StudyHandler {
	return &StudyHandler{store: store}
}

// trialView trial 的对外表示，参数和属性已解码
type trialView struct {
	model.Trial
	Params    map[string]any `json:"params"`
	UserAttrs map[string]any `json:"user_attrs"`
}

func newTrialView(t model.Trial) trialView {
	return trialView{Trial: t, Params: service.ExternalParams(t), UserAttrs: service.UserAttrs(t)}
}

// ListStudies 列出存储中的全部 study 及其 trial 数量
func (h *StudyHandler) ListStudies(c *gin.Context) {
	ctx := c.Request.Context()
	studies, err := h.store.ListStudies(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]gin.H, 0, len(studies))
	for _, s := range studies {
		n, err := h.store.CountTrials(ctx, s.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items = append(items, gin.H{"study": s, "trials": n})
	}

	c.JSON(http.StatusOK, gin.H{
		"studies": items,
		"total":   len(items),
	})
}

// GetStudy 获取单个 study
func (h *StudyHandler) GetStudy(c *gin.Context) {
	study, ok := h.loadStudy(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, study)
}

// ListTrials 列出 study 的 trial，可用 state=COMPLETE,PRUNED 过滤
func (h *StudyHandler) ListTrials(c *gin.Context) {
	study, ok := h.loadStudy(c)
	if !ok {
		return
	}

	var states []model.TrialState
	if raw := c.Query("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			state := model.TrialState(strings.ToUpper(strings.TrimSpace(s)))
			switch state {
			case model.TrialRunning, model.TrialComplete, model.TrialPruned, model.TrialFail:
				states = append(states, state)
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 state: " + s})
				return
			}
		}
	}

	trials, err := h.store.ListTrials(c.Request.Context(), study.ID, states...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]trialView, 0, len(trials))
	for _, t := range trials {
		views = append(views, newTrialView(t))
	}

	c.JSON(http.StatusOK, gin.H{
		"trials": views,
		"total":  len(views),
	})
}

// GetTrial 按编号获取 trial
func (h *StudyHandler) GetTrial(c *gin.Context) {
	study, ok := h.loadStudy(c)
	if !ok {
		return
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 trial 编号"})
		return
	}

	trial, err := h.store.GetTrial(c.Request.Context(), study.ID, number)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTrialView(*trial))
}

// BestTrial 获取当前最优的已完成 trial
func (h *StudyHandler) BestTrial(c *gin.Context) {
	study, ok := h.loadStudy(c)
	if !ok {
		return
	}
	trial, err := h.store.BestTrial(c.Request.Context(), study)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTrialView(*trial))
}

// Summary 获取 study 的统计（与 summary.md 相同的数据）
func (h *StudyHandler) Summary(c *gin.Context) {
	study, ok := h.loadStudy(c)
	if !ok {
		return
	}
	sum, err := h.store.Summarize(c.Request.Context(), study)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *StudyHandler) loadStudy(c *gin.Context) (*model.Study, bool) {
	study, err := h.store.GetStudy(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return study, true
}

func (h *StudyHandler) writeError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrStudyNotFound) || errors.Is(err, service.ErrTrialNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
