// Package handlers exposes the training, prediction, compression, and
// ensemble operations over HTTP.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/edulab-ai/model-service/cache"
	"github.com/edulab-ai/model-service/compress"
	"github.com/edulab-ai/model-service/config"
	"github.com/edulab-ai/model-service/ensemble"
	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/models"
	"github.com/edulab-ai/model-service/modelstore"
	"github.com/edulab-ai/model-service/nn"
	"github.com/edulab-ai/model-service/repository"
	"github.com/edulab-ai/model-service/training"
)

// Handler handles HTTP requests.
type Handler struct {
	cfg        *config.Config
	manager    *training.Manager
	store      *modelstore.Store
	compressor *compress.Compressor
	quantizer  *compress.Quantizer
	embedder   training.Embedder
	cacheMgr   *cache.Manager
	repo       *repository.Repository

	mu        sync.Mutex
	ensembles map[string]*ensemble.Ensemble
}

// NewHandler creates a handler wired to the service components.
func NewHandler(cfg *config.Config, manager *training.Manager, embedder training.Embedder, cacheMgr *cache.Manager, repo *repository.Repository) *Handler {
	return &Handler{
		cfg:        cfg,
		manager:    manager,
		store:      manager.Store(),
		compressor: compress.NewCompressor(manager.Store()),
		quantizer:  compress.NewQuantizer(),
		embedder:   embedder,
		cacheMgr:   cacheMgr,
		repo:       repo,
		ensembles:  make(map[string]*ensemble.Ensemble),
	}
}

// Register attaches all API routes to the router group.
func (h *Handler) Register(api *gin.RouterGroup) {
	model := api.Group("/model")
	{
		model.POST("/train", h.Train)
		model.GET("/training/status/:user_id", h.TrainingStatus)
		model.POST("/predict", h.Predict)
		model.POST("/compress", h.Compress)
		model.POST("/quantize", h.Quantize)
		model.POST("/ensemble", h.BuildEnsemble)
		model.POST("/ensemble/predict", h.EnsemblePredict)
		model.GET("/versions/:user_id", h.ListVersions)
		model.DELETE("/versions/:user_id/:version", h.DeleteVersion)
	}
	api.GET("/jobs", h.ListJobs)
}

// Train handles POST /api/v1/model/train. The call blocks until the run
// finishes; clients poll the status endpoint from another connection for
// progress.
func (h *Handler) Train(c *gin.Context) {
	var req models.TrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request payload", err)
		return
	}
	family, err := nn.ParseFamily(req.ModelType)
	if err != nil {
		badRequest(c, err.Error(), nil)
		return
	}

	var result *training.Result
	switch family {
	case nn.FamilyStudent:
		if req.Distributed {
			result, err = h.manager.TrainStudentDistributed(c.Request.Context(), req.UserID, req.StudentData)
		} else {
			result, err = h.manager.TrainStudent(c.Request.Context(), req.UserID, req.StudentData)
		}
	case nn.FamilyTeacher:
		if req.Distributed {
			result, err = h.manager.TrainTeacherDistributed(c.Request.Context(), req.UserID, req.TeacherData)
		} else {
			result, err = h.manager.TrainTeacher(c.Request.Context(), req.UserID, req.TeacherData)
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, training.ErrJobActive):
			c.JSON(http.StatusConflict, models.ErrorResponse{Error: "training already running", Details: err.Error()})
		case errors.Is(err, training.ErrDataValidation):
			badRequest(c, "training data validation failed", err)
		default:
			internalError(c, "training failed", err)
		}
		return
	}

	c.JSON(http.StatusOK, models.TrainResponse{
		Status:       result.Status,
		ModelPath:    result.ModelPath,
		TrainingInfo: result.TrainingInfo,
	})
}

// TrainingStatus handles GET /api/v1/model/training/status/:user_id. The
// model_type query narrows to one family; without it the most recent job
// across families is returned. Responses are cached briefly.
func (h *Handler) TrainingStatus(c *gin.Context) {
	ownerID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid user_id", err)
		return
	}
	modelType := c.Query("model_type")

	cacheKey := h.cacheMgr.Key(cache.PrefixTrainingStatus, fmt.Sprintf("%d", ownerID))
	if modelType == "" {
		var cached training.Job
		if err := h.cacheMgr.Get(c.Request.Context(), cacheKey, &cached); err == nil {
			c.JSON(http.StatusOK, &cached)
			return
		}
	}

	var job *training.Job
	if modelType != "" {
		family, err := nn.ParseFamily(modelType)
		if err != nil {
			badRequest(c, err.Error(), nil)
			return
		}
		job = h.manager.Status(ownerID, family)
	} else {
		job = h.manager.StatusAny(ownerID)
	}
	if job == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error: fmt.Sprintf("no training job found for user %d", ownerID),
		})
		return
	}

	if modelType == "" {
		h.cacheMgr.Set(c.Request.Context(), cacheKey, job)
	}
	c.JSON(http.StatusOK, job)
}

// Predict handles POST /api/v1/model/predict against a stored checkpoint. An
// empty version loads the latest.
func (h *Handler) Predict(c *gin.Context) {
	var req models.PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request payload", err)
		return
	}
	family, err := nn.ParseFamily(req.ModelType)
	if err != nil {
		badRequest(c, err.Error(), nil)
		return
	}

	model, info, err := h.store.Load(req.UserID, family, req.Version)
	if err != nil {
		if errors.Is(err, modelstore.ErrModelNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
			return
		}
		internalError(c, "load model", err)
		return
	}

	version, _ := info["version"].(string)
	c.JSON(http.StatusOK, models.PredictResponse{
		ModelType:   req.ModelType,
		Version:     version,
		Predictions: model.Predict(req.Features),
	})
}

// Compress handles POST /api/v1/model/compress, dispatching on method. The
// compressed model is saved as a new checkpoint version.
func (h *Handler) Compress(c *gin.Context) {
	var req models.CompressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request payload", err)
		return
	}
	family, err := nn.ParseFamily(req.ModelType)
	if err != nil {
		badRequest(c, err.Error(), nil)
		return
	}
	kind, err := compress.ParseKind(req.Method)
	if err != nil {
		badRequest(c, err.Error(), nil)
		return
	}
	if kind == compress.KindQuantization {
		badRequest(c, "use the quantize endpoint for quantization", nil)
		return
	}

	model, _, err := h.store.Load(req.UserID, family, req.Version)
	if err != nil {
		if errors.Is(err, modelstore.ErrModelNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
			return
		}
		internalError(c, "load model", err)
		return
	}

	var compressed nn.Model
	var report *compress.Report
	switch kind {
	case compress.KindPruning:
		amount := req.Amount
		if amount == 0 {
			amount = 0.3
		}
		compressed, report, err = h.compressor.Prune(model, amount, compress.PruneMethod(req.PruneMethod))
	case compress.KindStructural:
		ratio := req.RankRatio
		if ratio == 0 {
			ratio = 0.5
		}
		compressed, report, err = h.compressor.Structural(model, ratio)
	case compress.KindDistillation:
		ds, derr := h.buildDataset(c.Request.Context(), family, req.StudentData, req.TeacherData)
		if derr != nil {
			badRequest(c, "distillation data", derr)
			return
		}
		compressed, report, err = h.compressor.Distill(model, ds, compress.DistillConfig{
			Alpha:       req.Alpha,
			Temperature: req.Temperature,
			HiddenSize:  req.HiddenSize,
			Epochs:      req.Epochs,
		})
	}
	if err != nil {
		badRequest(c, "compression failed", err)
		return
	}

	version, err := h.compressor.SaveCompressed(compressed, report, req.UserID)
	if err != nil {
		internalError(c, "save compressed model", err)
		return
	}
	h.cacheMgr.InvalidateModelInfo(req.UserID, family)

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"version": version,
		"report":  report,
	})
}

// Quantize handles POST /api/v1/model/quantize. Static and QAT modes require
// calibration data in the request.
func (h *Handler) Quantize(c *gin.Context) {
	var req models.QuantizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request payload", err)
		return
	}
	family, err := nn.ParseFamily(req.ModelType)
	if err != nil {
		badRequest(c, err.Error(), nil)
		return
	}
	mode := compress.QuantDynamic
	if req.Mode != "" {
		mode, err = compress.ParseQuantMode(req.Mode)
		if err != nil {
			badRequest(c, err.Error(), nil)
			return
		}
	}

	model, _, err := h.store.Load(req.UserID, family, req.Version)
	if err != nil {
		if errors.Is(err, modelstore.ErrModelNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
			return
		}
		internalError(c, "load model", err)
		return
	}

	var ds *training.Dataset
	if mode != compress.QuantDynamic {
		ds, err = h.buildDataset(c.Request.Context(), family, req.StudentData, req.TeacherData)
		if err != nil {
			badRequest(c, "calibration data", err)
			return
		}
	}

	quantized, report, err := h.quantizer.Quantize(model, ds, compress.QuantConfig{
		Mode:   mode,
		Epochs: req.Epochs,
	})
	if err != nil {
		badRequest(c, "quantization failed", err)
		return
	}

	version, err := h.store.Save(quantized, modelstore.Info{
		"stage":             "quantized",
		"mode":              string(mode),
		"compression_ratio": report.CompressionRatio,
	}, req.UserID, family)
	if err != nil {
		internalError(c, "save quantized model", err)
		return
	}
	h.cacheMgr.InvalidateModelInfo(req.UserID, family)

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"version": version,
		"report":  report,
	})
}

// BuildEnsemble handles POST /api/v1/model/ensemble: loads the named
// checkpoint versions, combines them with normalized weights, and persists
// the ensemble under its name.
func (h *Handler) BuildEnsemble(c *gin.Context) {
	var req models.EnsembleBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request payload", err)
		return
	}
	family, err := nn.ParseFamily(req.ModelType)
	if err != nil {
		badRequest(c, err.Error(), nil)
		return
	}
	if len(req.Members) == 0 {
		badRequest(c, "ensemble needs at least one member", nil)
		return
	}

	ens := ensemble.New(family)
	for _, m := range req.Members {
		model, _, err := h.store.Load(req.UserID, family, m.Version)
		if err != nil {
			if errors.Is(err, modelstore.ErrModelNotFound) {
				c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
				return
			}
			internalError(c, "load ensemble member", err)
			return
		}
		if err := ens.AddModel(model, m.Weight); err != nil {
			badRequest(c, "add ensemble member", err)
			return
		}
	}

	dir := filepath.Join(h.cfg.Training.EnsembleDir, req.Name)
	if err := ens.Save(dir); err != nil {
		internalError(c, "save ensemble", err)
		return
	}

	h.mu.Lock()
	h.ensembles[req.Name] = ens
	h.mu.Unlock()

	c.JSON(http.StatusOK, models.EnsembleBuildResponse{
		Name:    req.Name,
		Members: ens.Len(),
		Weights: ens.Weights(),
		Path:    dir,
	})
}

// EnsemblePredict handles POST /api/v1/model/ensemble/predict against a built
// ensemble, loading it from disk if this process has not seen it yet.
func (h *Handler) EnsemblePredict(c *gin.Context) {
	var req models.EnsemblePredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request payload", err)
		return
	}
	method := ensemble.MethodWeighted
	if req.Method != "" {
		var err error
		method, err = ensemble.ParseMethod(req.Method)
		if err != nil {
			badRequest(c, err.Error(), nil)
			return
		}
	}

	ens, err := h.lookupEnsemble(req.Name)
	if err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error:   fmt.Sprintf("ensemble %q not found", req.Name),
			Details: err.Error(),
		})
		return
	}

	preds, err := ens.Predict(req.Features, method)
	if err != nil {
		badRequest(c, "ensemble prediction failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        req.Name,
		"method":      string(method),
		"predictions": preds,
	})
}

// ListVersions handles GET /api/v1/model/versions/:user_id.
func (h *Handler) ListVersions(c *gin.Context) {
	ownerID, family, ok := h.ownerAndFamily(c)
	if !ok {
		return
	}
	versions := h.store.ListVersions(ownerID, family)
	c.JSON(http.StatusOK, gin.H{
		"user_id":    ownerID,
		"model_type": string(family),
		"versions":   versions,
	})
}

// DeleteVersion handles DELETE /api/v1/model/versions/:user_id/:version.
func (h *Handler) DeleteVersion(c *gin.Context) {
	ownerID, family, ok := h.ownerAndFamily(c)
	if !ok {
		return
	}
	version := c.Param("version")
	if !h.store.DeleteVersion(ownerID, family, version) {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error: fmt.Sprintf("version %s not found for %s_%d", version, family, ownerID),
		})
		return
	}
	h.cacheMgr.InvalidateModelInfo(ownerID, family)
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "version": version})
}

// ListJobs handles GET /api/v1/jobs from the durable job records. The
// user_id query narrows to one owner.
func (h *Handler) ListJobs(c *gin.Context) {
	var ownerID int64
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(c, "invalid user_id", err)
			return
		}
		ownerID = id
	}
	records, err := h.repo.ListJobs(ownerID)
	if err != nil {
		internalError(c, "list jobs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": records})
}

func (h *Handler) lookupEnsemble(name string) (*ensemble.Ensemble, error) {
	h.mu.Lock()
	ens, ok := h.ensembles[name]
	h.mu.Unlock()
	if ok {
		return ens, nil
	}

	loaded, err := ensemble.Load(filepath.Join(h.cfg.Training.EnsembleDir, name))
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.ensembles[name] = loaded
	h.mu.Unlock()
	return loaded, nil
}

func (h *Handler) buildDataset(ctx context.Context, family nn.Family, student *training.StudentTrainingData, teacher *training.TeacherTrainingData) (*training.Dataset, error) {
	if family == nn.FamilyStudent {
		return training.BuildStudentDataset(ctx, student, h.manager.ModelConfig(), h.embedder)
	}
	return training.BuildTeacherDataset(ctx, teacher, h.manager.ModelConfig(), h.embedder, h.cfg.Training.Subjects)
}

func (h *Handler) ownerAndFamily(c *gin.Context) (int64, nn.Family, bool) {
	ownerID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid user_id", err)
		return 0, "", false
	}
	modelType := c.DefaultQuery("model_type", string(nn.FamilyStudent))
	family, err := nn.ParseFamily(modelType)
	if err != nil {
		badRequest(c, err.Error(), nil)
		return 0, "", false
	}
	return ownerID, family, true
}

func badRequest(c *gin.Context, msg string, err error) {
	resp := models.ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
		logger.Warnf("%s: %v", msg, err)
	}
	c.JSON(http.StatusBadRequest, resp)
}

func internalError(c *gin.Context, msg string, err error) {
	logger.Errorf("%s: %v", msg, err)
	c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   msg,
		Details: err.Error(),
	})
}
