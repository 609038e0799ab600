package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/bcd-api/internal/imageio"
	"github.com/Brownie44l1/bcd-api/internal/model"
	"github.com/Brownie44l1/bcd-api/internal/predictor"
	"github.com/Brownie44l1/bcd-api/internal/tensor"
)

// maxUploadSize bounds multipart uploads (10MB).
const maxUploadSize = 10 << 20

type Handler struct {
	predictor *predictor.Predictor
	uploadDir string
	logger    *zap.SugaredLogger
}

func NewHandler(p *predictor.Predictor, uploadDir string, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		predictor: p,
		uploadDir: uploadDir,
		logger:    logger,
	}
}

// TensorRequest carries an already preprocessed CHW input.
type TensorRequest struct {
	Image []float32 `json:"image"`
}

type PredictionResponse struct {
	Result        string             `json:"result"`
	Class         int                `json:"class"`
	Probabilities map[string]float32 `json:"probabilities"`
	HeatmapURL    string             `json:"heatmap_url,omitempty"`
}

func response(res *predictor.Result) PredictionResponse {
	probs := make(map[string]float32, len(res.Probabilities))
	for i, p := range res.Probabilities {
		probs[model.Label(i)] = p
	}
	out := PredictionResponse{
		Result:        res.Label,
		Class:         res.ClassIndex,
		Probabilities: probs,
	}
	if res.OverlayPath != "" {
		out.HeatmapURL = "heatmaps/" + filepath.Base(res.OverlayPath)
	}
	return out
}

func enableCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// overlayFile exposes a single file of a directory to static.Serve.
type overlayFile struct {
	static.ServeFileSystem
	name string
}

func newOverlayFile(overlayPath string) overlayFile {
	return overlayFile{
		ServeFileSystem: static.LocalFile(filepath.Dir(overlayPath), false),
		name:            "/" + filepath.Base(overlayPath),
	}
}

func (f overlayFile) Exists(prefix, path string) bool {
	if strings.TrimPrefix(path, prefix) != f.name {
		return false
	}
	return f.ServeFileSystem.Exists(prefix, path)
}

func (f overlayFile) Open(name string) (http.File, error) {
	if name != f.name {
		return nil, os.ErrNotExist
	}
	return f.ServeFileSystem.Open(name)
}

// NewRouter wires the handlers and serves the overlay at overlayPath under
// /heatmaps. Nothing else in its directory is reachable.
func NewRouter(h *Handler, overlayPath string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), enableCORS())
	r.Use(static.Serve("/heatmaps", newOverlayFile(overlayPath)))

	r.GET("/health", h.Health)
	r.POST("/predict", h.Predict)
	r.POST("/predict/tensor", h.PredictTensor)
	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Predict classifies an uploaded image (form field "image"). The optional
// "explain" field (default true) controls the Grad-CAM overlay.
func (h *Handler) Predict(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)

	header, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided. Use 'image' as the form field name"})
		return
	}

	explain, err := strconv.ParseBool(c.DefaultPostForm("explain", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "explain must be a boolean"})
		return
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		h.logger.Errorf("Failed to create upload dir: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error processing image."})
		return
	}
	dst := filepath.Join(h.uploadDir, uuid.New().String()+filepath.Ext(header.Filename))
	if err := c.SaveUploadedFile(header, dst); err != nil {
		h.logger.Errorf("Failed to store upload: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error processing image."})
		return
	}
	defer os.Remove(dst)

	h.logger.Infof("Received file: %s, size: %d bytes, stored as %s", header.Filename, header.Size, dst)

	mode := predictor.None
	if explain {
		mode = predictor.GradCAM
	}
	res, err := h.predictor.Predict(dst, predictor.Request{Mode: mode})
	if err != nil {
		if errors.Is(err, imageio.ErrUndecodable) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image format. Supported: JPEG, PNG"})
			return
		}
		h.logger.Errorf("Prediction error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error processing image."})
		return
	}

	c.JSON(http.StatusOK, response(res))
}

// PredictTensor classifies a preprocessed 3x224x224 input sent as JSON.
func (h *Handler) PredictTensor(c *gin.Context) {
	var req TensorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	input, err := tensor.FromData(3, imageio.Size, imageio.Size, req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Expected %d values, got %d", 3*imageio.Size*imageio.Size, len(req.Image))})
		return
	}

	res, err := h.predictor.PredictTensor(input)
	if err != nil {
		h.logger.Errorf("Prediction error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Prediction failed"})
		return
	}
	c.JSON(http.StatusOK, response(res))
}
