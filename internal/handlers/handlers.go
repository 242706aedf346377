package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/xray-api/internal/analysis"
	"github.com/Brownie44l1/xray-api/internal/model"
	"github.com/Brownie44l1/xray-api/internal/overlay"
	"github.com/Brownie44l1/xray-api/internal/preprocess"

	custom_logger "github.com/Brownie44l1/xray-api/internal/logger"
)

// ErrDisabled is returned by every analysis route when the model failed to
// load at startup.
var ErrDisabled = errors.New("analysis is disabled because the model failed to load")

// Handler serves the page and the JSON API. A nil service means the model is
// unavailable for the life of the process.
type Handler struct {
	svc       *analysis.Service
	loadErr   error
	maxUpload int64
}

// NewHandler builds a handler. loadErr is reported on the page and by /health
// when svc is nil.
func NewHandler(svc *analysis.Service, loadErr error, maxUploadBytes int64) *Handler {
	if svc == nil && loadErr == nil {
		loadErr = ErrDisabled
	}
	return &Handler{
		svc:       svc,
		loadErr:   loadErr,
		maxUpload: maxUploadBytes,
	}
}

func (h *Handler) disabled() bool { return h.svc == nil }

// HTTPError is the JSON error envelope.
type HTTPError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// Error writes err as a JSON response with status.
func Error(c *gin.Context, status int, err error) {
	id, _ := custom_logger.RequestID(c.Request.Context())
	c.JSON(status, HTTPError{
		Error:     err.Error(),
		RequestID: id,
	})
}

// Health reports whether the model is loaded.
func (h *Handler) Health(c *gin.Context) {
	if h.disabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"model":  h.loadErr.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"model":  "ready",
	})
}

// ShowModel returns the topology the classifier was built with.
func (h *Handler) ShowModel(c *gin.Context) {
	if h.disabled() {
		Error(c, http.StatusServiceUnavailable, h.loadErr)
		return
	}
	c.JSON(http.StatusOK, h.svc.Metadata())
}

// Predict classifies a model-ready tensor sent as {"image": [...]}.
func (h *Handler) Predict(c *gin.Context) {
	logger, _ := custom_logger.GetZapLogger(c.Request.Context())

	if h.disabled() {
		Error(c, http.StatusServiceUnavailable, h.loadErr)
		return
	}

	var req model.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	expectedSize := h.svc.Metadata().InputSize()
	if len(req.Image) != expectedSize {
		Error(c, http.StatusBadRequest, fmt.Errorf("expected %d values, got %d", expectedSize, len(req.Image)))
		return
	}

	result, err := h.svc.Predict(req.Image)
	if err != nil {
		logger.Error("prediction failed", zap.Error(err))
		Error(c, statusFor(err), err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// AnalyzeResponse is the JSON form of an analysis report. Images are data URIs.
type AnalyzeResponse struct {
	RequestID     string               `json:"request_id"`
	File          string               `json:"file"`
	Format        string               `json:"format"`
	Bytes         int                  `json:"bytes"`
	Label         string               `json:"label"`
	Confidence    float32              `json:"confidence"`
	Probabilities map[string]float32   `json:"probabilities"`
	Original      string               `json:"original"`
	Overlay       string               `json:"overlay,omitempty"`
	Explanation   analysis.Explanation `json:"explanation"`
	ElapsedMS     int64                `json:"elapsed_ms"`
}

// AnalyzeAPI runs the full pipeline on a multipart "image" upload.
func (h *Handler) AnalyzeAPI(c *gin.Context) {
	if h.disabled() {
		Error(c, http.StatusServiceUnavailable, h.loadErr)
		return
	}

	data, filename, status, err := h.readUpload(c)
	if err != nil {
		Error(c, status, err)
		return
	}

	report, err := h.svc.Analyze(c.Request.Context(), data)
	if err != nil {
		Error(c, statusFor(err), err)
		return
	}

	original, composite, err := h.encode(report)
	if err != nil {
		Error(c, http.StatusInternalServerError, err)
		return
	}

	c.Header("X-Request-ID", report.ID)
	c.JSON(http.StatusOK, AnalyzeResponse{
		RequestID:     report.ID,
		File:          filename,
		Format:        report.Format,
		Bytes:         len(data),
		Label:         report.Prediction.Label,
		Confidence:    report.Prediction.Confidence,
		Probabilities: report.Prediction.Predictions,
		Original:      original,
		Overlay:       composite,
		Explanation:   report.Explanation,
		ElapsedMS:     report.Elapsed.Milliseconds(),
	})
}

type probabilityView struct {
	Label   string
	Percent string
}

type resultView struct {
	File          string
	Label         string
	Confidence    string
	Pneumonia     bool
	Probabilities []probabilityView
	Original      template.URL
	Overlay       template.URL
	Reason        string
}

type pageData struct {
	Disabled  bool
	LoadError string
	Error     string
	Result    *resultView
}

func (h *Handler) page() pageData {
	p := pageData{Disabled: h.disabled()}
	if p.Disabled {
		p.LoadError = h.loadErr.Error()
	}
	return p
}

// Index renders the upload page.
func (h *Handler) Index(c *gin.Context) {
	p := h.page()
	status := http.StatusOK
	if p.Disabled {
		status = http.StatusServiceUnavailable
	}
	c.HTML(status, "index.html", p)
}

// Analyze handles the page form and re-renders it with the result.
func (h *Handler) Analyze(c *gin.Context) {
	p := h.page()
	if p.Disabled {
		c.HTML(http.StatusServiceUnavailable, "index.html", p)
		return
	}

	data, filename, status, err := h.readUpload(c)
	if err != nil {
		p.Error = uploadMessage(err)
		c.HTML(status, "index.html", p)
		return
	}

	report, err := h.svc.Analyze(c.Request.Context(), data)
	if err != nil {
		p.Error = analyzeMessage(err)
		c.HTML(statusFor(err), "index.html", p)
		return
	}

	original, composite, err := h.encode(report)
	if err != nil {
		p.Error = "Could not render the result images."
		c.HTML(http.StatusInternalServerError, "index.html", p)
		return
	}

	c.Header("X-Request-ID", report.ID)
	p.Result = &resultView{
		File:          filename,
		Label:         report.Prediction.Label,
		Confidence:    fmt.Sprintf("%.2f%%", report.Prediction.Confidence),
		Pneumonia:     report.Prediction.Label == "PNEUMONIA",
		Probabilities: probabilities(report.Prediction, h.svc.Metadata().Classes),
		Original:      template.URL(original),
		Overlay:       template.URL(composite),
		Reason:        report.Explanation.Reason,
	}
	c.HTML(http.StatusOK, "index.html", p)
}

func probabilities(pred *model.PredictionResult, classes []string) []probabilityView {
	out := make([]probabilityView, 0, len(pred.Predictions))
	for _, label := range classes {
		if p, ok := pred.Predictions[label]; ok {
			out = append(out, probabilityView{Label: label, Percent: fmt.Sprintf("%.2f%%", p*100)})
		}
	}
	if len(out) == 0 {
		for label, p := range pred.Predictions {
			out = append(out, probabilityView{Label: label, Percent: fmt.Sprintf("%.2f%%", p*100)})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	}
	return out
}

func (h *Handler) encode(report *analysis.Report) (original, composite string, err error) {
	format := h.svc.ImageFormat()
	original, err = overlay.DataURI(report.Display, format)
	if err != nil {
		return "", "", err
	}
	if report.Composite != nil {
		composite, err = overlay.DataURI(report.Composite, format)
		if err != nil {
			return "", "", err
		}
	}
	return original, composite, nil
}

var errTooLarge = errors.New("upload exceeds the size limit")

// readUpload reads the "image" form file, enforcing the upload limit.
func (h *Handler) readUpload(c *gin.Context) ([]byte, string, int, error) {
	if h.maxUpload > 0 {
		if c.Request.ContentLength > h.maxUpload {
			return nil, "", http.StatusRequestEntityTooLarge, errTooLarge
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}

	header, err := c.FormFile("image")
	if err != nil {
		if tooLarge(err) {
			return nil, "", http.StatusRequestEntityTooLarge, errTooLarge
		}
		return nil, "", http.StatusBadRequest, fmt.Errorf("no image file provided, use 'image' as the form field name: %w", err)
	}

	file, err := header.Open()
	if err != nil {
		return nil, "", http.StatusBadRequest, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		if tooLarge(err) {
			return nil, "", http.StatusRequestEntityTooLarge, errTooLarge
		}
		return nil, "", http.StatusBadRequest, err
	}
	return data, header.Filename, http.StatusOK, nil
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func statusFor(err error) int {
	var decodeErr *preprocess.DecodeError
	var inferErr *model.InferenceError
	switch {
	case errors.Is(err, preprocess.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &decodeErr):
		return http.StatusBadRequest
	case errors.As(err, &inferErr):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func uploadMessage(err error) string {
	if errors.Is(err, errTooLarge) {
		return "The file is too large."
	}
	return "Please choose a JPEG or PNG image to analyze."
}

func analyzeMessage(err error) string {
	var decodeErr *preprocess.DecodeError
	var inferErr *model.InferenceError
	switch {
	case errors.Is(err, preprocess.ErrUnsupportedFormat):
		return "Only JPEG and PNG images are supported."
	case errors.As(err, &decodeErr):
		return "The file could not be read as an image. Please try a different file."
	case errors.As(err, &inferErr):
		return "Prediction failed for this image. Please try again."
	default:
		return "Analysis failed: " + err.Error()
	}
}
