package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dealbase/internal/aggregation"
	"dealbase/internal/service"
)

type DocumentHandler struct {
	Intake *service.IntakeService
	Logger *zap.Logger
}

func (h *DocumentHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/deals/:id")
	group.POST("/documents", h.ingest)
	group.POST("/documents/preview", h.preview)
	group.GET("/documents", h.list)
	group.GET("/documents/:docId", h.get)
	group.POST("/rebuild", h.rebuild)
}

type ingestDocumentRequest struct {
	FileName    string              `json:"file_name" binding:"required,max=255"`
	FileType    string              `json:"file_type" binding:"required,oneof=rent_roll unit_mix"`
	ContentType string              `json:"content_type" binding:"max=100"`
	SizeBytes   int64               `json:"size_bytes" binding:"gte=0"`
	ExtractedAt *time.Time          `json:"extracted_at"`
	Supersedes  *uint64             `json:"supersedes"`
	Records     []map[string]string `json:"records" binding:"max=20000"`
	Error       string              `json:"error"`
}

// @Summary Ingest extracted document
// @Description Stores the extracted records and publishes a new snapshot version.
// @Description Empty records or a non-empty error mark the document failed.
// @Tags documents
// @Accept json
// @Param id path int true "deal id"
// @Param body body ingestDocumentRequest true "extraction result"
// @Success 201 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Failure 422 {object} apiResponse
// @Router /api/v1/deals/{id}/documents [post]
func (h *DocumentHandler) ingest(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	var req ingestDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	res, err := h.Intake.Ingest(c.Request.Context(), dealID, service.IngestDocumentInput{
		FileName:    req.FileName,
		FileType:    req.FileType,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
		ExtractedAt: req.ExtractedAt,
		Supersedes:  req.Supersedes,
		Records:     req.Records,
		Error:       req.Error,
	})
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Created(c, res)
}

type previewDocumentRequest struct {
	FileType string              `json:"file_type" binding:"required,oneof=rent_roll unit_mix"`
	Records  []map[string]string `json:"records" binding:"required,min=1,max=20000"`
}

// @Summary Preview extracted records
// @Description Normalizes the records on their own and reports the column
// @Description mapping. Nothing is stored; POST /documents commits.
// @Tags documents
// @Accept json
// @Param id path int true "deal id"
// @Param body body previewDocumentRequest true "extracted records"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/deals/{id}/documents/preview [post]
func (h *DocumentHandler) preview(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	var req previewDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body: "+err.Error(), nil)
		return
	}
	res, err := h.Intake.Preview(c.Request.Context(), dealID, service.PreviewInput{
		FileType: req.FileType,
		Records:  req.Records,
	})
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, gin.H{"preview": res, "summary": aggregation.Summarize(res.UnitMix)}, nil)
}

func (h *DocumentHandler) list(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	items, err := h.Intake.ListDocuments(c.Request.Context(), dealID)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, items, map[string]any{"count": len(items)})
}

func (h *DocumentHandler) get(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	docID, ok := uintParam(c, "docId")
	if !ok {
		return
	}
	doc, err := h.Intake.GetDocument(c.Request.Context(), dealID, docID)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, gin.H{"document": doc, "records": doc.Records}, nil)
}

// rebuild republishes the snapshot from the current documents, e.g. after a
// mapping change.
func (h *DocumentHandler) rebuild(c *gin.Context) {
	dealID, ok := dealIDParam(c)
	if !ok {
		return
	}
	version, warnings, err := h.Intake.Rebuild(c.Request.Context(), dealID)
	if err != nil {
		Fail(c, h.Logger, err)
		return
	}
	Ok(c, gin.H{"snapshot_version": version, "warnings": warnings}, nil)
}
