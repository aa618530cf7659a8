package handlers

import (
	"context"
	"io"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/tracing/ingest"
	"github.com/BaSui01/spanflow/tracing/otlp"
	"github.com/BaSui01/spanflow/types"
)

// =============================================================================
// 📥 OTLP/HTTP Traces Handler
// =============================================================================

// Ingester 摄取服务
type Ingester interface {
	MaxBatchBytes() int64
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// TraceHandler 处理 POST /v1/traces
type TraceHandler struct {
	ingester Ingester
	logger   *zap.Logger
}

// NewTraceHandler 创建 TraceHandler
func NewTraceHandler(ingester Ingester, logger *zap.Logger) *TraceHandler {
	return &TraceHandler{
		ingester: ingester,
		logger:   logger.With(zap.String("handler", "traces")),
	}
}

// HandleExport 处理 OTLP/HTTP protobuf 导出请求
// @Summary 导出 Trace
// @Description 接收 OTLP ExportTraceServiceRequest（application/x-protobuf）
// @Tags 摄取
// @Accept application/x-protobuf
// @Produce application/x-protobuf
// @Success 200 "ExportTraceServiceResponse"
// @Failure 400 "google.rpc.Status"
// @Failure 403 "google.rpc.Status"
// @Failure 413 "google.rpc.Status"
// @Failure 500 "google.rpc.Status"
// @Router /v1/traces [post]
func (h *TraceHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != otlp.ContentTypeProtobuf {
			WriteStatus(w, http.StatusBadRequest, "Content-Type must be "+otlp.ContentTypeProtobuf, h.logger)
			return
		}
	}

	identity, ok := types.IdentityFrom(r.Context())
	if !ok {
		// 认证中间件应已拦截
		h.logger.Error("request reached trace handler without identity")
		WriteStatus(w, http.StatusInternalServerError, "internal error", h.logger)
		return
	}

	maxBytes := h.ingester.MaxBatchBytes()
	if r.ContentLength > maxBytes {
		WriteStatus(w, http.StatusRequestEntityTooLarge, "batch exceeds maximum size", h.logger)
		return
	}

	// 多读一个字节用于判断是否超限，超限的请求体交给摄取服务按 413 拒绝
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		h.logger.Warn("failed to read request body", zap.Error(err))
		WriteStatus(w, http.StatusBadRequest, "failed to read request body", h.logger)
		return
	}

	res, err := h.ingester.Ingest(r.Context(), ingest.Request{
		Body:            body,
		ContentEncoding: r.Header.Get("Content-Encoding"),
		Identity:        identity,
		Transport:       ingest.TransportHTTP,
	})
	if err != nil {
		e := ingest.AsError(err)
		fields := []zap.Field{
			zap.String("kind", e.Kind.String()),
			zap.String("organization_id", identity.OrganizationID.String()),
			zap.Error(e.Err),
		}
		if e.Kind == ingest.KindInternal {
			h.logger.Error("trace export failed", fields...)
		} else {
			h.logger.Info("trace export rejected", fields...)
		}
		WriteStatus(w, e.HTTPStatus(), e.Message, h.logger)
		return
	}

	body, err = otlp.MarshalExportResponse(int64(res.Dropped))
	if err != nil {
		h.logger.Error("failed to marshal export response", zap.Error(err))
		WriteStatus(w, http.StatusInternalServerError, "internal error", h.logger)
		return
	}
	WriteProto(w, http.StatusOK, body)
}
