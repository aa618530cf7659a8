package otlp

import (
	"fmt"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// ContentTypeProtobuf OTLP/HTTP protobuf 内容类型
const ContentTypeProtobuf = "application/x-protobuf"

// ExportResponse 构造导出响应；rejected > 0 时附带 partial_success
func ExportResponse(rejected int64) *coltracepb.ExportTraceServiceResponse {
	resp := &coltracepb.ExportTraceServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &coltracepb.ExportTracePartialSuccess{
			RejectedSpans: rejected,
			ErrorMessage:  fmt.Sprintf("%d spans failed normalization", rejected),
		}
	}
	return resp
}

// MarshalExportResponse 序列化导出响应
func MarshalExportResponse(rejected int64) ([]byte, error) {
	return proto.Marshal(ExportResponse(rejected))
}

// MarshalStatus 序列化 google.rpc.Status 错误体
func MarshalStatus(code codes.Code, message string) ([]byte, error) {
	return proto.Marshal(status.New(code, message).Proto())
}
