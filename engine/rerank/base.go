package rerank

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultMethod is the unary RPC the gRPC base reranker calls.
const DefaultMethod = "/eventscout.rerank.v1.RerankService/Rerank"

// BaseParams are passed through to the base reranker.
type BaseParams struct {
	Query   string
	Country string
	Locale  string
	TopK    int
}

// BaseResult is the base reranker's ordering. Scores, when present, align
// with URLs.
type BaseResult struct {
	URLs    []string
	Scores  []float64
	Metrics map[string]float64
}

// BaseReranker scores candidate URLs for relevance. It is an external
// service; the bonus layer in this package works on its output.
type BaseReranker interface {
	Rerank(ctx context.Context, urls []string, p BaseParams) (BaseResult, error)
}

// Passthrough keeps the input order. Used when no rerank service is set.
type Passthrough struct{}

func (Passthrough) Rerank(_ context.Context, urls []string, _ BaseParams) (BaseResult, error) {
	return BaseResult{URLs: append([]string(nil), urls...)}, nil
}

// GRPCReranker calls a rerank service over a unary gRPC method that takes
// and returns google.protobuf.Struct:
//
//	request:  {"urls": [...], "query": "...", "country": "DE", "locale": "de", "top_k": 20}
//	response: {"urls": [...], "scores": [...], "metrics": {...}}
type GRPCReranker struct {
	conn    grpc.ClientConnInterface
	method  string
	timeout time.Duration
}

// NewGRPCReranker wraps an existing connection. method "" uses DefaultMethod.
func NewGRPCReranker(conn grpc.ClientConnInterface, method string, timeout time.Duration) *GRPCReranker {
	if method == "" {
		method = DefaultMethod
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GRPCReranker{conn: conn, method: method, timeout: timeout}
}

// Dial opens a plaintext connection to addr.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("rerank: dial %s: %w", addr, err)
	}
	return conn, nil
}

func (g *GRPCReranker) Rerank(ctx context.Context, urls []string, p BaseParams) (BaseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	list := make([]any, len(urls))
	for i, u := range urls {
		list[i] = u
	}
	req, err := structpb.NewStruct(map[string]any{
		"urls":    list,
		"query":   p.Query,
		"country": p.Country,
		"locale":  p.Locale,
		"top_k":   p.TopK,
	})
	if err != nil {
		return BaseResult{}, fmt.Errorf("rerank: build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, g.method, req, resp); err != nil {
		return BaseResult{}, fmt.Errorf("rerank: invoke: %w", err)
	}
	return decodeBase(resp)
}

func decodeBase(resp *structpb.Struct) (BaseResult, error) {
	var out BaseResult
	fields := resp.GetFields()
	for _, v := range fields["urls"].GetListValue().GetValues() {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return BaseResult{}, fmt.Errorf("rerank: non-string url in response")
		}
		out.URLs = append(out.URLs, s.StringValue)
	}
	if scores := fields["scores"].GetListValue().GetValues(); len(scores) == len(out.URLs) {
		for _, v := range scores {
			out.Scores = append(out.Scores, v.GetNumberValue())
		}
	}
	if m := fields["metrics"].GetStructValue(); m != nil {
		out.Metrics = map[string]float64{}
		for k, v := range m.GetFields() {
			out.Metrics[k] = v.GetNumberValue()
		}
	}
	return out, nil
}
