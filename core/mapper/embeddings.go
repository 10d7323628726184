package mapper

import (
	"encoding/json"
	"errors"

	"relay-gateway/models"

	"github.com/tidwall/gjson"
)

// ErrUnrecognizedShape 上游向量负载无法识别；向量不做猜测
var ErrUnrecognizedShape = errors.New("unrecognized embedding payload shape")

// EmbeddingShape 上游向量负载形态（封闭集合）
type EmbeddingShape int

const (
	EmbeddingUnrecognized EmbeddingShape = iota
	EmbeddingCanonical                   // {data:[{embedding:[...]}, ...]}
	EmbeddingBareVector                  // [0.1, 0.2]
	EmbeddingSingle                      // {embedding:[...]}
	EmbeddingList                        // {embeddings:[[...], ...]}
	EmbeddingDataMatrix                  // {data:[[...], ...]}
)

func (s EmbeddingShape) String() string {
	switch s {
	case EmbeddingCanonical:
		return "canonical"
	case EmbeddingBareVector:
		return "bare_vector"
	case EmbeddingSingle:
		return "single_embedding"
	case EmbeddingList:
		return "embeddings_list"
	case EmbeddingDataMatrix:
		return "data_matrix"
	default:
		return "unrecognized"
	}
}

// MatchEmbeddingShape 结构化匹配，任何不完全符合的输入都落到 EmbeddingUnrecognized
func MatchEmbeddingShape(r gjson.Result) EmbeddingShape {
	if r.IsArray() {
		if isVector(r) {
			return EmbeddingBareVector
		}
		return EmbeddingUnrecognized
	}
	if !r.IsObject() {
		return EmbeddingUnrecognized
	}

	if data := r.Get("data"); data.IsArray() && len(data.Array()) > 0 {
		items := data.Array()
		if allOf(items, func(item gjson.Result) bool { return item.IsObject() && isVector(item.Get("embedding")) }) {
			return EmbeddingCanonical
		}
		if allOf(items, isVector) {
			return EmbeddingDataMatrix
		}
		return EmbeddingUnrecognized
	}
	if isVector(r.Get("embedding")) {
		return EmbeddingSingle
	}
	if list := r.Get("embeddings"); list.IsArray() && len(list.Array()) > 0 && allOf(list.Array(), isVector) {
		return EmbeddingList
	}
	return EmbeddingUnrecognized
}

// isVector 非空且全部为数字的数组
func isVector(r gjson.Result) bool {
	if !r.IsArray() {
		return false
	}
	items := r.Array()
	return len(items) > 0 && allOf(items, func(v gjson.Result) bool { return v.Type == gjson.Number })
}

func allOf(items []gjson.Result, pred func(gjson.Result) bool) bool {
	for _, item := range items {
		if !pred(item) {
			return false
		}
	}
	return true
}

func toVector(r gjson.Result) []float64 {
	items := r.Array()
	out := make([]float64, len(items))
	for i, v := range items {
		out[i] = v.Float()
	}
	return out
}

// NormalizeEmbeddings 将上游负载规范化为 OpenAI 向量列表
// 已规范的输入原样返回，仅在缺失时补 model
func NormalizeEmbeddings(r gjson.Result, model string) (*models.EmbeddingResponse, EmbeddingShape, error) {
	shape := MatchEmbeddingShape(r)

	var vectors [][]float64
	switch shape {
	case EmbeddingCanonical:
		var resp models.EmbeddingResponse
		if err := json.Unmarshal([]byte(r.Raw), &resp); err != nil {
			return nil, shape, err
		}
		if resp.Model == "" {
			resp.Model = model
		}
		return &resp, shape, nil
	case EmbeddingBareVector:
		vectors = [][]float64{toVector(r)}
	case EmbeddingSingle:
		vectors = [][]float64{toVector(r.Get("embedding"))}
	case EmbeddingList:
		for _, v := range r.Get("embeddings").Array() {
			vectors = append(vectors, toVector(v))
		}
	case EmbeddingDataMatrix:
		for _, v := range r.Get("data").Array() {
			vectors = append(vectors, toVector(v))
		}
	default:
		return nil, shape, ErrUnrecognizedShape
	}

	resp := &models.EmbeddingResponse{
		Object: "list",
		Data:   make([]models.EmbeddingData, len(vectors)),
		Model:  model,
	}
	for i, vec := range vectors {
		resp.Data[i] = models.EmbeddingData{Object: "embedding", Index: i, Embedding: vec}
	}
	return resp, shape, nil
}
