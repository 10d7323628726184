package mapper

import (
	"strings"

	"relay-gateway/models"

	"github.com/tidwall/gjson"
)

// NormalizeModelList 解析上游模型列表
// 支持字符串数组、对象数组、{models:[...]}、{data:[...]}；provider 非空时按提供方过滤
func NormalizeModelList(raw []byte, provider string) []models.ModelInfo {
	r := UnwrapEnvelope(raw)
	if r.IsObject() {
		switch {
		case r.Get("models").IsArray():
			r = r.Get("models")
		case r.Get("data").IsArray():
			r = r.Get("data")
		}
	}
	if !r.IsArray() {
		return nil
	}

	var out []models.ModelInfo
	seen := map[string]struct{}{}
	r.ForEach(func(_, item gjson.Result) bool {
		info, ok := modelInfo(item, provider)
		if !ok {
			return true
		}
		if provider != "" && !strings.EqualFold(info.OwnedBy, provider) {
			return true
		}
		if _, dup := seen[info.ID]; dup {
			return true
		}
		seen[info.ID] = struct{}{}
		out = append(out, info)
		return true
	})
	return out
}

func modelInfo(item gjson.Result, provider string) (models.ModelInfo, bool) {
	info := models.ModelInfo{Object: "model", OwnedBy: provider}
	if info.OwnedBy == "" {
		info.OwnedBy = "upstream"
	}

	switch {
	case item.Type == gjson.String:
		info.ID = item.String()
	case item.IsObject():
		info.ID = firstString(item, "id", "name", "model")
		if owner := firstString(item, "provider", "owned_by"); owner != "" {
			info.OwnedBy = owner
		}
		info.Created = item.Get("created").Int()
	}
	info.ID = strings.TrimSpace(info.ID)
	return info, info.ID != ""
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
