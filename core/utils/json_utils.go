package utils

// 上游部分服务商拒绝的 JSON Schema 关键字
var unsupportedSchemaKeys = []string{"$schema", "$id", "title", "examples", "default"}

// CleanToolSchema 返回清洗后的 Schema 副本，不修改原始声明
// 移除不被接受的关键字，并把 ["string","null"] 这类联合类型收敛为第一个非 null 类型
func CleanToolSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}

	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		out[k] = v
	}
	for _, k := range unsupportedSchemaKeys {
		delete(out, k)
	}

	if types, ok := out["type"].([]interface{}); ok {
		for _, t := range types {
			if s, ok := t.(string); ok && s != "null" {
				out["type"] = s
				break
			}
		}
	}

	if props, ok := out["properties"].(map[string]interface{}); ok {
		cleaned := make(map[string]interface{}, len(props))
		for name, v := range props {
			if child, ok := v.(map[string]interface{}); ok {
				cleaned[name] = CleanToolSchema(child)
			} else {
				cleaned[name] = v
			}
		}
		out["properties"] = cleaned
	}

	if items, ok := out["items"].(map[string]interface{}); ok {
		out["items"] = CleanToolSchema(items)
	}
	return out
}

// CompactArgs 删除值为 nil 的参数，避免向上游发送显式 null
func CompactArgs(args map[string]interface{}) map[string]interface{} {
	for k, v := range args {
		if v == nil {
			delete(args, k)
		}
	}
	return args
}
