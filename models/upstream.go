package models

// DriverCall 上游聚合服务的统一调用形状
// 新版接口用 service 指定提供商，旧版接口用 driver
type DriverCall struct {
	Interface string                 `json:"interface"`
	Service   string                 `json:"service,omitempty"`
	Driver    string                 `json:"driver,omitempty"`
	Method    string                 `json:"method"`
	Args      map[string]interface{} `json:"args"`
}

// Provider 返回本次调用指向的提供商名
func (c *DriverCall) Provider() string {
	if c.Service != "" {
		return c.Service
	}
	return c.Driver
}
