package servers

import (
	"net/http"

	"github.com/recordbridge/recordbridge/src/instance"
	"github.com/recordbridge/recordbridge/src/pkg/ratelimit"
	"github.com/recordbridge/recordbridge/src/pkg/utils"
)

type connectorStatus struct {
	Service    string              `json:"service"`
	Extractor  bool                `json:"extractor"`
	Loader     bool                `json:"loader"`
	RateLimit  *ratelimit.WaitInfo `json:"rate_limit,omitempty"`
	ReadBytes  int64               `json:"read_bytes"`
	WriteBytes int64               `json:"write_bytes"`
}

// getConnectors 返回已登记的连接器及其限流、流量状态
func getConnectors(writer http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())

	traffic := make(map[string]utils.Traffic)
	for _, t := range utils.ConnCounterManager.Snapshot() {
		traffic[t.Key] = t
	}

	services := inst.Connectors.Services()
	out := make([]connectorStatus, 0, len(services))
	for _, service := range services {
		st := connectorStatus{Service: service}
		_, err := inst.Connectors.Extractor(service)
		st.Extractor = err == nil
		_, err = inst.Connectors.Loader(service)
		st.Loader = err == nil
		if inst.RateLimiter != nil {
			info := inst.RateLimiter.GetWaitInfo(service)
			if info.MinInterval > 0 {
				st.RateLimit = &info
			}
		}
		if t, ok := traffic[service]; ok {
			st.ReadBytes = t.ReadBytes
			st.WriteBytes = t.WriteBytes
		}
		out = append(out, st)
	}
	writeJSON(writer, map[string]any{"connectors": out})
}
