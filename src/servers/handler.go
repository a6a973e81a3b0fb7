package servers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/recordbridge/recordbridge/src/connectors"
	"github.com/recordbridge/recordbridge/src/consts"
	"github.com/recordbridge/recordbridge/src/instance"
	applog "github.com/recordbridge/recordbridge/src/log"
	"github.com/recordbridge/recordbridge/src/pipeline"
)

// 请求体上限
const maxBodyBytes = 8 << 20

type errorResp struct {
	Error string `json:"error"`
}

func writeJSON(writer http.ResponseWriter, obj any) {
	writeJsonWithStatusCode(writer, http.StatusOK, obj)
}

func writeJsonWithStatusCode(writer http.ResponseWriter, code int, obj any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	if err := json.NewEncoder(writer).Encode(obj); err != nil {
		applog.GetLogger().WithError(err).Debug("failed to write json response")
	}
}

// statusCode 把领域错误映射为 HTTP 状态码
func statusCode(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrJobNotFound), errors.Is(err, connectors.ErrSchemaNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidTransition), errors.Is(err, pipeline.ErrJobRunning):
		return http.StatusConflict
	case pipeline.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(writer http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		applog.GetLogger().WithError(err).Error("request failed")
	}
	writeJsonWithStatusCode(writer, code, errorResp{Error: err.Error()})
}

// decodeBody 解析 JSON 请求体，失败时已写出 400 响应
func decodeBody(writer http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJsonWithStatusCode(writer, http.StatusBadRequest, errorResp{
			Error: fmt.Sprintf("invalid request body: %s", err),
		})
		return false
	}
	return true
}

func getHealth(writer http.ResponseWriter, r *http.Request) {
	writeJSON(writer, map[string]string{"status": "ok"})
}

func getInfo(writer http.ResponseWriter, r *http.Request) {
	writeJSON(writer, consts.GetAppInfo())
}

func getConfig(writer http.ResponseWriter, r *http.Request) {
	writeJSON(writer, instance.GetInstance(r.Context()).Config)
}
