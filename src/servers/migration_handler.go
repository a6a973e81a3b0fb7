package servers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/recordbridge/recordbridge/src/pipeline"
)

// RegisterMigrationHandlers 注册迁移任务与预览相关的处理器
// 注意：r 已经是 /api 前缀的子路由器
func RegisterMigrationHandlers(r *mux.Router, pm *pipeline.Manager) {
	if pm == nil {
		return
	}

	r.HandleFunc("/migrations", makeListMigrationsHandler(pm)).Methods("GET")
	r.HandleFunc("/migrations", makeCreateMigrationHandler(pm)).Methods("POST")
	r.HandleFunc("/migrations/{id}", makeGetMigrationHandler(pm)).Methods("GET")
	r.HandleFunc("/migrations/{id}", makeUpdateMigrationHandler(pm)).Methods("PUT")
	r.HandleFunc("/migrations/{id}", makeDeleteMigrationHandler(pm)).Methods("DELETE")
	r.HandleFunc("/migrations/{id}/run", makeRunMigrationHandler(pm)).Methods("POST")
	r.HandleFunc("/migrations/{id}/cancel", makeCancelMigrationHandler(pm)).Methods("POST")
	r.HandleFunc("/migrations/{id}/retry", makeRetryMigrationHandler(pm)).Methods("POST")

	r.HandleFunc("/preview", makePreviewHandler(pm)).Methods("POST")
	r.HandleFunc("/preview/batch", makePreviewBatchHandler(pm)).Methods("POST")
}

func makeListMigrationsHandler(pm *pipeline.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := pipeline.JobFilter{}
		query := r.URL.Query()
		if status := query.Get("status"); status != "" {
			s, err := pipeline.ParseStatus(status)
			if err != nil {
				writeJsonWithStatusCode(w, http.StatusBadRequest, errorResp{Error: err.Error()})
				return
			}
			filter.Status = &s
		}
		if limit := query.Get("limit"); limit != "" {
			if l, err := strconv.Atoi(limit); err == nil {
				filter.Limit = l
			}
		}
		if offset := query.Get("offset"); offset != "" {
			if o, err := strconv.Atoi(offset); err == nil {
				filter.Offset = o
			}
		}

		jobs, err := pm.List(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		// 确保返回空数组而不是 null
		if jobs == nil {
			jobs = []*pipeline.MigrationJob{}
		}
		writeJSON(w, jobs)
	}
}

func makeCreateMigrationHandler(pm *pipeline.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec pipeline.JobSpec
		if !decodeBody(w, r, &spec) {
			return
		}
		job, err := pm.Create(r.Context(), spec)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJsonWithStatusCode(w, http.StatusCreated, job)
	}
}

func makeGetMigrationHandler(pm *pipeline.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := pm.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, job)
	}
}

// makeUpdateMigrationHandler 只允许修改 draft 状态的任务
func makeUpdateMigrationHandler(pm *pipeline.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec pipeline.JobSpec
		if !decodeBody(w, r, &spec) {
			return
		}
		job, err := pm.Update(r.Context(), mux.Vars(r)["id"], spec)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, job)
	}
}

func makeDeleteMigrationHandler(pm *pipeline.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pm.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// makeRunMigrationHandler 启动迁移后立即返回 202，进度通过 SSE 获取
func makeRunMigrationHandler(pm *pipeline.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := pm.Run(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		job, err := pm.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJsonWithStatusCode(w, http.StatusAccepted, job)
	}
}

func makeCancelMigrationHandler(pm *pipeline.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := pm.Cancel(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		job, err := pm.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, job)
	}
}

// makeRetryMigrationHandler 以失败或已取消任务的配置新建一个 draft 任务
func makeRetryMigrationHandler(pm *pipeline.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := pm.Retry(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJsonWithStatusCode(w, http.StatusCreated, job)
	}
}

func makePreviewHandler(pm *pipeline.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.PreviewRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := pm.Preview(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, res)
	}
}

// makePreviewBatchHandler 请求体为预览请求数组，单项失败时以无效结果返回
func makePreviewBatchHandler(pm *pipeline.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reqs []pipeline.PreviewRequest
		if !decodeBody(w, r, &reqs) {
			return
		}
		writeJSON(w, pm.PreviewBatch(r.Context(), reqs))
	}
}
