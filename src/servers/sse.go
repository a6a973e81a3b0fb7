package servers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/recordbridge/recordbridge/src/instance"
	"github.com/recordbridge/recordbridge/src/pipeline"
	"github.com/recordbridge/recordbridge/src/progress"
)

// SSEEventConnected 建立连接后的第一条事件
const SSEEventConnected = "connected"

// writeSSE 写出一条 SSE 消息并立即刷新
func writeSSE(w io.Writer, flusher http.Flusher, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// finalEvent 为已结束的任务补发终止事件
func finalEvent(job *pipeline.MigrationJob) progress.Event {
	switch job.Status {
	case pipeline.StatusCompleted:
		return progress.NewComplete(job.Counters.Total, job.Counters.Simulated)
	case pipeline.StatusCancelled:
		return progress.NewError("migration cancelled")
	default:
		return progress.NewError(job.ErrorMessage)
	}
}

// migrationEventsHandler 推送单个迁移任务的进度
// 首条为 connected 事件；收到 complete 或 error 后结束连接
func migrationEventsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pm := instance.GetInstance(ctx).Manager
	id := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJsonWithStatusCode(w, http.StatusInternalServerError, errorResp{Error: "SSE not supported"})
		return
	}

	// 先订阅再读取状态，避免错过两者之间产生的终止事件
	stream := pm.Subscribe(id)
	defer stream.Close()

	job, err := pm.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, flusher, SSEEventConnected, map[string]any{
		"migration_id": id,
		"status":       job.Status,
	}); err != nil {
		return
	}

	if job.Status.IsTerminal() {
		ev := finalEvent(job)
		_ = writeSSE(w, flusher, string(ev.Type), ev)
		return
	}

	for {
		ev, ok := stream.Next(ctx)
		if !ok {
			return
		}
		if err := writeSSE(w, flusher, string(ev.Type), ev); err != nil {
			return
		}
	}
}
