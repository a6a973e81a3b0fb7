package servers

import (
	"fmt"
	"net/http"

	applog "github.com/recordbridge/recordbridge/src/log"
	rbsentry "github.com/recordbridge/recordbridge/src/pkg/sentry"
)

func log(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		applog.GetLogger().WithFields(map[string]any{
			"Method":     r.Method,
			"Path":       r.RequestURI,
			"RemoteAddr": r.RemoteAddr,
		}).Debug("Http Request")
		handler.ServeHTTP(w, r)
	})
}

// recoverer 将 handler 中的 panic 上报后转为 500 响应
func recoverer(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				err := fmt.Errorf("panic in %s %s: %v", r.Method, r.URL.Path, v)
				rbsentry.CaptureExceptionWithTags(err, map[string]string{"path": r.URL.Path})
				applog.GetLogger().WithError(err).Error("http handler panicked")
				writeJsonWithStatusCode(w, http.StatusInternalServerError, errorResp{Error: "internal server error"})
			}
		}()
		handler.ServeHTTP(w, r)
	})
}
