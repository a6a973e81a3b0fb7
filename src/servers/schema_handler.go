package servers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/recordbridge/recordbridge/src/connectors"
	"github.com/recordbridge/recordbridge/src/instance"
	applog "github.com/recordbridge/recordbridge/src/log"
	"github.com/recordbridge/recordbridge/src/mapping"
)

// RegisterSchemaHandlers 注册实体结构目录与转换类型目录
func RegisterSchemaHandlers(r *mux.Router) {
	r.HandleFunc("/transforms/types", getTransformTypes).Methods("GET")
	r.HandleFunc("/schemas", listSchemas).Methods("GET")
	r.HandleFunc("/schemas/infer", inferSchema).Methods("POST")
	r.HandleFunc("/schemas/{service}", getServiceSchemas).Methods("GET")
	r.HandleFunc("/schemas/{service}/{entity}", getEntitySchema).Methods("GET")
}

func getTransformTypes(writer http.ResponseWriter, r *http.Request) {
	writeJSON(writer, map[string]any{"transforms": mapping.TransformTypes()})
}

func listSchemas(writer http.ResponseWriter, r *http.Request) {
	catalog := instance.GetInstance(r.Context()).Catalog
	result := make(map[string][]string)
	for _, service := range catalog.Services() {
		entities, _ := catalog.Entities(service)
		result[service] = entities
	}
	writeJSON(writer, map[string]any{"schemas": result})
}

func getServiceSchemas(writer http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	entities, ok := instance.GetInstance(r.Context()).Catalog.Entities(service)
	if !ok {
		writeError(writer, fmt.Errorf("%w: service %q", connectors.ErrSchemaNotFound, service))
		return
	}
	writeJSON(writer, map[string]any{"service": service, "entities": entities})
}

func getEntitySchema(writer http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	schema, err := instance.GetInstance(r.Context()).Schemas.GetSchema(r.Context(), vars["service"], vars["entity"])
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, schema)
}

type inferRequest struct {
	Service string           `json:"service"`
	Entity  string           `json:"entity"`
	Data    []map[string]any `json:"data"`
	// Save 为 true 时把推断结果登记到目录
	Save bool `json:"save"`
}

type inferResponse struct {
	Schema       *mapping.EntitySchema `json:"schema"`
	SampleValues map[string]any        `json:"sample_values"`
}

func inferSchema(writer http.ResponseWriter, r *http.Request) {
	var req inferRequest
	if !decodeBody(writer, r, &req) {
		return
	}
	schema, samples, err := connectors.InferSchema(req.Service, req.Entity, req.Data)
	if err != nil {
		writeError(writer, err)
		return
	}
	if req.Save {
		if req.Service == "" || req.Entity == "" {
			writeJsonWithStatusCode(writer, http.StatusBadRequest, errorResp{Error: "service and entity are required to save a schema"})
			return
		}
		inst := instance.GetInstance(r.Context())
		inst.Catalog.Add(schema)
		inst.Schemas.Purge()
		applog.GetLogger().WithFields(map[string]any{
			"service": req.Service,
			"entity":  req.Entity,
			"fields":  len(schema.Fields),
		}).Info("registered inferred schema")
	}
	writeJSON(writer, inferResponse{Schema: schema, SampleValues: samples})
}
