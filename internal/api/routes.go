// 包 api：集中注册 REST 路由，由主入口挂载到 API_BASE 前缀下
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nijasafe/internal/apperr"
	"nijasafe/internal/auth"
	"nijasafe/internal/core"
	"nijasafe/internal/emergency"
	"nijasafe/internal/geo"
	"nijasafe/internal/logger"
	"nijasafe/internal/presence"
	"nijasafe/internal/session"
	"nijasafe/internal/traffic"
	"nijasafe/internal/version"
)

// maxBodyBytes：请求体上限
const maxBodyBytes = 1 << 20

// Deps：路由依赖
type Deps struct {
	Core     *core.Service
	Presence presence.Store
	Traffic  traffic.Aggregator
	Sessions *session.Manager
	Resolver *auth.Resolver
}

type statusBody struct {
	Status emergency.Status `json:"status"`
}

type errorPayload struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// BuildRoutes：构建并返回 API 路由；独立 ServeMux 便于在主入口挂载到前缀
func BuildRoutes(d Deps) *http.ServeMux {
	mux := http.NewServeMux()

	// 约束：身份强制模式下用户取自令牌或可信网关头，请求体 userId 只能与之一致
	mux.HandleFunc("POST /emergency", func(w http.ResponseWriter, r *http.Request) {
		caller := ""
		if d.Resolver.Enforced() {
			uid, err := d.Resolver.Resolve(r)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if uid == "" {
				writeError(w, r, apperr.Unauthorized("a verified identity is required"))
				return
			}
			caller = uid
		}
		var in core.AlertInput
		if err := decodeBody(w, r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if caller != "" {
			if in.UserID != "" && in.UserID != caller {
				writeError(w, r, apperr.Unauthorized("userId does not match the authenticated user"))
				return
			}
			in.UserID = caller
		}
		if strings.TrimSpace(in.UserID) == "" {
			writeError(w, r, apperr.Validation("userId is required"))
			return
		}
		rec, err := d.Core.CreateEmergency(r.Context(), in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	})

	// 约束：lat/lng 必填；radius、limit 缺省或非正时回落到配置默认值
	mux.HandleFunc("GET /emergency/nearby", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		pt, err := pointFromQuery(q.Get("lat"), q.Get("lng"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		radius, err := optionalFloat(q.Get("radius"), "radius")
		if err != nil {
			writeError(w, r, err)
			return
		}
		limit := 0
		if s := q.Get("limit"); s != "" {
			n, perr := strconv.Atoi(s)
			if perr != nil {
				writeError(w, r, apperr.Validation("limit must be an integer"))
				return
			}
			limit = n
		}
		out, err := d.Core.Nearby(r.Context(), pt, radius, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /emergency/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := d.Core.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("PUT /emergency/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var body statusBody
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		if body.Status == "" {
			writeError(w, r, apperr.Validation("status is required"))
			return
		}
		rec, err := d.Core.Transition(r.Context(), r.PathValue("id"), body.Status)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("POST /emergency/{id}/responders", func(w http.ResponseWriter, r *http.Request) {
		var rs emergency.Responder
		if err := decodeBody(w, r, &rs); err != nil {
			writeError(w, r, err)
			return
		}
		rec, err := d.Core.AddResponder(r.Context(), r.PathValue("id"), rs)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("GET /traffic/density", func(w http.ResponseWriter, r *http.Request) {
		pt, err := pointFromQuery(r.URL.Query().Get("lat"), r.URL.Query().Get("lng"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		den, err := d.Traffic.Density(r.Context(), pt.Lat, pt.Lng)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, den)
	})

	mux.HandleFunc("GET /presence/active", func(w http.ResponseWriter, r *http.Request) {
		out, err := d.Presence.ListActive(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if out == nil {
			out = []presence.Sample{}
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /presence/{userId}", func(w http.ResponseWriter, r *http.Request) {
		uid := r.PathValue("userId")
		s, ok, err := d.Presence.Get(r.Context(), uid)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !ok {
			writeError(w, r, apperr.NotFound("no active location for %s", uid))
			return
		}
		writeJSON(w, http.StatusOK, s)
	})

	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		m := map[string]any{"instance": d.Sessions.Instance(), "local": d.Sessions.Count()}
		if n, err := d.Sessions.ClusterCount(r.Context()); err == nil {
			m["cluster"] = n
		}
		writeJSON(w, http.StatusOK, m)
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "OK",
			"timestamp": time.Now().UTC(),
			"instance":  d.Sessions.Instance(),
			"commit":    version.Commit,
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError：按错误类别映射状态码；500 类错误只返回通用信息并记录日志
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.L().Error("api_error", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, map[string]errorPayload{
		"error": {Kind: apperr.KindOf(err), Message: apperr.Message(err)},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var ute *json.UnmarshalTypeError
		var mbe *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Validation("request body is required")
		case errors.As(err, &ute):
			return apperr.Validation("field %s has the wrong type", ute.Field)
		case errors.As(err, &mbe):
			return apperr.Validation("request body exceeds %d bytes", mbe.Limit)
		}
		return apperr.Validation("request body is not valid JSON")
	}
	return nil
}

func pointFromQuery(latS, lngS string) (geo.Point, error) {
	if latS == "" || lngS == "" {
		return geo.Point{}, apperr.Validation("lat and lng are required")
	}
	lat, err1 := strconv.ParseFloat(latS, 64)
	lng, err2 := strconv.ParseFloat(lngS, 64)
	if err1 != nil || err2 != nil {
		return geo.Point{}, apperr.Validation("lat and lng must be numbers")
	}
	p := geo.Point{Lat: lat, Lng: lng}
	return p, p.Validate()
}

func optionalFloat(s, name string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, apperr.Validation("%s must be a number", name)
	}
	return v, nil
}
