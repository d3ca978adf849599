package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/fnplane/fnplane/pkg/artifacts"
	"github.com/fnplane/fnplane/pkg/engine"
	"github.com/fnplane/fnplane/pkg/gateway"
)

// DeployRequest is the body of POST /applications. The same fields are
// accepted as query parameters.
type DeployRequest struct {
	Name     string `json:"name" validate:"required"`
	S3Bucket string `json:"s3Bucket" validate:"required"`
	S3Key    string `json:"s3Key" validate:"required"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrApplicationNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDeploymentInProgress), errors.Is(err, engine.ErrDeletionFailed):
		return http.StatusConflict
	case errors.Is(err, engine.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrEventPublish), errors.Is(err, gateway.ErrUpstream):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var domainErr *engine.Error
	if errors.As(err, &domainErr) {
		resp.Code = string(domainErr.Code)
		resp.Reasons = domainErr.Reasons
	}
	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		resp.Error = "internal server error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", s.retryAfter())
	}
	writeJSON(w, status, resp)
}

func (s *Server) retryAfter() string {
	secs := int(s.cfg.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health.HealthCheck(r.Context()); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decodeDeployRequest reads a JSON body, falling back to query parameters.
func decodeDeployRequest(r *http.Request) (DeployRequest, error) {
	var req DeployRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" && r.ContentLength != 0 {
		dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return req, engine.NewInvalidRequestError(fmt.Sprintf("invalid json body: %v", err))
		}
	}

	q := r.URL.Query()
	if req.Name == "" {
		req.Name = q.Get("name")
	}
	if req.S3Bucket == "" {
		req.S3Bucket = q.Get("s3Bucket")
	}
	if req.S3Key == "" {
		req.S3Key = q.Get("s3Key")
	}
	return req, nil
}

// validationError turns validator output into an invalid request error.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return engine.NewInvalidRequestError(err.Error())
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return engine.NewInvalidRequestError(strings.Join(fields, ", "))
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDeployRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, r, validationError(err))
		return
	}

	status, err := s.cfg.Deployments.RequestDeployment(r.Context(), req.Name,
		engine.ArtifactLocation{Bucket: req.S3Bucket, Key: req.S3Key})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Deployments.GetStatus(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Deployments.RequestDeletion(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func gatewayRequest(r *http.Request, subpath string) *gateway.Request {
	return &gateway.Request{
		Method:  r.Method,
		Header:  r.Header.Clone(),
		Body:    r.Body,
		Subpath: subpath,
		Query:   r.URL.Query(),
	}
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	resp, err := s.cfg.Invoker.Invoke(r.Context(), name, gatewayRequest(r, ""))
	s.relay(w, r, name, resp, err)
}

func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	resp, err := s.cfg.Invoker.Proxy(r.Context(), name, gatewayRequest(r, chi.URLParam(r, "*")))
	s.relay(w, r, name, resp, err)
}

// relay writes a gateway response, mapping rejected outcomes to statuses.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, name string, resp *gateway.Response, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}

	switch resp.Outcome {
	case gateway.OutcomeForwarded:
	case gateway.OutcomeGone:
		writeError(w, http.StatusGone, fmt.Sprintf("application %s has been deleted", name))
		return
	case gateway.OutcomePermanentlyUnavailable:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("application %s is not available", name))
		return
	default:
		w.Header().Set("Retry-After", s.retryAfter())
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("application %s is not ready yet", name))
		return
	}

	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("application", name).Msg("failed to relay response body")
	}
}

// upload stores a multipart zipFile at bucket/key.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		writeError(w, http.StatusNotImplemented, "no artifact store configured")
		return
	}

	if r.ContentLength > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		s.fail(w, r, engine.NewInvalidRequestError(fmt.Sprintf("invalid multipart form: %v", err)))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	key := r.FormValue("key")
	bucket := r.FormValue("bucket")
	if bucket == "" {
		bucket = s.cfg.DefaultBucket
	}
	if key == "" || bucket == "" {
		s.fail(w, r, engine.NewInvalidRequestError("key and bucket are required"))
		return
	}

	file, header, err := r.FormFile("zipFile")
	if err != nil {
		s.fail(w, r, engine.NewInvalidRequestError("zipFile is required"))
		return
	}
	defer file.Close()

	err = s.artifacts.Put(r.Context(), file, header.Size, key, bucket, artifacts.ZipContentType)
	s.metrics.RecordArtifactUpload(s.artifacts.Name(), err)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("bucket", bucket).Str("key", key).Msg("artifact upload failed")
		writeError(w, http.StatusBadGateway, "failed to store artifact")
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("bucket", bucket).
		Str("key", key).
		Int64("size", header.Size).
		Msg("artifact uploaded")
	writeJSON(w, http.StatusCreated, engine.ArtifactLocation{Bucket: bucket, Key: key})
}
