package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/carbonetes/mltaskd/internal/core"
	v1 "github.com/carbonetes/mltaskd/pkg/api"
)

// multipartMemory is how much of a form is held in memory before spilling
// file parts to disk.
const multipartMemory = 8 << 20

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	limit := s.MaxUpload
	if limit <= 0 {
		limit = DefaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	sub, err := parseSubmission(r)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("request too large", err))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody("malformed form", err))
		return
	}

	task, err := s.Service.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v1.CreateTaskResponse{Message: "registered", NewTask: task.View()})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.Service.ListTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v1.ListTasksResponse{Tasks: core.Views(tasks)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Service.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task.View())
}

// parseSubmission reads a multipart or urlencoded form.
func parseSubmission(r *http.Request) (core.Submission, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return core.Submission{}, err
		}
		defer r.MultipartForm.RemoveAll()
	} else if err := r.ParseForm(); err != nil {
		return core.Submission{}, err
	}

	sub := core.Submission{
		DisplayName: r.FormValue("taskname_user"),
		DatasetSize: r.FormValue("dataset_size"),
		LabelCount:  r.FormValue("label_count"),
		CodeType:    r.FormValue("codeType"),
		CodeText:    r.FormValue("codeText"),
		DataShape:   r.FormValue("data_shape"),
	}
	var err error
	if sub.CodeFile, err = readUpload(r, "codeFile"); err != nil {
		return sub, err
	}
	if sub.SampleData, err = readUpload(r, "sampleData"); err != nil {
		return sub, err
	}
	return sub, nil
}

func readUpload(r *http.Request, field string) (*core.Upload, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return &core.Upload{Name: hdr.Filename, Content: data}, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var ve *core.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, v1.ErrorResponse{Message: "invalid submission", Field: ve.Field, Error: ve.Message})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("task not found", nil))
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error", err))
	}
}

func errorBody(msg string, err error) v1.ErrorResponse {
	resp := v1.ErrorResponse{Message: msg}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}
