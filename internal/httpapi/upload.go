package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tlcfem/motion-base-go/internal/record"
)

// Job names registered with the broker. A worker process must call
// RegisterJobHandlers on its own *Server before consuming, so these names
// only need to agree between dispatch (here) and consumption (cmd/worker).
const (
	jobParseArchive  = "parse_archive"
	jobProcessRecord = "process_record"
)

// RegisterJobHandlers binds every job this service dispatches to its
// execution logic, so both the HTTP process (local-mode fallback) and a
// standalone worker process can run them from the same Broker wiring.
func (s *Server) RegisterJobHandlers() {
	s.Broker.RegisterHandler(jobParseArchive, s.handleParseArchiveJob)
	s.Broker.RegisterHandler(jobProcessRecord, s.handleProcessJob)
}

// parseArchiveJobPayload is the broker payload for jobParseArchive.
type parseArchiveJobPayload struct {
	TaskID     string `json:"task_id"`
	ArchiveURI string `json:"archive_uri"`
	Region     region `json:"region"`
	UserID     string `json:"user_id"`
	Overwrite  bool   `json:"overwrite"`
}

// handleParseArchiveJob is the broker-side handler for jobParseArchive: it
// stages the archive in, parses it with the region's parser, saves and
// indexes every record it yields, and marks the task complete. A parse or
// save failure for one entry is logged and skipped by the parser/store
// layers, and an archive the parser cannot open yields no records; only an
// error fetching or reading the staged archive, or marking the task
// complete, propagates, which the broker retries per its backoff policy.
func (s *Server) handleParseArchiveJob(ctx context.Context, payload []byte) error {
	var job parseArchiveJobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("httpapi: unmarshal parse archive job: %w", err)
	}
	if _, err := s.handleUploadArchiveIdentities(ctx, job.ArchiveURI, job.Region, job.UserID, job.Overwrite); err != nil {
		return err
	}
	return s.Tasks.MarkComplete(ctx, job.TaskID)
}

// handleUpload accepts one or more archives under the multipart form field
// "archives[]" for reg, stages each to the blob store, and either parses it
// inline (wait_for_result=true) or dispatches a parse job and returns its
// task id immediately.
func (s *Server) handleUpload(reg region) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		files := r.MultipartForm.File["archives[]"]
		if len(files) == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("httpapi: archives[] is required"))
			return
		}

		waitForResult := parseBoolQuery(r, "wait_for_result")
		overwrite := parseBoolQuery(r, "overwrite_existing")
		user := userFromContext(r.Context())

		response := struct {
			Message string          `json:"message"`
			TaskIDs []string        `json:"task_ids,omitempty"`
			Records []record.Record `json:"records,omitempty"`
		}{Message: "accepted"}

		for _, fh := range files {
			file, err := fh.Open()
			if err != nil {
				s.Logger.Error("failed to open uploaded part", "file_name", fh.Filename, "error", err)
				continue
			}
			uri, err := s.Blob.Save(r.Context(), file, fh.Filename)
			file.Close()
			if err != nil {
				s.Logger.Error("failed to stage uploaded archive", "file_name", fh.Filename, "error", err)
				continue
			}

			if waitForResult {
				ids, err := s.handleUploadArchiveIdentities(r.Context(), uri, reg, user.ID, overwrite)
				if err != nil {
					s.Logger.Error("inline archive parse failed", "file_name", fh.Filename, "error", err)
					continue
				}
				for _, id := range ids {
					if rec, err := s.Store.FindOne(r.Context(), id); err == nil {
						response.Records = append(response.Records, rec)
					}
				}
				continue
			}

			task, err := s.Tasks.Create(r.Context(), "", int(fh.Size), uri)
			if err != nil {
				s.Logger.Error("failed to create upload task", "file_name", fh.Filename, "error", err)
				continue
			}
			payload, err := json.Marshal(parseArchiveJobPayload{
				TaskID: task.ID, ArchiveURI: uri, Region: reg, UserID: user.ID, Overwrite: overwrite,
			})
			if err != nil {
				s.Logger.Error("failed to marshal parse job payload", "error", err)
				continue
			}
			if err := s.Broker.Dispatch(r.Context(), jobParseArchive, payload, task.ID, uri, int(fh.Size)); err != nil {
				s.Logger.Error("failed to dispatch parse job", "task_id", task.ID, "error", err)
				continue
			}
			response.TaskIDs = append(response.TaskIDs, task.ID)
		}

		writeJSON(w, http.StatusAccepted, response)
	}
}
