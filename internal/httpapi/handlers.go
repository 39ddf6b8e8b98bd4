package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tlcfem/motion-base-go/internal/blob"
	"github.com/tlcfem/motion-base-go/internal/broker"
	"github.com/tlcfem/motion-base-go/internal/parser"
	"github.com/tlcfem/motion-base-go/internal/query"
	"github.com/tlcfem/motion-base-go/internal/record"
	"github.com/tlcfem/motion-base-go/internal/signal"
)

type region string

const (
	regionJapan      region = "jp"
	regionNewZealand region = "nz"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/docs", http.StatusTemporaryRedirect)
}

func (s *Server) handleAlive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleTestEndpoint(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"endpoint": "/test_endpoint"})
}

// handleTotal accepts either a single [query.Config]-shaped JSON body on
// POST, or no body on GET for the unfiltered count.
func (s *Server) handleTotal(w http.ResponseWriter, r *http.Request) {
	var cfg query.Config
	if r.Method == http.MethodPost {
		if err := decodeJSONBody(r, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	filter, err := cfg.ToMongoFilter()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	total, err := s.Store.Count(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"total": total})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	magnitudeHistogram, err := s.Index.MagnitudeHistogram(r.Context(), 1.0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	accelerationHistogram, err := s.Index.AccelerationHistogram(r.Context(), 50.0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"magnitude":            magnitudeHistogram,
		"maximum_acceleration": accelerationHistogram,
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.Tasks.Find(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskStatusBatch(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if err := decodeJSONBody(r, &ids); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	found, err := s.Tasks.List(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	byID := make(map[string]record.UploadTask, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}
	out := make([]*record.UploadTask, len(ids))
	for i, id := range ids {
		if t, ok := byID[id]; ok {
			task := t
			out[i] = &task
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleJackpot returns a single randomly sampled record via the store's
// $sample aggregation, shaped according to kind ("raw", "waveform", "spectrum").
func (s *Server) handleJackpot(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := s.Store.AggregateSample(r.Context(), nil, 1)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if len(records) == 0 {
			writeError(w, http.StatusNotFound, fmt.Errorf("no records available"))
			return
		}
		rec := records[0]

		switch kind {
		case "raw":
			writeJSON(w, http.StatusOK, map[string]any{"endpoint": "/raw/jackpot", "record": rec})
		case "waveform":
			interval, waveform, err := rec.Waveform(false, "cm/s/s")
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"endpoint":      "/waveform/jackpot",
				"time_interval": interval,
				"waveform":      waveform,
			})
		case "spectrum":
			_, waveform, err := rec.Waveform(false, "cm/s/s")
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			freqStep, magnitude := signal.Spectrum(rec.SamplingFrequency, waveform)
			writeJSON(w, http.StatusOK, map[string]any{
				"endpoint":       "/spectrum/jackpot",
				"frequency_step": freqStep,
				"spectrum":       magnitude,
			})
		}
	}
}

func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request) {
	ids, err := decodeIDOrIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	records := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Store.FindOne(r.Context(), id)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var cfg query.Config
	if err := decodeJSONBody(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pagination, err := cfg.Pagination.Normalize()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter, err := cfg.ToMongoFilter()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sortField, descending := "", false
	if cfg.Sort != "" {
		sortField, descending, err = query.ParseSort(cfg.Sort)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	records, err := s.Store.Find(r.Context(), filter, int64(pagination.Offset), int64(pagination.Size), sortField, descending, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	body := map[string]any{"records": records}
	if r.URL.Query().Get("count_total") == "true" {
		total, err := s.Store.Count(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		body["total"] = total
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var cfg query.Config
	if err := decodeJSONBody(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pagination, err := cfg.Pagination.Normalize()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body, err := cfg.ToElasticQuery()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ids, total, err := s.Index.Search(r.Context(), body, pagination.Offset, pagination.Size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	records := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Store.FindOne(r.Context(), id)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "total": total})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	recordID := r.URL.Query().Get("record_id")
	if recordID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("record_id is required"))
		return
	}
	var cfg signal.ProcessConfig
	if err := decodeJSONBody(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := s.Store.FindOne(r.Context(), recordID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	hasFilter := cfg.WithFilter
	workers, err := s.Broker.Stats(r.Context())
	if err != nil {
		workers = 0
	}

	if workers > 0 && !broker.ShouldProcessLocally(workers, hasFilter, cfg.WithResponseSpectrum) {
		task, err := s.dispatchProcessJob(r.Context(), rec.ID, cfg)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"message": "dispatched", "task_id": task.ID})
		return
	}

	_, waveform, err := rec.Waveform(cfg.Normalised, "cm/s/s")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	result, err := signal.Process(rec.SamplingFrequency, waveform, cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg, "result": result})
}

// processJobPayload is the broker payload shape for the jobProcessRecord job
// registered by RegisterJobHandlers.
type processJobPayload struct {
	TaskID   string               `json:"task_id"`
	RecordID string               `json:"record_id"`
	Config   signal.ProcessConfig `json:"config"`
}

func (s *Server) dispatchProcessJob(ctx context.Context, recordID string, cfg signal.ProcessConfig) (record.UploadTask, error) {
	task, err := s.Tasks.Create(ctx, "", 0, "")
	if err != nil {
		return record.UploadTask{}, fmt.Errorf("httpapi: create process task: %w", err)
	}
	payload, err := json.Marshal(processJobPayload{TaskID: task.ID, RecordID: recordID, Config: cfg})
	if err != nil {
		return record.UploadTask{}, fmt.Errorf("httpapi: marshal process payload: %w", err)
	}
	if err := s.Broker.Dispatch(ctx, jobProcessRecord, payload, task.ID, "", 0); err != nil {
		return record.UploadTask{}, fmt.Errorf("httpapi: dispatch process job: %w", err)
	}
	return task, nil
}

// handleProcessJob is the broker-side handler for jobProcessRecord: it runs
// the same signal pipeline handleProcess does inline, marking the task
// complete so a polling client sees it finish; the processed result itself
// is not persisted, since /process is a compute-only endpoint.
func (s *Server) handleProcessJob(ctx context.Context, payload []byte) error {
	var job processJobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("httpapi: unmarshal process job: %w", err)
	}
	rec, err := s.Store.FindOne(ctx, job.RecordID)
	if err != nil {
		return err
	}
	_, waveform, err := rec.Waveform(job.Config.Normalised, "cm/s/s")
	if err != nil {
		return err
	}
	if _, err := signal.Process(rec.SamplingFrequency, waveform, job.Config); err != nil {
		return err
	}
	return s.Tasks.MarkComplete(ctx, job.TaskID)
}

func (s *Server) handleUploadArchiveIdentities(ctx context.Context, archiveURI string, reg region, userID string, overwrite bool) ([]string, error) {
	fp, err := blob.OpenFileProxy(ctx, s.Blob, archiveURI, "", false)
	if err != nil {
		return nil, err
	}
	defer fp.Close(ctx)

	data, err := io.ReadAll(fp.Reader())
	if err != nil {
		return nil, fmt.Errorf("httpapi: read staged archive: %w", err)
	}

	records, err := s.parseArchiveBytes(data, archiveURI, reg, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if _, err := s.Store.Save(ctx, rec, overwrite); err != nil {
			s.Logger.Error("failed to save parsed record", "file_name", rec.FileName, "error", err)
			continue
		}
		ids = append(ids, rec.ID)
	}

	saved := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Store.FindOne(ctx, id)
		if err == nil {
			saved = append(saved, rec)
		}
	}
	if len(saved) > 0 {
		if err := s.Index.BulkIndex(ctx, saved); err != nil {
			s.Logger.Error("bulk index failed after upload", "error", err)
		}
	}

	fp.MarkSuccess()
	return ids, nil
}

func decodeJSONBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("httpapi: decode request body: %w", err)
	}
	return nil
}

// decodeIDOrIDs accepts either a bare JSON string or a JSON array of
// strings, matching the source's "single id or an array" contract.
func decodeIDOrIDs(r *http.Request) ([]string, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("httpapi: expected a string or array of strings")
	}
	return many, nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Records []record.Record `json:"records"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Index.BulkIndex(r.Context(), body.Records); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": len(body.Records)})
}

func (s *Server) handleAccessGet(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	uri := s.MainSite + "/access/" + path
	f, err := s.Blob.Open(uri)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, path, time.Time{}, f)
}

func (s *Server) handleAccessDelete(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]
	uri := s.MainSite + "/access/" + path
	if err := s.Blob.Delete(uri); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")

	user, err := s.Users.Authenticate(r.Context(), username, password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, err := s.Tokens.Issue(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUserNew(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		Email     string `json:"email"`
		CanUpload bool   `json:"can_upload"`
		CanDelete bool   `json:"can_delete"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.Users.Create(r.Context(), body.Username, body.Password, body.Email, body.CanUpload, body.CanDelete)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUserCheck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	_, err := s.Users.Authenticate(r.Context(), body.Username, body.Password)
	writeJSON(w, http.StatusOK, map[string]bool{"valid": err == nil})
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Users.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseBoolQuery(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	if err != nil {
		return false
	}
	return v
}

// parseArchiveBytes dispatches to the region-specific parser. Per-entry
// parse failures are already logged and skipped inside the parser package;
// an archive that fails to open entirely surfaces here as an empty slice,
// matching the "upload succeeds with zero records" contract.
func (s *Server) parseArchiveBytes(data []byte, archiveName string, reg region, userID string) ([]record.Record, error) {
	switch reg {
	case regionJapan:
		return parser.ParseNIEDArchive(data, archiveName, userID, nil, s.Logger), nil
	case regionNewZealand:
		return parser.ParseNZSMArchive(data, archiveName, userID, nil, s.Logger), nil
	default:
		return nil, fmt.Errorf("httpapi: unknown region %q", reg)
	}
}
