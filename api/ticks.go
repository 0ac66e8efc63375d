package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/meterflow/meterflow/engine/scheduler"
)

// tickResponse is the scheduled tick result body.
type tickResponse struct {
	Success   bool  `json:"success"`
	Claimed   int   `json:"claimed"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Retrying  int   `json:"retrying"`
	Blocked   int   `json:"blocked"`
	LatencyMS int64 `json:"latencyMs"`
}

// tickAll runs one unscoped tick. It is the cron entry point, authenticated
// by a shared bearer secret, and returns 200 even when nothing was claimed.
func (s *Server) tickAll(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cronSecret)) != 1 {
		respondError(w, r, http.StatusUnauthorized, "invalid tick secret")
		return
	}
	start := time.Now()
	report, err := s.ticker.Tick(r.Context(), scheduler.TickOptions{
		MaxSteps:    s.maxStepsPerTick,
		Concurrency: s.maxConcurrency,
	})
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "tick failed")
		return
	}
	respondJSON(w, r, http.StatusOK, tickResponse{
		Success:   true,
		Claimed:   report.Claimed,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Retrying:  report.Retrying,
		Blocked:   report.Blocked,
		LatencyMS: time.Since(start).Milliseconds(),
	})
}
